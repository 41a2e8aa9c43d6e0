// Package signaling is the per-device adapter to the relay: one WebSocket,
// one room, one peer id. It parses inbound frames into an event stream and
// serializes outbound handshake envelopes.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/emberchat/ember/internal/proto"
	"github.com/emberchat/ember/internal/util"
)

var log = logging.Logger("signaling")

const writeWait = 5 * time.Second

// Client is one live relay connection. Events() yields parsed frames until
// Disconnect is called or the socket drops, then the channel closes.
type Client struct {
	conn     *websocket.Conn
	peerID   string
	roomCode string

	events chan proto.SignalingMessage

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Connect dials the relay, joins the room and starts the read loop.
// relayURL is the HTTP base URL of the relay (http:// or https://).
func Connect(ctx context.Context, relayURL, roomCode, peerID string) (*Client, error) {
	wsURL, err := toWebsocketURL(relayURL, roomCode)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &Client{
		conn:     conn,
		peerID:   peerID,
		roomCode: roomCode,
		events:   make(chan proto.SignalingMessage, 64),
	}

	if err := c.writeJSON(proto.SignalingMessage{Type: proto.SigJoin, RoomCode: roomCode, PeerID: peerID}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	go c.readLoop()
	log.Infof("joined room %s as %s via %s", roomCode, peerID, relayURL)
	return c, nil
}

// Events returns the inbound frame stream. Closed on disconnect.
func (c *Client) Events() <-chan proto.SignalingMessage { return c.events }

// PeerID returns the peer id this client joined with.
func (c *Client) PeerID() string { return c.peerID }

// SendOffer relays an SDP offer to the target peer.
func (c *Client) SendOffer(targetPeerID string, payload any) error {
	return c.sendEnvelope(proto.SigOffer, targetPeerID, payload)
}

// SendAnswer relays an SDP answer to the target peer.
func (c *Client) SendAnswer(targetPeerID string, payload any) error {
	return c.sendEnvelope(proto.SigAnswer, targetPeerID, payload)
}

// SendIceCandidate relays one ICE candidate to the target peer.
func (c *Client) SendIceCandidate(targetPeerID string, payload any) error {
	return c.sendEnvelope(proto.SigIceCandidate, targetPeerID, payload)
}

func (c *Client) sendEnvelope(typ, targetPeerID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return c.writeJSON(proto.SignalingMessage{
		Type:         typ,
		TargetPeerID: targetPeerID,
		Payload:      raw,
	})
}

// Disconnect sends leave and closes the socket. Idempotent; a close error is
// not interesting because the relay treats socket close as leave anyway.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		_ = c.writeJSON(proto.SignalingMessage{Type: proto.SigLeave})
		_ = c.conn.Close()
	})
}

func (c *Client) writeJSON(msg proto.SignalingMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// readLoop parses inbound frames onto the events channel. Malformed frames
// are logged and dropped, never fatal. The channel closes when the socket
// goes away.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			log.Debugf("relay socket closed: %v", err)
			return
		}
		var msg proto.SignalingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf("dropping malformed relay frame: %v", err)
			continue
		}
		if msg.Type == "" {
			log.Warnf("dropping relay frame without type")
			continue
		}
		select {
		case c.events <- msg:
		default:
			// Consumer is not draining; drop rather than wedge the socket.
			log.Warnf("event buffer full, dropping %s frame", msg.Type)
		}
	}
}

// FetchTurnCredentials asks the relay for short-lived TURN credentials.
// Returns (nil, nil) when the relay has none configured; callers degrade to
// their static ICE servers. Never fatal.
func FetchTurnCredentials(ctx context.Context, relayURL string) (*proto.TurnCredentials, error) {
	base := strings.TrimRight(relayURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/turn-credentials", nil)
	if err != nil {
		return nil, err
	}
	httpc := &http.Client{Timeout: util.DefaultConnectTimeout}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("turn-credentials status %s", resp.Status)
	}
	var creds proto.TurnCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// toWebsocketURL converts the relay's HTTP base URL into the ws endpoint for
// a room code.
func toWebsocketURL(relayURL, roomCode string) (string, error) {
	u, err := url.Parse(strings.TrimRight(relayURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + roomCode
	return u.String(), nil
}

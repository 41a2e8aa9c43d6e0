package relay

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberchat/ember/internal/proto"
)

const (
	// Time allowed to write a frame to the peer socket.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from a peer. SDP offers with many ICE
	// candidates stay well under this.
	maxFrameSize = 64 * 1024

	// Outbound frame buffer per socket.
	sendBuffer = 64
)

// client is one peer socket. The read pump runs on the connection handler
// goroutine; the write pump runs on its own so a stalled socket never blocks
// the room actor.
type client struct {
	conn   *websocket.Conn
	peerID string
	room   *room
	joined bool

	send chan proto.SignalingMessage

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan proto.SignalingMessage, sendBuffer),
	}
}

// trySend queues a frame without blocking. A full buffer means the peer is
// not draining its socket; the frame is dropped, matching the fire-and-forget
// delivery model of the relay.
func (c *client) trySend(msg proto.SignalingMessage) {
	select {
	case c.send <- msg:
	default:
		log.Warnf("peer %s: send buffer full, dropping %s frame", c.peerID, msg.Type)
	}
}

// closeQuiet tears the socket down without a leave broadcast. Used when a
// rejoining peer supersedes its old socket.
func (c *client) closeQuiet() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// writePump drains the send channel onto the socket with write deadlines and
// keepalive pings. It exits when the send channel is abandoned (read side
// done) or a write fails.
func (c *client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeQuiet()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop consumes frames until the socket closes or the peer sends leave.
// The first frame must be a join carrying a peer id; everything after that is
// routed through the room actor.
func (c *client) readLoop(s *Server, roomCode string) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go c.writePump(done)
	defer func() {
		if c.joined && c.room != nil {
			c.room.send(roomCmd{kind: cmdLeave, c: c})
		}
		close(done)
		c.closeQuiet()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("peer %s: read error: %v", c.peerID, err)
			}
			return
		}

		var msg proto.SignalingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.trySend(errorMsg("malformed frame"))
			continue
		}

		switch {
		case msg.Type == proto.SigJoin:
			if c.joined {
				c.trySend(errorMsg("already joined"))
				continue
			}
			peerID := strings.TrimSpace(msg.PeerID)
			if peerID == "" {
				c.trySend(errorMsg("peerId is required"))
				continue
			}
			c.peerID = peerID
			c.room = s.joinRoom(roomCode, c)
			c.joined = true

		case msg.Type == proto.SigLeave:
			return

		case !c.joined:
			c.trySend(errorMsg("join first"))

		default:
			if !c.room.send(roomCmd{kind: cmdFrame, c: c, msg: msg}) {
				return
			}
		}
	}
}

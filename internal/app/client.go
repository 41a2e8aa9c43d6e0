package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/emberchat/ember/internal/config"
	"github.com/emberchat/ember/internal/p2p"
	"github.com/emberchat/ember/internal/proto"
	"github.com/emberchat/ember/internal/room"
	"github.com/emberchat/ember/internal/session"
	"github.com/emberchat/ember/internal/signaling"
	"github.com/emberchat/ember/internal/store"
)

// client ties the relay, the peer mesh, and the local room state together
// for one device.
type client struct {
	cfg      config.Config
	sessions *session.Registry
	store    *store.Store
	rooms    *room.Manager

	mu   sync.Mutex
	mesh *p2p.Manager
	// Peers granted membership by us while the room is in approval mode.
	approved map[string]struct{}
}

func runClient(ctx context.Context, cfg config.Config) error {
	sessions := session.NewRegistry()
	msgStore := store.New()
	c := &client{
		cfg:      cfg,
		sessions: sessions,
		store:    msgStore,
		rooms:    room.NewManager(sessions, msgStore),
		approved: map[string]struct{}{},
	}

	// Timeout sweep: every tick, expired participants are dropped and
	// their messages tombstoned in one batch.
	go func() {
		ticker := time.NewTicker(proto.TimeoutTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.rooms.CheckAndRemoveTimedOutParticipants()
			case <-ctx.Done():
				return
			}
		}
	}()

	defer c.teardown()
	return c.commandLoop(ctx)
}

// connectMesh dials the relay for code and brings up the peer mesh with
// the identity the room manager handed out.
func (c *client) connectMesh(ctx context.Context, code, peerID string, isCreator bool) error {
	roomName := ""
	if r, ok := c.rooms.CurrentRoom(); ok {
		roomName = r.Name
	}

	ice, err := c.gatherICEServers(ctx)
	if err != nil {
		// Degrade to whatever is configured; connectivity may still work.
		log.Warnf("turn credentials: %v", err)
	}

	sig, err := signaling.Connect(ctx, c.cfg.Client.RelayURL, code, peerID)
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}

	mesh := p2p.NewManager(sig, ice, proto.HelloPayload{
		DisplayName: c.rooms.SelfName(),
		RoomName:    roomName,
		IsCreator:   isCreator,
	})

	c.mu.Lock()
	old := c.mesh
	c.mesh = mesh
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go mesh.Run()
	go c.consume(ctx, mesh)
	return nil
}

// gatherICEServers combines configured STUN/TURN URIs with any short-lived
// credentials the relay is willing to mint. Absence of credentials is not
// an error; the mesh falls back to direct connectivity.
func (c *client) gatherICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	for _, uri := range c.cfg.Client.IceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{uri}})
	}

	creds, err := signaling.FetchTurnCredentials(ctx, c.cfg.Client.RelayURL)
	if err != nil {
		return servers, err
	}
	if creds != nil && len(creds.URIs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       creds.URIs,
			Username:   creds.Username,
			Credential: creds.Credential,
		})
	}
	return servers, nil
}

// consume routes mesh messages and lifecycle events into room and store
// state until the mesh shuts down.
func (c *client) consume(ctx context.Context, mesh *p2p.Manager) {
	for {
		select {
		case in, ok := <-mesh.Messages():
			if !ok {
				return
			}
			c.handleP2P(mesh, in)
		case ev, ok := <-mesh.Lifecycle():
			if !ok {
				return
			}
			c.handleLifecycle(ev)
		case <-mesh.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *client) handleLifecycle(ev p2p.LifecycleEvent) {
	switch ev.Kind {
	case p2p.PeerDiscovered:
		log.Debugf("discovered %s", ev.PeerID)
	case p2p.PeerConnected:
		// Membership is established by the hello; this only clears a
		// running grace countdown on reconnect.
		c.rooms.MarkParticipantReconnected(ev.PeerID)
	case p2p.PeerDisconnected:
		c.rooms.MarkParticipantDisconnected(ev.PeerID)
		fmt.Printf("* %s lost connection, %ds to reconnect\n", ev.PeerID, int(proto.DisconnectGrace.Seconds()))
	}
}

func (c *client) handleP2P(mesh *p2p.Manager, in p2p.InboundMessage) {
	msg := in.Msg
	switch msg.Type {
	case proto.P2PHello:
		c.handleHello(mesh, in.From, msg.Payload)

	case proto.P2PGoodbye:
		c.rooms.RemoveRemoteParticipant(in.From)
		fmt.Printf("* %s left\n", in.From)

	case proto.P2PChatMessage:
		var p proto.ChatPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Warnf("bad chat payload from %s: %v", in.From, err)
			return
		}
		// Inbound content runs the same gates as local sends; a peer
		// that skips its own checks gets clipped here.
		stored, status := c.store.AddRemoteMessage(p.MessageID, in.From, p.DisplayName, p.Content, time.UnixMilli(p.SentAt))
		if status != store.AddOK {
			log.Debugf("dropped message from %s: %s", in.From, status)
			return
		}
		c.rooms.Touch(in.From)
		c.rooms.SetTyping(in.From, false)
		fmt.Printf("<%s> %s\n", stored.SenderDisplayName, stored.Content)

	case proto.P2PTypingStart:
		c.rooms.SetTyping(in.From, true)
	case proto.P2PTypingStop:
		c.rooms.SetTyping(in.From, false)

	case proto.P2PReaction:
		var p proto.ReactionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.store.AddReaction(p.MessageID, p.Emoji, in.From)

	case proto.P2PSeen:
		var p proto.SeenPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.store.MarkSeen(p.MessageID, in.From)

	case proto.P2PNameChange:
		var p proto.NamePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.rooms.UpdateDisplayName(in.From, p.DisplayName)

	case proto.P2PKick:
		c.handleKick(in.From, msg.Payload)

	case proto.P2PRoomEnded:
		if !c.fromCreator(in.From) {
			return
		}
		fmt.Println("* the creator ended the room")
		c.rooms.RoomEndedRemotely()
		c.teardown()

	case proto.P2PJoinPending:
		fmt.Println("* waiting for the creator to approve you")
	case proto.P2PJoinApproved:
		fmt.Println("* you were approved, welcome")
	case proto.P2PJoinRejected:
		fmt.Println("* the creator rejected your join request")
		c.rooms.LeaveRoom(false)
		c.teardown()
	}
}

// handleHello registers a remote peer, or queues it for approval when we
// run the door policy.
func (c *client) handleHello(mesh *p2p.Manager, from string, raw json.RawMessage) {
	var p proto.HelloPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warnf("bad hello from %s: %v", from, err)
		return
	}

	r, ok := c.rooms.CurrentRoom()
	if ok && r.ApprovalMode && c.rooms.IsCreator() {
		if _, known := c.rooms.Participant(from); !known {
			c.mu.Lock()
			_, pre := c.approved[from]
			c.mu.Unlock()
			if !pre {
				c.rooms.EnqueueJoinRequest(from, p.DisplayName)
				c.sendTo(mesh, from, proto.P2PJoinPending, nil)
				fmt.Printf("* %s (%s) wants to join; approve or reject\n", p.DisplayName, from)
				return
			}
		}
	}

	c.rooms.AddRemoteParticipant(from, p.DisplayName, p.IsCreator)
	fmt.Printf("* %s is here\n", p.DisplayName)
}

// handleKick applies a creator-issued removal. When we are the target we
// are banned from the room code for good.
func (c *client) handleKick(from string, raw json.RawMessage) {
	if !c.fromCreator(from) {
		log.Warnf("ignoring kick from non-creator %s", from)
		return
	}
	var p proto.KickPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if p.TargetPeerID == c.rooms.SelfID() {
		fmt.Println("* you were kicked from the room")
		if r, ok := c.rooms.CurrentRoom(); ok {
			c.rooms.MarkSelfKicked(r.Code)
		}
		c.teardown()
		return
	}
	c.rooms.RemoveRemoteParticipant(p.TargetPeerID)
}

// fromCreator authenticates creator-only frames against the room's
// creator id, never against a flag the sender supplied itself.
func (c *client) fromCreator(peerID string) bool {
	r, ok := c.rooms.CurrentRoom()
	return ok && r.CreatorPeerID != "" && r.CreatorPeerID == peerID
}

// broadcast sends one typed frame to every connected peer and returns the
// ids that took delivery.
func (c *client) broadcast(msgType string, payload any) []string {
	c.mu.Lock()
	mesh := c.mesh
	c.mu.Unlock()
	if mesh == nil {
		return nil
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		log.Errorf("marshal %s payload: %v", msgType, err)
		return nil
	}
	return mesh.Broadcast(proto.P2PMessage{Type: msgType, Payload: raw})
}

func (c *client) sendTo(mesh *p2p.Manager, peerID, msgType string, payload any) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return
	}
	if err := mesh.SendTo(peerID, proto.P2PMessage{Type: msgType, Payload: raw}); err != nil {
		log.Debugf("send %s to %s: %v", msgType, peerID, err)
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

// teardown closes the mesh if one is up. The goodbye broadcast happens
// inside the mesh shutdown.
func (c *client) teardown() {
	c.mu.Lock()
	mesh := c.mesh
	c.mesh = nil
	c.approved = map[string]struct{}{}
	c.mu.Unlock()
	if mesh != nil {
		mesh.Close()
	}
}

package relay

import (
	"sync/atomic"
	"time"

	"github.com/emberchat/ember/internal/proto"
)

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdLeave
	cmdFrame
)

// roomCmd is one unit of work for the room actor. Using a single channel for
// joins, leaves and frames keeps per-client ordering: a relay frame queued
// after a join can never be processed first.
type roomCmd struct {
	kind cmdKind
	c    *client
	msg  proto.SignalingMessage
}

// room is a per-room-code actor. All mutations of the peer set and all
// relaying for one room happen on the run goroutine, so no lock is needed
// beyond the channel boundary. Rooms are fully independent of each other.
type room struct {
	code string
	srv  *Server

	cmds chan roomCmd
	done chan struct{}

	// Owned by run(). Never touched from outside.
	peers map[string]*client

	// Peer count mirror for the stats endpoint.
	n atomic.Int64

	idleTTL time.Duration
}

func newRoom(code string, srv *Server, idleTTL time.Duration) *room {
	return &room{
		code:    code,
		srv:     srv,
		cmds:    make(chan roomCmd, 64),
		done:    make(chan struct{}),
		peers:   make(map[string]*client),
		idleTTL: idleTTL,
	}
}

// send delivers a command to the actor. Returns false if the room has
// already shut down.
func (r *room) send(cmd roomCmd) bool {
	select {
	case r.cmds <- cmd:
		return true
	case <-r.done:
		return false
	}
}

// run is the actor loop. It exits when the room has been empty for idleTTL,
// unregistering itself from the server on the way out.
func (r *room) run() {
	idle := time.NewTimer(r.idleTTL)
	defer idle.Stop()

	for {
		select {
		case cmd := <-r.cmds:
			switch cmd.kind {
			case cmdJoin:
				r.handleJoin(cmd.c)
				stopTimer(idle)
			case cmdLeave:
				r.handleLeave(cmd.c)
				if len(r.peers) == 0 {
					stopTimer(idle)
					idle.Reset(r.idleTTL)
				}
			case cmdFrame:
				r.handleFrame(cmd.c, cmd.msg)
			}

		case <-idle.C:
			if len(r.peers) > 0 {
				// A join raced the timer; keep going.
				idle.Reset(r.idleTTL)
				continue
			}
			close(r.done)
			r.srv.dropRoom(r.code, r)
			log.Debugf("room %s: idle, shut down", r.code)
			return
		}
	}
}

// handleJoin registers a peer and replies with the current peer list. A
// rejoin under an existing peer id supersedes the old socket silently, which
// is what a reconnecting device does after a network drop.
func (r *room) handleJoin(c *client) {
	if old, ok := r.peers[c.peerID]; ok && old != c {
		old.closeQuiet()
	}
	r.peers[c.peerID] = c
	r.n.Store(int64(len(r.peers)))

	others := make([]string, 0, len(r.peers)-1)
	for id := range r.peers {
		if id != c.peerID {
			others = append(others, id)
		}
	}
	c.trySend(proto.SignalingMessage{Type: proto.SigPeers, Peers: others})

	r.broadcast(proto.SignalingMessage{Type: proto.SigPeerJoined, PeerID: c.peerID}, c.peerID)
	log.Infof("room %s: peer %s joined (%d total)", r.code, c.peerID, len(r.peers))
}

// handleLeave deregisters a peer and notifies the rest. No-op when the
// client was already superseded by a rejoin.
func (r *room) handleLeave(c *client) {
	cur, ok := r.peers[c.peerID]
	if !ok || cur != c {
		return
	}
	delete(r.peers, c.peerID)
	r.n.Store(int64(len(r.peers)))
	r.broadcast(proto.SignalingMessage{Type: proto.SigPeerLeft, PeerID: c.peerID}, "")
	log.Infof("room %s: peer %s left (%d remain)", r.code, c.peerID, len(r.peers))
}

// handleFrame routes one handshake envelope to its target peer. The relay
// never inspects Payload; it only rewrites the sender id and forwards.
func (r *room) handleFrame(from *client, msg proto.SignalingMessage) {
	if !proto.IsRelayable(msg.Type) {
		from.trySend(errorMsg("unknown message type: " + msg.Type))
		return
	}
	target, ok := r.peers[msg.TargetPeerID]
	if !ok {
		from.trySend(errorMsg("peer not found: " + msg.TargetPeerID))
		return
	}
	target.trySend(proto.SignalingMessage{
		Type:       msg.Type,
		FromPeerID: from.peerID,
		Payload:    msg.Payload,
	})
}

// broadcast sends msg to every peer except the one named by skip. Sends are
// fire-and-forget; a slow peer's frame is dropped rather than stalling the room.
func (r *room) broadcast(msg proto.SignalingMessage, skip string) {
	for id, c := range r.peers {
		if id == skip {
			continue
		}
		c.trySend(msg)
	}
}

// size reports the current peer count. Safe to call from any goroutine.
func (r *room) size() int {
	return int(r.n.Load())
}

func errorMsg(text string) proto.SignalingMessage {
	return proto.SignalingMessage{Type: proto.SigError, Error: text}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

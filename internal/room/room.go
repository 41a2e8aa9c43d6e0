package room

import (
	"time"

	"github.com/emberchat/ember/internal/proto"
)

// Room is the descriptor of the one room this device is in.
type Room struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Code          string    `json:"code"`
	ApprovalMode  bool      `json:"approvalMode"`
	CreatorPeerID string    `json:"creatorPeerId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Participant is one member of the room. Identity is the peer id.
type Participant struct {
	PeerID         string    `json:"peerId"`
	DisplayName    string    `json:"displayName"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastSeen       time.Time `json:"lastSeen"`
	IsTyping       bool      `json:"isTyping"`
	IsCreator      bool      `json:"isCreator"`
	IsOnline       bool      `json:"isOnline"`
	DisconnectedAt time.Time `json:"disconnectedAt,omitempty"`
}

// IsDisconnected reports whether the grace countdown is running.
func (p Participant) IsDisconnected() bool {
	return !p.IsOnline && !p.DisconnectedAt.IsZero()
}

// TimeoutRemaining returns how much of the grace period is left, floored
// at zero.
func (p Participant) TimeoutRemaining(now time.Time) time.Duration {
	if !p.IsDisconnected() {
		return 0
	}
	rem := proto.DisconnectGrace - now.Sub(p.DisconnectedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// HasTimedOut reports whether the grace period has fully elapsed.
func (p Participant) HasTimedOut(now time.Time) bool {
	return p.IsDisconnected() && now.Sub(p.DisconnectedAt) >= proto.DisconnectGrace
}

// JoinRequest is a queued entry waiting on the creator in approval mode.
type JoinRequest struct {
	PeerID      string    `json:"peerId"`
	DisplayName string    `json:"displayName"`
	RequestedAt time.Time `json:"requestedAt"`
}

// JoinStatus is the outcome of a JoinRoom attempt.
type JoinStatus int

const (
	JoinSuccess JoinStatus = iota
	JoinReconnected
	JoinPending
	JoinKicked
	JoinRoomFull
	JoinNotFound
)

func (s JoinStatus) String() string {
	switch s {
	case JoinSuccess:
		return "success"
	case JoinReconnected:
		return "reconnected"
	case JoinPending:
		return "pending"
	case JoinKicked:
		return "kicked"
	case JoinRoomFull:
		return "roomFull"
	case JoinNotFound:
		return "notFound"
	}
	return "unknown"
}

// JoinResult carries the outcome and, on success or reconnect, the
// identity the caller should use on the wire.
type JoinResult struct {
	Status      JoinStatus
	PeerID      string
	DisplayName string
	IsCreator   bool
}

// Event types published to subscribers.
const (
	EventUpdate      = "update"
	EventRemove      = "remove"
	EventJoinRequest = "join-request"
	EventRoomEnded   = "room-ended"
)

// Event reports a membership change.
type Event struct {
	Type        string       `json:"type"`
	PeerID      string       `json:"peer_id,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Request     *JoinRequest `json:"request,omitempty"`
}

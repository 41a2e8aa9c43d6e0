package proto

import (
	"encoding/json"
	"time"
)

// Room policy limits. These are enforced locally by every client; the relay
// never interprets chat traffic and cannot enforce them.
const (
	MaxRoomCapacity  = 20
	MaxMessageLength = 500

	// At most RateLimitCount messages per sender within RateLimitWindow.
	RateLimitCount  = 5
	RateLimitWindow = time.Second

	// How long a dropped participant keeps its seat before being removed,
	// and how often the timeout sweep runs.
	DisconnectGrace = 30 * time.Second
	TimeoutTick     = time.Second
)

// Signaling message types, relay <-> client.
const (
	SigJoin         = "join"
	SigPeers        = "peers"
	SigPeerJoined   = "peer-joined"
	SigPeerLeft     = "peer-left"
	SigOffer        = "offer"
	SigAnswer       = "answer"
	SigIceCandidate = "ice-candidate"
	SigLeave        = "leave"
	SigError        = "error"
)

// SignalingMessage is the JSON frame exchanged with the relay. The relay
// routes on Type/TargetPeerID and never looks inside Payload.
type SignalingMessage struct {
	Type         string          `json:"type"`
	RoomCode     string          `json:"roomCode,omitempty"`
	PeerID       string          `json:"peerId,omitempty"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	FromPeerID   string          `json:"fromPeerId,omitempty"`
	Peers        []string        `json:"peers,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// IsRelayable reports whether t is one of the handshake types the relay
// forwards peer-to-peer.
func IsRelayable(t string) bool {
	return t == SigOffer || t == SigAnswer || t == SigIceCandidate
}

// P2P message types carried over the data channel.
const (
	P2PHello        = "hello"
	P2PGoodbye      = "goodbye"
	P2PChatMessage  = "chatMessage"
	P2PTypingStart  = "typingStart"
	P2PTypingStop   = "typingStop"
	P2PReaction     = "reaction"
	P2PSeen         = "seen"
	P2PNameChange   = "nameChange"
	P2PKick         = "kick"
	P2PRoomEnded    = "roomEnded"
	P2PJoinPending  = "joinPending"
	P2PJoinApproved = "joinApproved"
	P2PJoinRejected = "joinRejected"
)

// IsP2PType reports whether t is one of the chat protocol frame types.
// Frames with other types are dropped at the channel boundary.
func IsP2PType(t string) bool {
	switch t {
	case P2PHello, P2PGoodbye, P2PChatMessage, P2PTypingStart, P2PTypingStop,
		P2PReaction, P2PSeen, P2PNameChange, P2PKick, P2PRoomEnded,
		P2PJoinPending, P2PJoinApproved, P2PJoinRejected:
		return true
	}
	return false
}

// P2PMessage is the data-channel payload envelope. The relay never sees it.
type P2PMessage struct {
	Type     string          `json:"type"`
	SenderID string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload introduces a peer after its data channel opens. The relay
// never carries display names; this is the only way peers learn who we are.
type HelloPayload struct {
	DisplayName string `json:"displayName"`
	RoomName    string `json:"roomName,omitempty"`
	IsCreator   bool   `json:"isCreator"`
}

// ChatPayload carries one chat message. MessageID is minted by the sender
// so every member stores the same identity for reactions and seen marks.
type ChatPayload struct {
	MessageID   string `json:"messageId"`
	Content     string `json:"content"`
	DisplayName string `json:"displayName,omitempty"`
	SentAt      int64  `json:"sentAt,omitempty"`
}

// ReactionPayload records one emoji reaction on a message.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// SeenPayload marks a message as seen by the sender of the frame.
type SeenPayload struct {
	MessageID string `json:"messageId"`
}

// NamePayload announces a display name change.
type NamePayload struct {
	DisplayName string `json:"displayName"`
}

// KickPayload names the member being removed by the creator.
type KickPayload struct {
	TargetPeerID string `json:"targetPeerId"`
}

// TurnCredentials are short-lived relay-assist credentials minted by the
// signaling server (coturn REST convention). Absence is not an error.
type TurnCredentials struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int64    `json:"ttl"`
	URIs       []string `json:"uris,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

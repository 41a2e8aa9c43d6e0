package session

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/emberchat/ember/internal/proto"
)

var log = logging.Logger("session")

// Session is a parked identity: who this device was in a room, kept for
// the grace window so a rejoin can silently resume it.
type Session struct {
	PeerID         string    `json:"peerId"`
	DisplayName    string    `json:"displayName"`
	RoomCode       string    `json:"roomCode"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
	WasCreator     bool      `json:"wasCreator"`
}

// WithinGrace reports whether the session is still resumable at now.
func (s Session) WithinGrace(now time.Time) bool {
	return now.Sub(s.DisconnectedAt) < proto.DisconnectGrace
}

// Registry holds at most one session per peer id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[string]Session{}}
}

// AddSession stores a session, replacing any prior one for the same peer.
func (r *Registry) AddSession(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.PeerID] = s
	log.Debugf("saved session for %s in %s", s.PeerID, s.RoomCode)
}

// FindValidSession purges every expired session, then returns a remaining
// session for code if one exists.
func (r *Registry) FindValidSession(code string, now time.Time) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if !s.WithinGrace(now) {
			delete(r.sessions, id)
		}
	}
	for _, s := range r.sessions {
		if s.RoomCode == code {
			return s, true
		}
	}
	return Session{}, false
}

// RemoveSession drops the session for a peer. Called once, on successful
// reconnect.
func (r *Registry) RemoveSession(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, peerID)
}

// Len reports how many sessions are currently stored, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/emberchat/ember/internal/proto"
)

var log = logging.Logger("store")

// ChatMessage is one stored chat entry. Identity and content are frozen
// at creation; only the status maps and the tombstone flag change.
type ChatMessage struct {
	MessageID         string                         `json:"messageId"`
	SenderPeerID      string                         `json:"senderPeerId"`
	SenderDisplayName string                         `json:"senderDisplayName"`
	Content           string                         `json:"content"`
	Timestamp         time.Time                      `json:"timestamp"`
	Reactions         map[string]map[string]struct{} `json:"reactions,omitempty"`
	SeenBy            map[string]struct{}            `json:"seenBy,omitempty"`
	DeliveredTo       map[string]struct{}            `json:"deliveredTo,omitempty"`
	IsRemoved         bool                           `json:"isRemoved"`
}

// AddStatus is the outcome of an AddMessage attempt.
type AddStatus int

const (
	AddOK AddStatus = iota
	AddEmpty
	AddTooLong
	AddRateLimited
)

func (s AddStatus) String() string {
	switch s {
	case AddOK:
		return "ok"
	case AddEmpty:
		return "empty"
	case AddTooLong:
		return "tooLong"
	case AddRateLimited:
		return "rateLimited"
	}
	return "unknown"
}

// rateBucket is a fixed-size ring buffer of send timestamps per sender.
// Avoids per-message slice allocations.
type rateBucket struct {
	times [proto.RateLimitCount]time.Time
	head  int
	count int
}

// Store holds the ordered message log plus two indices: message id to
// position, and sender to that sender's message ids. The sender index is
// what keeps tombstoning a sender O(their messages).
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	messages []ChatMessage
	byID     map[string]int
	bySender map[string][]string
	rates    map[string]*rateBucket
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      time.Now,
		byID:     map[string]int{},
		bySender: map[string][]string{},
		rates:    map[string]*rateBucket{},
	}
}

// AddMessage appends a message, rejecting empty or oversized content and
// senders over the sliding-window rate limit. On success the stored copy
// is returned.
func (s *Store) AddMessage(senderID, senderName, content string) (ChatMessage, AddStatus) {
	if content == "" {
		return ChatMessage{}, AddEmpty
	}
	if len([]rune(content)) > proto.MaxMessageLength {
		return ChatMessage{}, AddTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if !s.allowLocked(senderID, now) {
		log.Debugf("rate limited %s", senderID)
		return ChatMessage{}, AddRateLimited
	}

	msg := ChatMessage{
		MessageID:         uuid.NewString(),
		SenderPeerID:      senderID,
		SenderDisplayName: senderName,
		Content:           content,
		Timestamp:         now,
	}
	s.appendLocked(msg)
	return msg, AddOK
}

// AddRemoteMessage stores a message received from a peer, carrying the
// sender's own message id. Content limits still apply; remote senders go
// through the same rate gate so a flooding peer is clipped locally too.
func (s *Store) AddRemoteMessage(messageID, senderID, senderName, content string, ts time.Time) (ChatMessage, AddStatus) {
	if content == "" {
		return ChatMessage{}, AddEmpty
	}
	if len([]rune(content)) > proto.MaxMessageLength {
		return ChatMessage{}, AddTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pos, dup := s.byID[messageID]; dup {
		return cloneMessage(s.messages[pos]), AddOK
	}
	if !s.allowLocked(senderID, s.now()) {
		return ChatMessage{}, AddRateLimited
	}

	if messageID == "" {
		messageID = uuid.NewString()
	}
	if ts.IsZero() {
		ts = s.now()
	}
	msg := ChatMessage{
		MessageID:         messageID,
		SenderPeerID:      senderID,
		SenderDisplayName: senderName,
		Content:           content,
		Timestamp:         ts,
	}
	s.appendLocked(msg)
	return msg, AddOK
}

func (s *Store) appendLocked(msg ChatMessage) {
	s.byID[msg.MessageID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.bySender[msg.SenderPeerID] = append(s.bySender[msg.SenderPeerID], msg.MessageID)
}

// allowLocked runs the sliding-window check and records the send when it
// passes. Caller holds the lock.
func (s *Store) allowLocked(senderID string, now time.Time) bool {
	cutoff := now.Add(-proto.RateLimitWindow)

	bucket, ok := s.rates[senderID]
	if !ok {
		bucket = &rateBucket{}
		s.rates[senderID] = bucket
	}

	// Trim expired entries from the front
	for bucket.count > 0 {
		oldest := bucket.times[bucket.head]
		if oldest.After(cutoff) {
			break
		}
		bucket.head = (bucket.head + 1) % proto.RateLimitCount
		bucket.count--
	}

	if bucket.count >= proto.RateLimitCount {
		return false
	}

	idx := (bucket.head + bucket.count) % proto.RateLimitCount
	bucket.times[idx] = now
	bucket.count++
	return true
}

// MarkRemoved tombstones every message from one sender, walking only that
// sender's index. Returns how many messages changed.
func (s *Store) MarkRemoved(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markRemovedLocked(peerID)
}

// MarkRemovedBatch tombstones several senders in one pass over the
// indices instead of one full scan per sender.
func (s *Store) MarkRemovedBatch(peerIDs []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range peerIDs {
		n += s.markRemovedLocked(id)
	}
	return n
}

func (s *Store) markRemovedLocked(peerID string) int {
	n := 0
	for _, msgID := range s.bySender[peerID] {
		pos, ok := s.byID[msgID]
		if !ok {
			continue
		}
		if !s.messages[pos].IsRemoved {
			s.messages[pos].IsRemoved = true
			n++
		}
	}
	return n
}

// AddReaction records one emoji reaction. Repeats from the same peer are
// no-ops.
func (s *Store) AddReaction(messageID, emoji, peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.byID[messageID]
	if !ok {
		return false
	}
	msg := &s.messages[pos]
	if msg.Reactions == nil {
		msg.Reactions = map[string]map[string]struct{}{}
	}
	if msg.Reactions[emoji] == nil {
		msg.Reactions[emoji] = map[string]struct{}{}
	}
	if _, dup := msg.Reactions[emoji][peerID]; dup {
		return false
	}
	msg.Reactions[emoji][peerID] = struct{}{}
	return true
}

// MarkSeen unions a peer into a message's seen set.
func (s *Store) MarkSeen(messageID, peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.byID[messageID]
	if !ok {
		return false
	}
	msg := &s.messages[pos]
	if msg.SeenBy == nil {
		msg.SeenBy = map[string]struct{}{}
	}
	if _, dup := msg.SeenBy[peerID]; dup {
		return false
	}
	msg.SeenBy[peerID] = struct{}{}
	return true
}

// MarkDelivered unions a peer into a message's delivered set.
func (s *Store) MarkDelivered(messageID, peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.byID[messageID]
	if !ok {
		return false
	}
	msg := &s.messages[pos]
	if msg.DeliveredTo == nil {
		msg.DeliveredTo = map[string]struct{}{}
	}
	if _, dup := msg.DeliveredTo[peerID]; dup {
		return false
	}
	msg.DeliveredTo[peerID] = struct{}{}
	return true
}

// Get returns one message by id.
func (s *Store) Get(messageID string) (ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.byID[messageID]
	if !ok {
		return ChatMessage{}, false
	}
	return cloneMessage(s.messages[pos]), true
}

// Messages returns a snapshot of the log in arrival order, tombstones
// included.
func (s *Store) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.messages))
	for i, m := range s.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// Len reports the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear wipes the log and every index. Used when the room ends.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.byID = map[string]int{}
	s.bySender = map[string][]string{}
	s.rates = map[string]*rateBucket{}
}

// cloneMessage deep-copies the status maps so snapshots cannot race the
// store's own mutations.
func cloneMessage(m ChatMessage) ChatMessage {
	cp := m
	if m.Reactions != nil {
		cp.Reactions = make(map[string]map[string]struct{}, len(m.Reactions))
		for emoji, who := range m.Reactions {
			set := make(map[string]struct{}, len(who))
			for id := range who {
				set[id] = struct{}{}
			}
			cp.Reactions[emoji] = set
		}
	}
	if m.SeenBy != nil {
		cp.SeenBy = make(map[string]struct{}, len(m.SeenBy))
		for id := range m.SeenBy {
			cp.SeenBy[id] = struct{}{}
		}
	}
	if m.DeliveredTo != nil {
		cp.DeliveredTo = make(map[string]struct{}, len(m.DeliveredTo))
		for id := range m.DeliveredTo {
			cp.DeliveredTo[id] = struct{}{}
		}
	}
	return cp
}

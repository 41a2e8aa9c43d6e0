package room

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/emberchat/ember/internal/proto"
	"github.com/emberchat/ember/internal/session"
	"github.com/emberchat/ember/internal/util"
)

var log = logging.Logger("room")

var (
	ErrNoRoom     = errors.New("not in a room")
	ErrNotCreator = errors.New("only the room creator may do that")
	ErrSelfTarget = errors.New("cannot target yourself")
	ErrBadName    = errors.New("invalid display name")
)

// Tombstoner is the slice of the message store the membership machinery
// needs when a sender leaves, is kicked, or times out.
type Tombstoner interface {
	MarkRemoved(peerID string) int
	MarkRemovedBatch(peerIDs []string) int
	Clear()
}

// Manager is the single source of truth for room membership on this
// device. Every mutation runs under one mutex; events from the relay,
// the peer mesh and the timeout sweep never interleave half-applied.
type Manager struct {
	mu        sync.Mutex
	now       func() time.Time
	sessions  *session.Registry
	messages  Tombstoner
	listeners []chan Event

	selfID   string
	selfName string

	room         *Room
	participants map[string]Participant
	kicked       map[string]struct{}
	pending      []JoinRequest

	// Codes this device was kicked out of. Survives room teardown so a
	// rejoin attempt still answers kicked, not notFound.
	bannedCodes map[string]struct{}
}

// NewManager creates a manager with a fresh random identity.
func NewManager(sessions *session.Registry, messages Tombstoner) *Manager {
	return &Manager{
		now:          time.Now,
		sessions:     sessions,
		messages:     messages,
		selfID:       uuid.NewString(),
		participants: map[string]Participant{},
		kicked:       map[string]struct{}{},
		bannedCodes:  map[string]struct{}{},
	}
}

// SelfID returns the local peer id. It changes only when a saved session
// is restored.
func (m *Manager) SelfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// SelfName returns the local display name.
func (m *Manager) SelfName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfName
}

// CreateRoom initializes a room with the local user as its sole, online,
// creator participant.
func (m *Manager) CreateRoom(name, code, displayName string, approvalMode bool) (*Room, error) {
	dn, err := util.ValidateDisplayName(displayName)
	if err != nil {
		return nil, ErrBadName
	}
	code, err = util.ValidateRoomCode(code)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.selfName = dn
	m.room = &Room{
		ID:            uuid.NewString(),
		Name:          name,
		Code:          code,
		ApprovalMode:  approvalMode,
		CreatorPeerID: m.selfID,
		CreatedAt:     now,
	}
	m.participants = map[string]Participant{}
	m.kicked = map[string]struct{}{}
	m.pending = nil

	p := Participant{
		PeerID:      m.selfID,
		DisplayName: dn,
		JoinedAt:    now,
		LastSeen:    now,
		IsCreator:   true,
		IsOnline:    true,
	}
	m.participants[m.selfID] = p
	m.notify(Event{Type: EventUpdate, PeerID: p.PeerID, Participant: &p})

	log.Infof("created room %q code=%s approval=%v", name, code, approvalMode)
	room := *m.room
	return &room, nil
}

// JoinRoom runs the membership gates for the local user, in order:
// saved-session reconnect, kick ban, capacity, approval queue, plain
// join. It completes against local state; the network catches up later.
func (m *Manager) JoinRoom(code, displayName string) JoinResult {
	code, err := util.ValidateRoomCode(code)
	if err != nil {
		return JoinResult{Status: JoinNotFound}
	}
	dn, err := util.ValidateDisplayName(displayName)
	if err != nil {
		return JoinResult{Status: JoinNotFound}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if sess, ok := m.sessions.FindValidSession(code, now); ok {
		return m.reconnect(sess, now)
	}

	if _, banned := m.bannedCodes[code]; banned {
		return JoinResult{Status: JoinKicked}
	}

	if m.room != nil && m.room.Code != code {
		// Still tracking a different room. The caller must leave first.
		return JoinResult{Status: JoinNotFound}
	}

	if m.room != nil {
		if len(m.participants) >= proto.MaxRoomCapacity {
			return JoinResult{Status: JoinRoomFull}
		}
		if m.room.ApprovalMode {
			m.enqueueRequest(m.selfID, dn, now)
			m.selfName = dn
			return JoinResult{Status: JoinPending, PeerID: m.selfID, DisplayName: dn}
		}
	} else {
		// First sight of this room. Membership starts optimistic and is
		// corrected by later peer events.
		m.room = &Room{
			ID:        uuid.NewString(),
			Code:      code,
			CreatedAt: now,
		}
		m.participants = map[string]Participant{}
		m.kicked = map[string]struct{}{}
		m.pending = nil
	}

	m.selfName = dn
	p := Participant{
		PeerID:      m.selfID,
		DisplayName: dn,
		JoinedAt:    now,
		LastSeen:    now,
		IsOnline:    true,
	}
	m.participants[m.selfID] = p
	m.notify(Event{Type: EventUpdate, PeerID: p.PeerID, Participant: &p})
	return JoinResult{Status: JoinSuccess, PeerID: m.selfID, DisplayName: dn}
}

// reconnect restores a saved identity. Caller holds the lock.
func (m *Manager) reconnect(sess session.Session, now time.Time) JoinResult {
	m.sessions.RemoveSession(sess.PeerID)

	m.selfID = sess.PeerID
	m.selfName = sess.DisplayName
	if m.room == nil || m.room.Code != sess.RoomCode {
		m.room = &Room{
			ID:        uuid.NewString(),
			Code:      sess.RoomCode,
			CreatedAt: now,
		}
		m.participants = map[string]Participant{}
		m.kicked = map[string]struct{}{}
		m.pending = nil
	}
	if sess.WasCreator {
		m.room.CreatorPeerID = sess.PeerID
	}

	p := Participant{
		PeerID:      sess.PeerID,
		DisplayName: sess.DisplayName,
		JoinedAt:    now,
		LastSeen:    now,
		IsCreator:   sess.WasCreator,
		IsOnline:    true,
	}
	m.participants[sess.PeerID] = p
	m.notify(Event{Type: EventUpdate, PeerID: p.PeerID, Participant: &p})

	log.Infof("restored session for %s in %s", sess.PeerID, sess.RoomCode)
	return JoinResult{
		Status:      JoinReconnected,
		PeerID:      sess.PeerID,
		DisplayName: sess.DisplayName,
		IsCreator:   sess.WasCreator,
	}
}

// AddRemoteParticipant records a peer announced over its data channel.
// A peer already present is treated as reconnected rather than
// duplicated. The local id is never added as remote. The hello is the
// remote side of a join, so it runs the same capacity gate, and its
// creator claim counts only when it matches the room's creator id.
func (m *Manager) AddRemoteParticipant(peerID, displayName string, isCreator bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil || peerID == m.selfID || peerID == "" {
		return
	}
	if _, wasKicked := m.kicked[peerID]; wasKicked {
		log.Debugf("ignoring hello from kicked peer %s", peerID)
		return
	}
	now := m.now()

	if existing, ok := m.participants[peerID]; ok {
		existing.IsOnline = true
		existing.DisconnectedAt = time.Time{}
		existing.LastSeen = now
		if displayName != "" {
			existing.DisplayName = displayName
		}
		m.participants[peerID] = existing
		m.notify(Event{Type: EventUpdate, PeerID: peerID, Participant: &existing})
		return
	}

	if len(m.participants) >= proto.MaxRoomCapacity {
		log.Debugf("ignoring hello from %s: room at capacity", peerID)
		return
	}
	if isCreator && m.room.CreatorPeerID != "" && m.room.CreatorPeerID != peerID {
		log.Warnf("ignoring creator claim from %s, creator is %s", peerID, m.room.CreatorPeerID)
		isCreator = false
	}

	p := Participant{
		PeerID:      peerID,
		DisplayName: displayName,
		JoinedAt:    now,
		LastSeen:    now,
		IsCreator:   isCreator,
		IsOnline:    true,
	}
	if isCreator && m.room.CreatorPeerID == "" {
		m.room.CreatorPeerID = peerID
	}
	m.participants[peerID] = p
	m.notify(Event{Type: EventUpdate, PeerID: peerID, Participant: &p})
}

// RemoveRemoteParticipant drops a peer that said goodbye or left the
// relay. A no-op when the peer is already gone, so racing notifications
// do not double-fire.
func (m *Manager) RemoveRemoteParticipant(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[peerID]; !ok {
		return
	}
	delete(m.participants, peerID)
	m.messages.MarkRemoved(peerID)
	m.notify(Event{Type: EventRemove, PeerID: peerID})
	m.destroyIfEmptyLocked()
}

// MarkParticipantDisconnected starts the grace countdown for a peer whose
// link dropped. The participant stays listed until the sweep removes it.
func (m *Manager) MarkParticipantDisconnected(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[peerID]
	if !ok {
		return
	}
	if p.IsDisconnected() {
		return
	}
	p.IsOnline = false
	p.IsTyping = false
	p.DisconnectedAt = m.now()
	m.participants[peerID] = p
	m.notify(Event{Type: EventUpdate, PeerID: peerID, Participant: &p})
}

// MarkParticipantReconnected clears the countdown for a peer that came
// back within grace.
func (m *Manager) MarkParticipantReconnected(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[peerID]
	if !ok {
		return
	}
	p.IsOnline = true
	p.DisconnectedAt = time.Time{}
	p.LastSeen = m.now()
	m.participants[peerID] = p
	m.notify(Event{Type: EventUpdate, PeerID: peerID, Participant: &p})
}

// CheckAndRemoveTimedOutParticipants removes every participant whose
// grace period expired, in one state update, and tombstones all of their
// messages in one batch. Returns the removed ids. Runs on a 1s tick.
func (m *Manager) CheckAndRemoveTimedOutParticipants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var removed []string
	for id, p := range m.participants {
		if p.HasTimedOut(now) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	for _, id := range removed {
		delete(m.participants, id)
		m.notify(Event{Type: EventRemove, PeerID: id})
	}
	m.messages.MarkRemovedBatch(removed)
	log.Infof("timed out %d participant(s)", len(removed))
	m.destroyIfEmptyLocked()
	return removed
}

// KickParticipant removes a member and bans its peer id for the life of
// the room. Creator-only, and never against yourself.
func (m *Manager) KickParticipant(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return ErrNoRoom
	}
	if m.room.CreatorPeerID != m.selfID {
		return ErrNotCreator
	}
	if peerID == m.selfID {
		return ErrSelfTarget
	}
	m.kicked[peerID] = struct{}{}
	if _, ok := m.participants[peerID]; ok {
		delete(m.participants, peerID)
		m.messages.MarkRemoved(peerID)
		m.notify(Event{Type: EventRemove, PeerID: peerID})
	}
	log.Infof("kicked %s", peerID)
	return nil
}

// MarkSelfKicked records that this device was thrown out of code.
// Rejoin attempts answer kicked from then on.
func (m *Manager) MarkSelfKicked(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bannedCodes[code] = struct{}{}
	if m.room != nil && m.room.Code == code {
		m.clearLocked()
	}
}

// EnqueueJoinRequest queues a remote join request for the creator.
func (m *Manager) EnqueueJoinRequest(peerID, displayName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil || !m.room.ApprovalMode {
		return
	}
	m.enqueueRequest(peerID, displayName, m.now())
}

func (m *Manager) enqueueRequest(peerID, displayName string, now time.Time) {
	for _, r := range m.pending {
		if r.PeerID == peerID {
			return
		}
	}
	req := JoinRequest{PeerID: peerID, DisplayName: displayName, RequestedAt: now}
	m.pending = append(m.pending, req)
	m.notify(Event{Type: EventJoinRequest, PeerID: peerID, Request: &req})
}

// ApproveJoinRequest promotes a queued request to membership. Capacity is
// re-checked now; a request valid when queued can still bounce off a
// full room.
func (m *Manager) ApproveJoinRequest(peerID string) (JoinStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return JoinNotFound, ErrNoRoom
	}
	if m.room.CreatorPeerID != m.selfID {
		return JoinNotFound, ErrNotCreator
	}
	req, ok := m.takeRequestLocked(peerID)
	if !ok {
		return JoinNotFound, nil
	}
	if len(m.participants) >= proto.MaxRoomCapacity {
		return JoinRoomFull, nil
	}
	now := m.now()
	p := Participant{
		PeerID:      req.PeerID,
		DisplayName: req.DisplayName,
		JoinedAt:    now,
		LastSeen:    now,
		IsOnline:    true,
	}
	m.participants[req.PeerID] = p
	m.notify(Event{Type: EventUpdate, PeerID: req.PeerID, Participant: &p})
	return JoinSuccess, nil
}

// RejectJoinRequest discards a queued request.
func (m *Manager) RejectJoinRequest(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return ErrNoRoom
	}
	if m.room.CreatorPeerID != m.selfID {
		return ErrNotCreator
	}
	m.takeRequestLocked(peerID)
	return nil
}

func (m *Manager) takeRequestLocked(peerID string) (JoinRequest, bool) {
	for i, r := range m.pending {
		if r.PeerID == peerID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return r, true
		}
	}
	return JoinRequest{}, false
}

// LeaveRoom removes the local user. With saveSession the identity is
// parked in the registry so a rejoin within grace resumes it.
func (m *Manager) LeaveRoom(saveSession bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return
	}
	_, banned := m.bannedCodes[m.room.Code]
	if saveSession && !banned {
		m.sessions.AddSession(session.Session{
			PeerID:         m.selfID,
			DisplayName:    m.selfName,
			RoomCode:       m.room.Code,
			DisconnectedAt: m.now(),
			WasCreator:     m.room.CreatorPeerID == m.selfID,
		})
	}
	m.messages.MarkRemoved(m.selfID)
	delete(m.participants, m.selfID)
	m.notify(Event{Type: EventRemove, PeerID: m.selfID})
	m.destroyIfEmptyLocked()
	if m.room != nil {
		// Others remain from our point of view but we are out.
		m.clearLocked()
	}
}

// EndRoom tears the room down for everyone. Creator-only, irreversible.
func (m *Manager) EndRoom() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return ErrNoRoom
	}
	if m.room.CreatorPeerID != m.selfID {
		return ErrNotCreator
	}
	m.messages.Clear()
	m.clearLocked()
	m.notify(Event{Type: EventRoomEnded})
	log.Infof("room ended")
	return nil
}

// RoomEndedRemotely clears local state after the creator ended the room.
func (m *Manager) RoomEndedRemotely() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return
	}
	m.messages.Clear()
	m.clearLocked()
	m.notify(Event{Type: EventRoomEnded})
}

// UpdateDisplayName renames a participant in place. No-op when the name
// is unchanged or invalid.
func (m *Manager) UpdateDisplayName(peerID, newName string) {
	dn, err := util.ValidateDisplayName(newName)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[peerID]
	if !ok || p.DisplayName == dn {
		return
	}
	p.DisplayName = dn
	m.participants[peerID] = p
	if peerID == m.selfID {
		m.selfName = dn
	}
	m.notify(Event{Type: EventUpdate, PeerID: peerID, Participant: &p})
}

// SetTyping updates a participant's typing flag.
func (m *Manager) SetTyping(peerID string, typing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[peerID]
	if !ok || p.IsTyping == typing {
		return
	}
	p.IsTyping = typing
	p.LastSeen = m.now()
	m.participants[peerID] = p
	m.notify(Event{Type: EventUpdate, PeerID: peerID, Participant: &p})
}

// Touch refreshes a participant's last-seen stamp.
func (m *Manager) Touch(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[peerID]
	if !ok {
		return
	}
	p.LastSeen = m.now()
	m.participants[peerID] = p
}

// CurrentRoom returns a copy of the room descriptor, or false when this
// device is not in a room.
func (m *Manager) CurrentRoom() (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return Room{}, false
	}
	return *m.room, true
}

// IsCreator reports whether the local user created the current room.
func (m *Manager) IsCreator() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room != nil && m.room.CreatorPeerID == m.selfID
}

// Participants returns a snapshot of the membership map.
func (m *Manager) Participants() map[string]Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]Participant, len(m.participants))
	for k, v := range m.participants {
		cp[k] = v
	}
	return cp
}

// Participant returns a single member by id.
func (m *Manager) Participant(peerID string) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[peerID]
	return p, ok
}

// PendingRequests returns a snapshot of the approval queue.
func (m *Manager) PendingRequests() []JoinRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JoinRequest, len(m.pending))
	copy(out, m.pending)
	return out
}

// Subscribe registers a membership event listener.
func (m *Manager) Subscribe() chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(evt Event) {
	for _, ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// destroyIfEmptyLocked drops the room once the last participant is gone.
func (m *Manager) destroyIfEmptyLocked() {
	if m.room != nil && len(m.participants) == 0 {
		m.clearLocked()
	}
}

func (m *Manager) clearLocked() {
	m.room = nil
	m.participants = map[string]Participant{}
	m.pending = nil
	// The kicked set dies with the room; self-bans live in bannedCodes.
	m.kicked = map[string]struct{}{}
}

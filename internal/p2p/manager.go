package p2p

import (
	"encoding/json"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/emberchat/ember/internal/proto"
)

var log = logging.Logger("p2p")

const chatChannelLabel = "chat"

// ErrUnknownPeer is returned for sends to a peer with no link.
var ErrUnknownPeer = errors.New("unknown peer")

// Signaler is the slice of the signaling client the orchestrator needs.
// Tests substitute an in-memory fake for it.
type Signaler interface {
	PeerID() string
	Events() <-chan proto.SignalingMessage
	SendOffer(targetPeerID string, payload any) error
	SendAnswer(targetPeerID string, payload any) error
	SendIceCandidate(targetPeerID string, payload any) error
	Disconnect()
}

// EventKind classifies lifecycle events emitted by the manager.
type EventKind int

const (
	// PeerDiscovered fires when the relay announces a peer; the connection
	// is not up yet.
	PeerDiscovered EventKind = iota
	// PeerConnected fires when the chat channel to a peer is usable.
	PeerConnected
	// PeerDisconnected fires once per link no matter how it died.
	PeerDisconnected
)

// LifecycleEvent reports a peer link state change.
type LifecycleEvent struct {
	Kind   EventKind
	PeerID string
}

// InboundMessage is an application message received from a peer's channel.
type InboundMessage struct {
	From string
	Msg  proto.P2PMessage
}

// Manager turns relay signaling into a mesh of data channels, one per
// remote peer, and moves application messages over them.
type Manager struct {
	sig        Signaler
	selfID     string
	iceServers []webrtc.ICEServer
	hello      proto.HelloPayload

	mu    sync.Mutex
	links map[string]*link

	messages  chan InboundMessage
	lifecycle chan LifecycleEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager wires an orchestrator over an already-connected signaling
// client. hello is announced to every peer whose channel opens.
func NewManager(sig Signaler, iceServers []webrtc.ICEServer, hello proto.HelloPayload) *Manager {
	return &Manager{
		sig:        sig,
		selfID:     sig.PeerID(),
		iceServers: iceServers,
		hello:      hello,
		links:      make(map[string]*link),
		messages:   make(chan InboundMessage, 256),
		lifecycle:  make(chan LifecycleEvent, 64),
		done:       make(chan struct{}),
	}
}

// Run consumes signaling events until the signaling channel closes or the
// manager is shut down. Call it on its own goroutine.
func (m *Manager) Run() {
	for {
		select {
		case msg, ok := <-m.sig.Events():
			if !ok {
				return
			}
			m.dispatch(msg)
		case <-m.done:
			return
		}
	}
}

// Messages returns the stream of application messages from all peers.
func (m *Manager) Messages() <-chan InboundMessage { return m.messages }

// Lifecycle returns the stream of peer link state changes.
func (m *Manager) Lifecycle() <-chan LifecycleEvent { return m.lifecycle }

// Done is closed when the manager shuts down. Consumers of Messages and
// Lifecycle select on it so a superseded mesh releases its goroutine.
func (m *Manager) Done() <-chan struct{} { return m.done }

// SelfID returns the local peer id.
func (m *Manager) SelfID() string { return m.selfID }

func (m *Manager) dispatch(msg proto.SignalingMessage) {
	switch msg.Type {
	case proto.SigPeers:
		// The joiner initiates toward every existing member. Members
		// that were already in the room only ever see peer-joined.
		for _, id := range msg.Peers {
			if id == m.selfID {
				continue
			}
			m.initiate(id)
		}
	case proto.SigPeerJoined:
		if msg.PeerID != "" && msg.PeerID != m.selfID {
			m.emit(LifecycleEvent{Kind: PeerDiscovered, PeerID: msg.PeerID})
		}
	case proto.SigPeerLeft:
		m.dropLink(msg.PeerID, true)
	case proto.SigOffer:
		m.handleOffer(msg.FromPeerID, msg.Payload)
	case proto.SigAnswer:
		m.handleAnswer(msg.FromPeerID, msg.Payload)
	case proto.SigIceCandidate:
		m.handleCandidate(msg.FromPeerID, msg.Payload)
	case proto.SigError:
		log.Warnf("relay error: %s", msg.Error)
	default:
		log.Debugf("ignoring signaling frame %q", msg.Type)
	}
}

// initiate builds an initiator link to id and sends the offer. A no-op when
// a link already exists.
func (m *Manager) initiate(id string) {
	m.mu.Lock()
	if _, ok := m.links[id]; ok {
		m.mu.Unlock()
		return
	}
	l, err := m.newLink(id, true)
	if err != nil {
		m.mu.Unlock()
		log.Errorf("initiate to %s: %v", id, err)
		return
	}
	m.links[id] = l
	m.mu.Unlock()

	m.emit(LifecycleEvent{Kind: PeerDiscovered, PeerID: id})

	offer, err := l.createOffer()
	if err != nil {
		log.Errorf("offer for %s: %v", id, err)
		m.dropLink(id, false)
		return
	}
	if err := m.sig.SendOffer(id, offer); err != nil {
		log.Errorf("send offer to %s: %v", id, err)
		m.dropLink(id, false)
	}
}

// handleOffer accepts an incoming offer, resolving offer glare
// deterministically: when both sides offered at once, the side with the
// lexicographically lower peer id keeps its outbound offer and the other
// side discards its own attempt and answers instead.
func (m *Manager) handleOffer(from string, raw json.RawMessage) {
	if from == "" || from == m.selfID {
		return
	}
	offer, err := parseSessionDescription(raw)
	if err != nil {
		log.Warnf("bad offer from %s: %v", from, err)
		return
	}

	m.mu.Lock()
	if existing, ok := m.links[from]; ok {
		if existing.initiator && existing.currentState() == linkConnecting && m.selfID < from {
			// Our offer wins; the remote side will answer it.
			m.mu.Unlock()
			log.Debugf("glare with %s: keeping local offer", from)
			return
		}
		// We lost the glare, or the old link is stale. Replace it.
		delete(m.links, from)
		m.mu.Unlock()
		existing.close()
		m.mu.Lock()
	}
	l, err := m.newLink(from, false)
	if err != nil {
		m.mu.Unlock()
		log.Errorf("accept from %s: %v", from, err)
		return
	}
	m.links[from] = l
	m.mu.Unlock()

	answer, err := l.acceptOffer(offer)
	if err != nil {
		log.Errorf("answer for %s: %v", from, err)
		m.dropLink(from, false)
		return
	}
	if err := m.sig.SendAnswer(from, answer); err != nil {
		log.Errorf("send answer to %s: %v", from, err)
		m.dropLink(from, false)
	}
}

// handleAnswer applies an answer to the matching outbound offer. Answers
// for peers we no longer track are ignored; the sender may have lost a
// glare we already resolved.
func (m *Manager) handleAnswer(from string, raw json.RawMessage) {
	l := m.lookup(from)
	if l == nil || !l.initiator {
		log.Debugf("stray answer from %s", from)
		return
	}
	answer, err := parseSessionDescription(raw)
	if err != nil {
		log.Warnf("bad answer from %s: %v", from, err)
		return
	}
	if err := l.applyAnswer(answer); err != nil {
		log.Errorf("apply answer from %s: %v", from, err)
	}
}

// handleCandidate routes a trickled candidate to its link, silently
// dropping candidates for unknown peers.
func (m *Manager) handleCandidate(from string, raw json.RawMessage) {
	l := m.lookup(from)
	if l == nil {
		return
	}
	cand, err := parseCandidate(raw)
	if err != nil {
		log.Warnf("bad candidate from %s: %v", from, err)
		return
	}
	l.addCandidate(cand)
}

func (m *Manager) lookup(id string) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[id]
}

// onLinkState maps pion connection states to lifecycle events. Only links
// still tracked in the map report state; a replaced or dropped link stays
// silent.
func (m *Manager) onLinkState(l *link, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		// Connected is recorded here but announced upward only once the
		// chat channel opens; a transport without a usable channel is
		// not a peer anyone can talk to yet.
		if m.lookup(l.peerID) != l {
			return
		}
		l.mu.Lock()
		l.state = linkConnected
		l.mu.Unlock()
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		m.mu.Lock()
		tracked := m.links[l.peerID] == l
		if tracked {
			delete(m.links, l.peerID)
		}
		m.mu.Unlock()
		if tracked && l.markDown() {
			m.emit(LifecycleEvent{Kind: PeerDisconnected, PeerID: l.peerID})
		}
	}
}

// dropLink removes and closes the link for id. notify controls whether a
// disconnected event is emitted.
func (m *Manager) dropLink(id string, notify bool) {
	m.mu.Lock()
	l, ok := m.links[id]
	if ok {
		delete(m.links, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	down := l.markDown()
	l.close()
	if notify && down {
		m.emit(LifecycleEvent{Kind: PeerDisconnected, PeerID: id})
	}
}

// sendHello announces identity on a freshly opened channel.
func (m *Manager) sendHello(l *link) {
	payload, err := json.Marshal(m.hello)
	if err != nil {
		log.Errorf("marshal hello: %v", err)
		return
	}
	b, err := json.Marshal(proto.P2PMessage{
		Type:     proto.P2PHello,
		SenderID: m.selfID,
		Payload:  payload,
	})
	if err != nil {
		log.Errorf("marshal hello frame: %v", err)
		return
	}
	if err := l.sendRaw(b); err != nil {
		log.Debugf("hello to %s: %v", l.peerID, err)
		return
	}
	if m.lookup(l.peerID) == l {
		m.emit(LifecycleEvent{Kind: PeerConnected, PeerID: l.peerID})
	}
}

// onChannelMessage decodes one inbound frame and hands it to the consumer.
// Unknown types and frames arriving after shutdown are dropped.
func (m *Manager) onChannelMessage(from string, data []byte) {
	var msg proto.P2PMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("bad frame from %s: %v", from, err)
		return
	}
	if !proto.IsP2PType(msg.Type) {
		log.Debugf("ignoring frame type %q from %s", msg.Type, from)
		return
	}
	if msg.SenderID == "" {
		msg.SenderID = from
	}
	select {
	case m.messages <- InboundMessage{From: from, Msg: msg}:
	case <-m.done:
	}
}

// Broadcast sends one message to every peer with an open channel. Each
// peer succeeds or fails independently; the ids that took delivery are
// returned.
func (m *Manager) Broadcast(msg proto.P2PMessage) []string {
	if msg.SenderID == "" {
		msg.SenderID = m.selfID
	}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("marshal broadcast: %v", err)
		return nil
	}

	m.mu.Lock()
	targets := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		targets = append(targets, l)
	}
	m.mu.Unlock()

	var delivered []string
	for _, l := range targets {
		if !l.open() {
			continue
		}
		if err := l.sendRaw(b); err != nil {
			log.Debugf("broadcast to %s: %v", l.peerID, err)
			continue
		}
		delivered = append(delivered, l.peerID)
	}
	return delivered
}

// SendTo sends one message to a single peer.
func (m *Manager) SendTo(id string, msg proto.P2PMessage) error {
	if msg.SenderID == "" {
		msg.SenderID = m.selfID
	}
	l := m.lookup(id)
	if l == nil {
		return ErrUnknownPeer
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return l.sendRaw(b)
}

// ConnectedPeers lists the ids with an open channel.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	var ids []string
	for _, l := range links {
		if l.open() {
			ids = append(ids, l.peerID)
		}
	}
	return ids
}

// Close says goodbye, detaches from signaling and tears every link down.
// Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.Broadcast(proto.P2PMessage{Type: proto.P2PGoodbye, SenderID: m.selfID})
		close(m.done)
		m.sig.Disconnect()

		m.mu.Lock()
		links := m.links
		m.links = make(map[string]*link)
		m.mu.Unlock()
		for _, l := range links {
			l.close()
		}
	})
}

func (m *Manager) emit(ev LifecycleEvent) {
	select {
	case m.lifecycle <- ev:
	default:
		log.Debugf("lifecycle buffer full, dropping %v for %s", ev.Kind, ev.PeerID)
	}
}

package p2p

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// linkState tracks the lifecycle of one peer link:
// none → connecting → connected → disconnected/failed → removed.
// A fresh connecting link for the same peer id is always a new object.
type linkState int

const (
	linkConnecting linkState = iota
	linkConnected
	linkClosed
)

// link owns exactly one PeerConnection and its chat data channel for one
// remote peer. Created either as initiator (we offer) or acceptor (we
// answer).
type link struct {
	peerID    string
	initiator bool

	pc *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	state     linkState
	remoteSet bool
	// Candidates that arrived before the remote description.
	pending []webrtc.ICECandidateInit
	// Ensures the collapse to a single disconnected event upward.
	downNotified bool
}

// newLink builds the PeerConnection and wires candidate/state callbacks.
// The initiator additionally creates the data channel and produces an offer;
// the acceptor waits for OnDataChannel.
func (m *Manager) newLink(peerID string, initiator bool) (*link, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &link{
		peerID:    peerID,
		initiator: initiator,
		pc:        pc,
		state:     linkConnecting,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := m.sig.SendIceCandidate(peerID, c.ToJSON()); err != nil {
			log.Debugf("send candidate to %s: %v", peerID, err)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.onLinkState(l, s)
	})

	if initiator {
		dc, err := pc.CreateDataChannel(chatChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		l.attachChannel(m, dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			l.attachChannel(m, dc)
		})
	}

	return l, nil
}

// attachChannel wires the chat channel callbacks. The hello sent on open is
// the only way the remote side learns who we are.
func (l *link) attachChannel(m *Manager, dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		log.Debugf("data channel to %s open", l.peerID)
		m.sendHello(l)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.onChannelMessage(l.peerID, msg.Data)
	})
}

// createOffer produces and installs the local offer.
func (l *link) createOffer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// acceptOffer installs the remote offer and produces the local answer.
func (l *link) acceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// applyAnswer installs the remote answer on an initiated link.
func (l *link) applyAnswer(answer webrtc.SessionDescription) error {
	return l.setRemote(answer)
}

// setRemote installs the remote description and flushes candidates that
// arrived early. Trickled ICE regularly beats the SDP envelope, so the
// buffer is the normal path, not a corner case.
func (l *link) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.remoteSet = true
	l.mu.Unlock()

	for _, cand := range pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			log.Debugf("flush candidate for %s: %v", l.peerID, err)
		}
	}
	return nil
}

// addCandidate applies or buffers one remote ICE candidate.
func (l *link) addCandidate(cand webrtc.ICECandidateInit) {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(cand); err != nil {
		log.Debugf("add candidate for %s: %v", l.peerID, err)
	}
}

// sendRaw writes bytes to the chat channel if it is open.
func (l *link) sendRaw(b []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("channel to %s not open", l.peerID)
	}
	return dc.Send(b)
}

// open reports whether the chat channel is usable.
func (l *link) open() bool {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// close tears the connection down. Idempotent.
func (l *link) close() {
	l.mu.Lock()
	if l.state == linkClosed {
		l.mu.Unlock()
		return
	}
	l.state = linkClosed
	l.mu.Unlock()
	_ = l.pc.Close()
}

func (l *link) currentState() linkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// markDown flags the link dead, returning true exactly once so disconnected,
// failed and closed all collapse to a single upward event.
func (l *link) markDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.downNotified {
		return false
	}
	l.downNotified = true
	return true
}

// parseSessionDescription decodes an offer/answer relay payload.
func parseSessionDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("decode session description: %w", err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("empty sdp")
	}
	return desc, nil
}

// parseCandidate decodes an ice-candidate relay payload.
func parseCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return cand, fmt.Errorf("decode ice candidate: %w", err)
	}
	return cand, nil
}

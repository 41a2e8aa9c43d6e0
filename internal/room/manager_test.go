package room

import (
	"fmt"
	"testing"
	"time"

	"github.com/emberchat/ember/internal/proto"
	"github.com/emberchat/ember/internal/session"
	"github.com/emberchat/ember/internal/store"
)

// testRig wires a manager to a real store and registry with a frozen clock
// shared across all three.
type testRig struct {
	m        *Manager
	store    *store.Store
	sessions *session.Registry
	now      time.Time
}

func newRig() *testRig {
	rig := &testRig{
		store:    store.New(),
		sessions: session.NewRegistry(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	rig.m = NewManager(rig.sessions, rig.store)
	rig.m.now = func() time.Time { return rig.now }
	return rig
}

func (r *testRig) advance(d time.Duration) { r.now = r.now.Add(d) }

func TestCreateRoom(t *testing.T) {
	rig := newRig()
	r, err := rig.m.CreateRoom("den", "den-1", "Alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if r.CreatorPeerID != rig.m.SelfID() {
		t.Fatal("creator id not set to self")
	}
	p, ok := rig.m.Participant(rig.m.SelfID())
	if !ok || !p.IsCreator || !p.IsOnline {
		t.Fatalf("creator participant wrong: %+v ok=%v", p, ok)
	}
	if !rig.m.IsCreator() {
		t.Fatal("IsCreator should be true")
	}
}

func TestJoinRoomGates(t *testing.T) {
	t.Run("plain join succeeds", func(t *testing.T) {
		rig := newRig()
		res := rig.m.JoinRoom("den-1", "Bea")
		if res.Status != JoinSuccess {
			t.Fatalf("expected success, got %v", res.Status)
		}
		if res.PeerID != rig.m.SelfID() {
			t.Fatal("result peer id mismatch")
		}
	})

	t.Run("kicked code stays kicked", func(t *testing.T) {
		rig := newRig()
		rig.m.MarkSelfKicked("den-1")
		if res := rig.m.JoinRoom("den-1", "Bea"); res.Status != JoinKicked {
			t.Fatalf("expected kicked, got %v", res.Status)
		}
		// Still kicked much later; the ban has no expiry.
		rig.advance(time.Hour)
		if res := rig.m.JoinRoom("den-1", "Bea"); res.Status != JoinKicked {
			t.Fatal("kick ban should be permanent")
		}
		// Other room codes are unaffected.
		if res := rig.m.JoinRoom("den-2", "Bea"); res.Status != JoinSuccess {
			t.Fatal("ban must be per room code")
		}
	})

	t.Run("full room rejects", func(t *testing.T) {
		rig := newRig()
		rig.m.room = &Room{ID: "r", Code: "full", CreatedAt: rig.now}
		for i := 0; i < proto.MaxRoomCapacity; i++ {
			id := fmt.Sprintf("peer-%02d", i)
			rig.m.participants[id] = Participant{PeerID: id, IsOnline: true}
		}
		if res := rig.m.JoinRoom("full", "Bea"); res.Status != JoinRoomFull {
			t.Fatalf("expected roomFull, got %v", res.Status)
		}
	})

	t.Run("approval mode queues", func(t *testing.T) {
		rig := newRig()
		rig.m.room = &Room{ID: "r", Code: "gated", ApprovalMode: true, CreatorPeerID: "someone-else", CreatedAt: rig.now}
		res := rig.m.JoinRoom("gated", "Bea")
		if res.Status != JoinPending {
			t.Fatalf("expected pending, got %v", res.Status)
		}
		reqs := rig.m.PendingRequests()
		if len(reqs) != 1 || reqs[0].PeerID != rig.m.SelfID() {
			t.Fatalf("request not queued: %+v", reqs)
		}
		if _, ok := rig.m.Participant(rig.m.SelfID()); ok {
			t.Fatal("pending joiner must not be a participant")
		}
	})

	t.Run("bad code is notFound", func(t *testing.T) {
		rig := newRig()
		if res := rig.m.JoinRoom("no spaces allowed", "Bea"); res.Status != JoinNotFound {
			t.Fatalf("expected notFound, got %v", res.Status)
		}
	})
}

func TestReconnectRestoresIdentity(t *testing.T) {
	rig := newRig()
	if _, err := rig.m.CreateRoom("den", "den-1", "Alice", false); err != nil {
		t.Fatal(err)
	}
	originalID := rig.m.SelfID()

	rig.m.LeaveRoom(true)
	if _, ok := rig.m.CurrentRoom(); ok {
		t.Fatal("room should be gone after leave")
	}

	rig.advance(10 * time.Second)
	res := rig.m.JoinRoom("den-1", "ignored-name")
	if res.Status != JoinReconnected {
		t.Fatalf("expected reconnected, got %v", res.Status)
	}
	if res.PeerID != originalID || res.DisplayName != "Alice" || !res.IsCreator {
		t.Fatalf("identity not restored: %+v", res)
	}
	if rig.sessions.Len() != 0 {
		t.Fatal("session should be consumed on reconnect")
	}

	t.Run("second reconnect gets a fresh join", func(t *testing.T) {
		rig.m.LeaveRoom(false)
		if res := rig.m.JoinRoom("den-1", "Alice"); res.Status != JoinSuccess {
			t.Fatalf("expected plain success, got %v", res.Status)
		}
	})
}

func TestReconnectWindowExpires(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)
	rig.m.LeaveRoom(true)

	rig.advance(31 * time.Second)
	res := rig.m.JoinRoom("den-1", "Alice")
	if res.Status != JoinSuccess {
		t.Fatalf("expected plain success after expiry, got %v", res.Status)
	}
	if res.IsCreator {
		t.Fatal("expired session must not restore the creator flag")
	}
}

func TestDisconnectGraceAndSweep(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)
	rig.m.AddRemoteParticipant("bob", "Bob", false)
	rig.store.AddRemoteMessage("m1", "bob", "Bob", "hi", rig.now)

	rig.m.MarkParticipantDisconnected("bob")

	t.Run("still listed during grace", func(t *testing.T) {
		rig.advance(29 * time.Second)
		if removed := rig.m.CheckAndRemoveTimedOutParticipants(); removed != nil {
			t.Fatalf("nothing should time out at 29s, got %v", removed)
		}
		p, ok := rig.m.Participant("bob")
		if !ok || !p.IsDisconnected() {
			t.Fatal("bob should be listed as disconnected")
		}
		if p.TimeoutRemaining(rig.now) <= 0 {
			t.Fatal("countdown should still be running")
		}
	})

	t.Run("removed and tombstoned after grace", func(t *testing.T) {
		rig.advance(2 * time.Second)
		removed := rig.m.CheckAndRemoveTimedOutParticipants()
		if len(removed) != 1 || removed[0] != "bob" {
			t.Fatalf("expected [bob], got %v", removed)
		}
		if _, ok := rig.m.Participant("bob"); ok {
			t.Fatal("bob still listed")
		}
		m, _ := rig.store.Get("m1")
		if !m.IsRemoved {
			t.Fatal("bob's message not tombstoned")
		}
	})
}

func TestReconnectBeforeTimeout(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)
	rig.m.AddRemoteParticipant("bob", "Bob", false)
	rig.m.MarkParticipantDisconnected("bob")

	rig.advance(15 * time.Second)
	rig.m.MarkParticipantReconnected("bob")

	rig.advance(20 * time.Second)
	if removed := rig.m.CheckAndRemoveTimedOutParticipants(); removed != nil {
		t.Fatalf("reconnected peer timed out: %v", removed)
	}
	p, _ := rig.m.Participant("bob")
	if !p.IsOnline || p.IsDisconnected() {
		t.Fatal("bob should be fully online again")
	}
}

func TestKickParticipant(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)
	rig.m.AddRemoteParticipant("bob", "Bob", false)
	rig.m.AddRemoteParticipant("cara", "Cara", false)
	rig.store.AddRemoteMessage("mb", "bob", "Bob", "spam", rig.now)
	rig.store.AddRemoteMessage("mc", "cara", "Cara", "hello", rig.now)

	if err := rig.m.KickParticipant("bob"); err != nil {
		t.Fatal(err)
	}
	if _, ok := rig.m.Participant("bob"); ok {
		t.Fatal("bob still a participant")
	}
	mb, _ := rig.store.Get("mb")
	mc, _ := rig.store.Get("mc")
	if !mb.IsRemoved || mc.IsRemoved {
		t.Fatal("only the kicked sender's messages should be tombstoned")
	}

	t.Run("kicked hello is ignored", func(t *testing.T) {
		rig.m.AddRemoteParticipant("bob", "Bob", false)
		if _, ok := rig.m.Participant("bob"); ok {
			t.Fatal("kicked peer re-added")
		}
	})

	t.Run("cannot kick self", func(t *testing.T) {
		if err := rig.m.KickParticipant(rig.m.SelfID()); err != ErrSelfTarget {
			t.Fatalf("expected ErrSelfTarget, got %v", err)
		}
	})

	t.Run("non-creator cannot kick", func(t *testing.T) {
		rig2 := newRig()
		rig2.m.JoinRoom("den-1", "Bea")
		rig2.m.AddRemoteParticipant("dan", "Dan", true)
		if err := rig2.m.KickParticipant("dan"); err != ErrNotCreator {
			t.Fatalf("expected ErrNotCreator, got %v", err)
		}
	})
}

func TestApprovalQueue(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", true)

	rig.m.EnqueueJoinRequest("bob", "Bob")
	rig.m.EnqueueJoinRequest("bob", "Bob") // duplicate is a no-op
	if len(rig.m.PendingRequests()) != 1 {
		t.Fatal("duplicate request queued")
	}

	t.Run("approve promotes", func(t *testing.T) {
		status, err := rig.m.ApproveJoinRequest("bob")
		if err != nil || status != JoinSuccess {
			t.Fatalf("approve: %v %v", status, err)
		}
		if _, ok := rig.m.Participant("bob"); !ok {
			t.Fatal("bob not promoted")
		}
		if len(rig.m.PendingRequests()) != 0 {
			t.Fatal("request not consumed")
		}
	})

	t.Run("reject discards", func(t *testing.T) {
		rig.m.EnqueueJoinRequest("cara", "Cara")
		if err := rig.m.RejectJoinRequest("cara"); err != nil {
			t.Fatal(err)
		}
		if _, ok := rig.m.Participant("cara"); ok {
			t.Fatal("rejected peer became a participant")
		}
		if len(rig.m.PendingRequests()) != 0 {
			t.Fatal("request still queued")
		}
	})

	t.Run("approve re-checks capacity", func(t *testing.T) {
		for i := 0; len(rig.m.participants) < proto.MaxRoomCapacity; i++ {
			id := fmt.Sprintf("filler-%02d", i)
			rig.m.participants[id] = Participant{PeerID: id, IsOnline: true}
		}
		rig.m.EnqueueJoinRequest("late", "Late")
		status, err := rig.m.ApproveJoinRequest("late")
		if err != nil || status != JoinRoomFull {
			t.Fatalf("expected roomFull, got %v %v", status, err)
		}
		if _, ok := rig.m.Participant("late"); ok {
			t.Fatal("over-capacity approval added a participant")
		}
	})

	t.Run("approve unknown request", func(t *testing.T) {
		status, err := rig.m.ApproveJoinRequest("ghost")
		if err != nil || status != JoinNotFound {
			t.Fatalf("expected notFound no-op, got %v %v", status, err)
		}
	})
}

func TestRemoteHelloRespectsCapacity(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)
	for i := 0; len(rig.m.participants) < proto.MaxRoomCapacity; i++ {
		rig.m.AddRemoteParticipant(fmt.Sprintf("peer-%02d", i), "Filler", false)
	}

	rig.m.AddRemoteParticipant("late", "Late", false)
	if _, ok := rig.m.Participant("late"); ok {
		t.Fatal("hello admitted a 21st participant")
	}
	if n := len(rig.m.Participants()); n != proto.MaxRoomCapacity {
		t.Fatalf("participants = %d, want %d", n, proto.MaxRoomCapacity)
	}

	t.Run("reconnect upsert still works at capacity", func(t *testing.T) {
		rig.m.MarkParticipantDisconnected("peer-00")
		rig.m.AddRemoteParticipant("peer-00", "Filler", false)
		p, ok := rig.m.Participant("peer-00")
		if !ok || !p.IsOnline || p.IsDisconnected() {
			t.Fatalf("existing member blocked by the capacity gate: %+v", p)
		}
	})
}

func TestForgedCreatorClaimIgnored(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)
	selfID := rig.m.SelfID()

	rig.m.AddRemoteParticipant("mallory", "Mallory", true)
	p, ok := rig.m.Participant("mallory")
	if !ok {
		t.Fatal("mallory should still join, just not as creator")
	}
	if p.IsCreator {
		t.Fatal("hello creator claim stored against an established creator")
	}
	if r, _ := rig.m.CurrentRoom(); r.CreatorPeerID != selfID {
		t.Fatalf("creator id changed to %s", r.CreatorPeerID)
	}

	t.Run("claim honored when the room has no creator yet", func(t *testing.T) {
		rig2 := newRig()
		rig2.m.JoinRoom("den-1", "Bea")
		rig2.m.AddRemoteParticipant("dan", "Dan", true)
		p, _ := rig2.m.Participant("dan")
		if !p.IsCreator {
			t.Fatal("legitimate creator hello rejected")
		}
		// A second claimant is refused once dan holds the seat.
		rig2.m.AddRemoteParticipant("eve", "Eve", true)
		if p, _ := rig2.m.Participant("eve"); p.IsCreator {
			t.Fatal("second creator claim accepted")
		}
		if r, _ := rig2.m.CurrentRoom(); r.CreatorPeerID != "dan" {
			t.Fatalf("creator id = %s, want dan", r.CreatorPeerID)
		}
	})
}

func TestAddRemoteParticipant(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)

	t.Run("self filter", func(t *testing.T) {
		rig.m.AddRemoteParticipant(rig.m.SelfID(), "Imposter", false)
		p, _ := rig.m.Participant(rig.m.SelfID())
		if p.DisplayName != "Alice" {
			t.Fatal("self was overwritten by a remote hello")
		}
	})

	t.Run("repeat hello reconnects instead of duplicating", func(t *testing.T) {
		rig.m.AddRemoteParticipant("bob", "Bob", false)
		rig.m.MarkParticipantDisconnected("bob")
		rig.m.AddRemoteParticipant("bob", "Bobby", false)

		p, ok := rig.m.Participant("bob")
		if !ok || !p.IsOnline || p.IsDisconnected() {
			t.Fatalf("hello should reconnect: %+v", p)
		}
		if p.DisplayName != "Bobby" {
			t.Fatal("hello should refresh the display name")
		}
		if len(rig.m.Participants()) != 2 {
			t.Fatal("duplicate participant created")
		}
	})
}

func TestUpdateDisplayName(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)

	rig.m.UpdateDisplayName(rig.m.SelfID(), "Alicia")
	if rig.m.SelfName() != "Alicia" {
		t.Fatal("local identity not updated")
	}

	ch := rig.m.Subscribe()
	defer rig.m.Unsubscribe(ch)
	rig.m.UpdateDisplayName(rig.m.SelfID(), "Alicia") // unchanged
	select {
	case ev := <-ch:
		t.Fatalf("unchanged rename emitted %+v", ev)
	default:
	}

	// Unknown peer is a defensive no-op.
	rig.m.UpdateDisplayName("ghost", "Boo")
}

func TestEndRoom(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)
	rig.m.AddRemoteParticipant("bob", "Bob", false)
	rig.store.AddRemoteMessage("m1", "bob", "Bob", "hi", rig.now)

	if err := rig.m.EndRoom(); err != nil {
		t.Fatal(err)
	}
	if _, ok := rig.m.CurrentRoom(); ok {
		t.Fatal("room survived EndRoom")
	}
	if rig.store.Len() != 0 {
		t.Fatal("messages survived EndRoom")
	}

	t.Run("non-creator cannot end", func(t *testing.T) {
		rig2 := newRig()
		rig2.m.JoinRoom("den-1", "Bea")
		rig2.m.room.CreatorPeerID = "someone-else"
		if err := rig2.m.EndRoom(); err != ErrNotCreator {
			t.Fatalf("expected ErrNotCreator, got %v", err)
		}
	})
}

func TestLastLeaverDestroysRoom(t *testing.T) {
	rig := newRig()
	rig.m.CreateRoom("den", "den-1", "Alice", false)
	rig.m.AddRemoteParticipant("bob", "Bob", false)

	rig.m.RemoveRemoteParticipant("bob")
	if _, ok := rig.m.CurrentRoom(); !ok {
		t.Fatal("room should survive while self remains")
	}
	rig.m.LeaveRoom(false)
	if _, ok := rig.m.CurrentRoom(); ok {
		t.Fatal("room should be destroyed when empty")
	}
}

func TestDefensiveNoOps(t *testing.T) {
	rig := newRig()
	// No room at all: nothing should panic or mutate.
	rig.m.RemoveRemoteParticipant("ghost")
	rig.m.MarkParticipantDisconnected("ghost")
	rig.m.MarkParticipantReconnected("ghost")
	rig.m.SetTyping("ghost", true)
	rig.m.LeaveRoom(true)
	if removed := rig.m.CheckAndRemoveTimedOutParticipants(); removed != nil {
		t.Fatalf("sweep on empty state returned %v", removed)
	}
	if err := rig.m.EndRoom(); err != ErrNoRoom {
		t.Fatalf("expected ErrNoRoom, got %v", err)
	}
}

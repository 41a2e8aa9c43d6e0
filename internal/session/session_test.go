package session

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAddSessionOverwrites(t *testing.T) {
	r := NewRegistry()
	r.AddSession(Session{PeerID: "p1", DisplayName: "Old", RoomCode: "lobby", DisconnectedAt: base})
	r.AddSession(Session{PeerID: "p1", DisplayName: "New", RoomCode: "den", DisconnectedAt: base})

	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
	s, ok := r.FindValidSession("den", base.Add(time.Second))
	if !ok || s.DisplayName != "New" {
		t.Fatalf("expected the newer session, got %+v ok=%v", s, ok)
	}
	if _, ok := r.FindValidSession("lobby", base.Add(time.Second)); ok {
		t.Fatal("old session should have been replaced")
	}
}

func TestFindValidSessionPurgesExpired(t *testing.T) {
	r := NewRegistry()
	r.AddSession(Session{PeerID: "p1", RoomCode: "lobby", DisconnectedAt: base})
	r.AddSession(Session{PeerID: "p2", RoomCode: "den", DisconnectedAt: base.Add(25 * time.Second)})

	// 31s after p1 dropped: p1 is expired and purged, p2 survives.
	now := base.Add(31 * time.Second)
	if _, ok := r.FindValidSession("lobby", now); ok {
		t.Fatal("expired session returned")
	}
	if r.Len() != 1 {
		t.Fatalf("expected purge to leave 1 session, got %d", r.Len())
	}
	if _, ok := r.FindValidSession("den", now); !ok {
		t.Fatal("valid session missing")
	}
}

func TestGraceBoundary(t *testing.T) {
	r := NewRegistry()
	r.AddSession(Session{PeerID: "p1", RoomCode: "lobby", DisconnectedAt: base})

	if _, ok := r.FindValidSession("lobby", base.Add(29*time.Second)); !ok {
		t.Fatal("session should be valid at 29s")
	}
	// Exactly 30s is outside the window.
	if _, ok := r.FindValidSession("lobby", base.Add(30*time.Second)); ok {
		t.Fatal("session should be expired at 30s")
	}
}

func TestRemoveSession(t *testing.T) {
	r := NewRegistry()
	r.AddSession(Session{PeerID: "p1", RoomCode: "lobby", DisconnectedAt: base})
	r.RemoveSession("p1")
	if _, ok := r.FindValidSession("lobby", base.Add(time.Second)); ok {
		t.Fatal("removed session still found")
	}
	// Removing again is harmless.
	r.RemoveSession("p1")
}

package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberchat/ember/internal/proto"
	"github.com/emberchat/ember/internal/relay"
)

func startRelay(t *testing.T, opts relay.Options) *relay.Server {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := relay.New(opts)
	require.NoError(t, srv.Start(ctx))
	return srv
}

func waitFrame(t *testing.T, c *Client, want string) proto.SignalingMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-c.Events():
			require.True(t, ok, "event stream closed while waiting for %s", want)
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", want)
		}
	}
}

func TestConnectAndExchange(t *testing.T) {
	srv := startRelay(t, relay.Options{})
	ctx := context.Background()

	alice, err := Connect(ctx, srv.URL(), "den", "alice")
	require.NoError(t, err)
	defer alice.Disconnect()
	msg := waitFrame(t, alice, proto.SigPeers)
	require.Empty(t, msg.Peers)

	bob, err := Connect(ctx, srv.URL(), "den", "bob")
	require.NoError(t, err)
	defer bob.Disconnect()
	msg = waitFrame(t, bob, proto.SigPeers)
	require.Equal(t, []string{"alice"}, msg.Peers)
	waitFrame(t, alice, proto.SigPeerJoined)

	type sdp struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	require.NoError(t, bob.SendOffer("alice", sdp{Type: "offer", SDP: "v=0"}))
	got := waitFrame(t, alice, proto.SigOffer)
	require.Equal(t, "bob", got.FromPeerID)

	require.NoError(t, alice.SendAnswer("bob", sdp{Type: "answer", SDP: "v=0"}))
	waitFrame(t, bob, proto.SigAnswer)

	require.NoError(t, alice.SendIceCandidate("bob", map[string]any{"candidate": "candidate:1"}))
	waitFrame(t, bob, proto.SigIceCandidate)
}

func TestDisconnectClosesEventStream(t *testing.T) {
	srv := startRelay(t, relay.Options{})
	alice, err := Connect(context.Background(), srv.URL(), "den", "alice")
	require.NoError(t, err)
	waitFrame(t, alice, proto.SigPeers)

	alice.Disconnect()
	alice.Disconnect() // idempotent

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-alice.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond, "events channel should close after disconnect")
}

func TestFetchTurnCredentials(t *testing.T) {
	t.Run("absent is not an error", func(t *testing.T) {
		srv := startRelay(t, relay.Options{})
		creds, err := FetchTurnCredentials(context.Background(), srv.URL())
		require.NoError(t, err)
		require.Nil(t, creds)
	})

	t.Run("present", func(t *testing.T) {
		srv := startRelay(t, relay.Options{
			TurnSecret: "sekrit",
			TurnURIs:   []string{"turn:t.example.org:3478"},
			TurnTTL:    time.Minute,
		})
		creds, err := FetchTurnCredentials(context.Background(), srv.URL())
		require.NoError(t, err)
		require.NotNil(t, creds)
		require.NotEmpty(t, creds.Username)
		require.NotEmpty(t, creds.Credential)
	})
}

func TestToWebsocketURL(t *testing.T) {
	cases := []struct {
		in, code, want string
		wantErr        bool
	}{
		{"http://relay.example.org", "den", "ws://relay.example.org/ws/den", false},
		{"https://relay.example.org/", "den", "wss://relay.example.org/ws/den", false},
		{"https://relay.example.org/chat", "den", "wss://relay.example.org/chat/ws/den", false},
		{"ftp://relay.example.org", "den", "", true},
	}
	for _, tc := range cases {
		got, err := toWebsocketURL(tc.in, tc.code)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}
}

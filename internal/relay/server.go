// Package relay implements the signaling relay: a per-room rendezvous that
// forwards WebRTC handshake envelopes between peer sockets and nothing else.
// It holds no chat semantics and no state beyond the live socket set.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/emberchat/ember/internal/proto"
	"github.com/emberchat/ember/internal/util"
)

var log = logging.Logger("relay")

// DefaultRoomIdleTTL is how long an empty room actor lingers before shutting
// down. Long enough for the reconnect grace period plus handshake slack.
const DefaultRoomIdleTTL = 2 * proto.DisconnectGrace

// Options configures the relay server.
type Options struct {
	Addr          string
	ExternalURL   string
	AdminPassword string // empty = /logs.json disabled
	RoomIdleTTL   time.Duration

	// TURN relay-assist credentials (coturn REST convention). Empty secret
	// means /turn-credentials reports no credentials and clients stay on
	// their configured STUN servers.
	TurnSecret string
	TurnURIs   []string
	TurnTTL    time.Duration
}

// Server accepts peer sockets at /ws/{roomCode} and runs one room actor per
// live room code.
type Server struct {
	opts     Options
	srv      *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	addr  net.Addr
	rooms map[string]*room

	// Recent activity lines for the admin endpoint.
	logs *util.RingBuffer[string]
}

func New(opts Options) *Server {
	if opts.RoomIdleTTL <= 0 {
		opts.RoomIdleTTL = DefaultRoomIdleTTL
	}
	if opts.TurnTTL <= 0 {
		opts.TurnTTL = 10 * time.Minute
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
		logs:  util.NewRingBuffer[string](500),
	}
}

// Start binds the listener and serves until ctx is cancelled. It returns
// once the listener is up; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleWS)
	mux.HandleFunc("/turn-credentials", s.handleTurnCredentials)
	mux.HandleFunc("/stats.json", s.handleStats)
	mux.HandleFunc("/logs.json", s.handleLogs)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("relay server error: %v", err)
		}
	}()

	log.Infof("relay listening on %s", ln.Addr())
	return nil
}

// URL returns the externally reachable base URL of the relay. Before Start
// it falls back to the configured address.
func (s *Server) URL() string {
	if s.opts.ExternalURL != "" {
		return strings.TrimRight(s.opts.ExternalURL, "/")
	}
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	if addr != nil {
		return "http://" + addr.String()
	}
	return "http://" + s.opts.Addr
}

// handleWS upgrades the socket and hands it to the read loop. The room code
// is the final path element and acts as the capability token: knowing it is
// the only membership requirement the relay enforces.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimPrefix(r.URL.Path, "/ws/")
	code, err := util.ValidateRoomCode(code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("upgrade failed: %v", err)
		return
	}

	c := newClient(conn)
	c.readLoop(s, code)
}

// joinRoom delivers the join to the room actor, creating the actor if the
// room code is new. Retries when it loses the race against an idle shutdown.
func (s *Server) joinRoom(code string, c *client) *room {
	for {
		s.mu.Lock()
		r, ok := s.rooms[code]
		if !ok {
			r = newRoom(code, s, s.opts.RoomIdleTTL)
			s.rooms[code] = r
			go r.run()
			s.addLog(fmt.Sprintf("room %s created", code))
		}
		s.mu.Unlock()

		if r.send(roomCmd{kind: cmdJoin, c: c}) {
			return r
		}
		// Room shut down between lookup and send; next pass recreates it.
	}
}

// dropRoom removes a shut-down room from the registry. The identity check
// guards against deleting a replacement actor created under the same code.
func (s *Server) dropRoom(code string, r *room) {
	s.mu.Lock()
	if cur, ok := s.rooms[code]; ok && cur == r {
		delete(s.rooms, code)
		s.addLog(fmt.Sprintf("room %s reaped", code))
	}
	s.mu.Unlock()
}

// handleTurnCredentials mints short-lived TURN credentials per the coturn
// REST convention: username is "<expiry>:ember", the credential is the
// base64 HMAC-SHA1 of the username under the shared secret. Responds 204
// when no TURN secret is configured; clients degrade to direct/STUN.
func (s *Server) handleTurnCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.TurnSecret == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	expiry := time.Now().Add(s.opts.TurnTTL).Unix()
	username := fmt.Sprintf("%d:ember", expiry)
	mac := hmac.New(sha1.New, []byte(s.opts.TurnSecret))
	mac.Write([]byte(username))
	cred := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(proto.TurnCredentials{
		Username:   username,
		Credential: cred,
		TTL:        int64(s.opts.TurnTTL.Seconds()),
		URIs:       s.opts.TurnURIs,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	roomCount := len(s.rooms)
	peerCount := 0
	for _, r := range s.rooms {
		peerCount += r.size()
	}
	s.mu.Unlock()

	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"rooms": roomCount,
		"peers": peerCount,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.logs.Snapshot())
}

// requireAdmin checks HTTP Basic Auth. Returns true if authorized.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.AdminPassword == "" {
		http.Error(w, "admin endpoints disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != s.opts.AdminPassword {
		w.Header().Set("WWW-Authenticate", `Basic realm="Ember Relay"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) addLog(msg string) {
	s.logs.Push(fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg))
}

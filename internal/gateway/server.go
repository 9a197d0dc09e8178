// Package gateway exposes the browser-facing WebSocket endpoint. Each
// accepted connection gets its own upstream engine session and session
// orchestrator; the gateway's job is handshake parsing, frame transport,
// and lifecycle plumbing between the two.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/engine"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/wire"
	"github.com/voxgate/voxgate/pkg/backend"
)

// EngineDialer opens a fresh upstream engine session per connection.
type EngineDialer interface {
	Connect(ctx context.Context) (engine.Session, error)
}

// Defaults fills handshake parameters the client left out.
type Defaults struct {
	AIName   string
	Voice    string
	Language string
}

// Server accepts browser WebSocket connections and runs one session per
// connection. It implements http.Handler for the /ws route.
type Server struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	dialer   EngineDialer
	services backend.Services
	recorder session.Recorder
	defaults Defaults

	mu       sync.Mutex
	sessions map[*session.Orchestrator]struct{}
	closed   bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRecorder sets the transcript recorder handed to every session.
func WithRecorder(r session.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithDefaults sets the fallback persona parameters for handshakes that
// omit them.
func WithDefaults(d Defaults) Option {
	return func(s *Server) { s.defaults = d }
}

// NewServer wires a gateway server from its collaborators.
func NewServer(dialer EngineDialer, services backend.Services, opts ...Option) *Server {
	s := &Server{
		log:      slog.Default(),
		dialer:   dialer,
		services: services,
		defaults: Defaults{AIName: "Assistant", Voice: "alloy", Language: "English"},
		sessions: make(map[*session.Orchestrator]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// identityFromRequest builds the session identity from handshake query
// parameters, falling back to server defaults. A missing userId gets a
// generated one so anonymous sessions still have a stable context key.
func (s *Server) identityFromRequest(r *http.Request) session.Identity {
	s.mu.Lock()
	defaults := s.defaults
	s.mu.Unlock()

	q := r.URL.Query()
	pick := func(key, fallback string) string {
		if v := q.Get(key); v != "" {
			return v
		}
		return fallback
	}
	id := session.Identity{
		UserID:   pick("userId", ""),
		AIName:   pick("aiName", defaults.AIName),
		UserName: pick("userName", "the user"),
		Voice:    pick("voice", defaults.Voice),
		AIStyle:  q.Get("aiStyle"),
		Language: pick("language", defaults.Language),
	}
	if id.UserID == "" {
		id.UserID = "anon-" + uuid.NewString()
	}
	return id
}

// ServeHTTP upgrades the connection and runs the session until either side
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients connect cross-origin during local development;
		// deployments front this with their own origin policy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	// Screenshot chunks and audio frames exceed the library default.
	conn.SetReadLimit(16 << 20)

	id := s.identityFromRequest(r)
	log := s.log.With("user_id", id.UserID, "ai_name", id.AIName)

	eng, err := s.dialer.Connect(r.Context())
	if err != nil {
		log.Error("engine dial failed", "error", err)
		wsjson.Write(r.Context(), conn, wire.ServerEvent{
			Type:    wire.ServerError,
			Message: "upstream engine unavailable",
		})
		conn.Close(websocket.StatusInternalError, "engine unavailable")
		return
	}

	orch := session.NewOrchestrator(id, eng, newWSClient(conn), s.services,
		session.WithLogger(s.log),
		session.WithMetrics(s.metrics),
		session.WithRecorder(s.recorder),
	)
	if !s.register(orch) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unregister(orch)

	log.Info("client connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := orch.Run(r.Context()); err != nil {
			log.Error("session ended with error", "error", err)
		}
		// Unblock the read loop below once the session is gone.
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}()

	s.readLoop(r.Context(), conn, orch)
	orch.Close()
	<-done
	log.Info("client disconnected")
}

// readLoop decodes client frames and hands them to the session until the
// connection or the session ends.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, orch *session.Orchestrator) {
	for {
		var ev wire.ClientEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return
		}
		orch.Deliver(ev)
	}
}

func (s *Server) register(orch *session.Orchestrator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[orch] = struct{}{}
	return true
}

func (s *Server) unregister(orch *session.Orchestrator) {
	s.mu.Lock()
	delete(s.sessions, orch)
	s.mu.Unlock()
}

// SetDefaults replaces the handshake fallbacks. Running sessions keep the
// values they started with; new handshakes pick up the update.
func (s *Server) SetDefaults(d Defaults) {
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
}

// ActiveSessions returns the number of sessions currently running.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every active session and rejects new connections. It
// returns once all session loops have exited or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	active := make([]*session.Orchestrator, 0, len(s.sessions))
	for orch := range s.sessions {
		active = append(active, orch)
	}
	s.mu.Unlock()

	s.log.Info("closing active sessions", "count", len(active))
	var g errgroup.Group
	for _, orch := range active {
		g.Go(func() error {
			orch.Close()
			return nil
		})
	}

	closed := make(chan struct{})
	go func() {
		g.Wait()
		close(closed)
	}()

	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package delivery is the real-time channel to operator clients.
//
// Each client holds one WebSocket on /v1/live. Control messages start and
// stop call sessions; the connection is the [callsession.Sink] of every
// session it started, so transcripts, assistance and session errors flow
// back over the same socket. When the socket goes away, those sessions stop
// through their normal path.
package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callpilot/internal/callsession"
	"github.com/MrWong99/callpilot/internal/observe"
)

// Defaults for zero [Server] options.
const (
	DefaultQueueSize    = 256
	DefaultPingInterval = 20 * time.Second

	writeTimeout = 5 * time.Second
)

// Sessions is the part of [callsession.Manager] the delivery channel drives.
type Sessions interface {
	Start(ctx context.Context, id string, sink callsession.Sink) (*callsession.Session, error)
	Stop(ctx context.Context, id string) error
	Sessions() []callsession.Info
}

var _ Sessions = (*callsession.Manager)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics records connection counts and dropped messages.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithQueueSize bounds each connection's outbound queue.
func WithQueueSize(n int) Option {
	return func(s *Server) { s.queueSize = n }
}

// WithPingInterval sets the keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// WithOriginPatterns allows browser clients from other origins, using
// [websocket.AcceptOptions] pattern syntax.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server serves the delivery endpoints.
type Server struct {
	sessions     Sessions
	log          *slog.Logger
	metrics      *observe.Metrics
	queueSize    int
	pingInterval time.Duration
	origins      []string

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a server driving sessions.
func New(sessions Sessions, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sessions:     sessions,
		log:          slog.Default(),
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(s)
	}
	if s.queueSize <= 0 {
		s.queueSize = DefaultQueueSize
	}
	if s.pingInterval <= 0 {
		s.pingInterval = DefaultPingInterval
	}
	return s
}

// Register adds the delivery routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/live", s.ServeLive)
	mux.HandleFunc("GET /v1/sessions", s.ListSessions)
}

// Close disconnects every client. Their sessions stop as if the clients had
// hung up. [http.Server.Shutdown] does not reach hijacked connections, so
// call Close alongside it.
func (s *Server) Close() {
	s.cancel()
}

// ServeLive upgrades the request and runs the connection until either side
// closes it.
func (s *Server) ServeLive(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	c := newConn(ws, s, s.log.With("remote", r.RemoteAddr))
	if s.metrics != nil {
		s.metrics.ActiveConnections.Add(ctx, 1)
		defer s.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
	}
	c.log.Info("client connected")
	err = c.run(ctx)
	c.log.Info("client disconnected", "sessions", c.sessionCount(), "reason", err)
}

type sessionList struct {
	Sessions []callsession.Info `json:"sessions"`
}

// ListSessions writes the active sessions as JSON.
func (s *Server) ListSessions(w http.ResponseWriter, _ *http.Request) {
	list := sessionList{Sessions: s.sessions.Sessions()}
	if list.Sessions == nil {
		list.Sessions = []callsession.Info{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		s.log.Warn("encode session list", "err", err)
	}
}

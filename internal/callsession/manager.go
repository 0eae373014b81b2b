// Package callsession orchestrates live calls.
//
// A [Manager] owns the capture device, the speech engine and the assistance
// generator. For every call it creates a [Session] that reads the device,
// splits the audio per channel, feeds one transcription adapter per channel
// and relays transcripts and assistance to the client's [Sink].
//
// Session lifecycle:
//
//	Idle → Starting → Active → Stopping → Stopped
//	          ↓
//	        Failed
//
// A fatal engine failure on one channel leaves the session Active on the
// other one. Every session-affecting failure produces exactly one
// session-error message whose kind comes from [KindOf].
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callpilot/internal/assist"
	"github.com/MrWong99/callpilot/internal/calllog"
	"github.com/MrWong99/callpilot/internal/observe"
	"github.com/MrWong99/callpilot/internal/transcribe"
	"github.com/MrWong99/callpilot/internal/transcript"
	"github.com/MrWong99/callpilot/pkg/audio"
	"github.com/MrWong99/callpilot/pkg/protocol"
	"github.com/MrWong99/callpilot/pkg/provider/llm"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

// Sink receives a session's outbound messages. It is typically one client
// connection of the delivery channel.
type Sink interface {
	// Send queues m for the client. It must not block.
	Send(m protocol.Message)

	// Done is closed when the client is gone.
	Done() <-chan struct{}
}

// Journal records finals and assistance for the call log. Record must not
// block.
type Journal interface {
	Record(e calllog.Entry) bool
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records session and pipeline metrics.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithGenerator enables assistance for counterparty finals.
func WithGenerator(g assist.Generator) Option {
	return func(m *Manager) { m.generator = g }
}

// WithCorrector fixes product names in counterparty finals before they are
// delivered and sent for assistance.
func WithCorrector(c transcript.Corrector) Option {
	return func(m *Manager) { m.corrector = c }
}

// WithTokenCounter measures the call history against HistoryTokens. Without
// one, [llm.EstimateTokens] is used.
func WithTokenCounter(p llm.Provider) Option {
	return func(m *Manager) { m.counter = p }
}

// WithJournal records the call log.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithKeywords supplies engine keyword boosts, evaluated once per session.
func WithKeywords(f func() []stt.KeywordBoost) Option {
	return func(m *Manager) { m.keywords = f }
}

// Manager creates and tracks call sessions. All methods are safe for
// concurrent use.
type Manager struct {
	cfg      Config
	opener   audio.Opener
	engine   stt.Provider
	registry *Registry

	generator assist.Generator
	corrector transcript.Corrector
	counter   llm.Provider
	journal   Journal
	keywords  func() []stt.KeywordBoost
	log       *slog.Logger
	metrics   *observe.Metrics

	mu     sync.Mutex
	closed bool
}

// NewManager validates cfg and returns a manager. The opener is wrapped with
// [audio.Exclusive] unless it already is one, so two sessions can never hold
// the device at once.
func NewManager(cfg Config, opener audio.Opener, engine stt.Provider, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("callsession: %w", err)
	}
	if opener == nil || engine == nil {
		return nil, errors.New("callsession: opener and engine are required")
	}
	if _, ok := opener.(*audio.ExclusiveOpener); !ok {
		opener = audio.Exclusive(opener)
	}
	m := &Manager{
		cfg:      cfg,
		opener:   opener,
		engine:   engine,
		registry: NewRegistry(cfg.MaxSessions),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Start opens a new session for a call. An empty id is replaced by a random
// UUID. ctx bounds only the start-up.
//
// When the device or an engine cannot be opened, everything already opened
// is released, the returned session is in [StateFailed] and the error wraps
// the cause. A rejected start (duplicate ID, capacity, shutdown) returns a
// nil session.
func (m *Manager) Start(ctx context.Context, id string, sink Sink) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(m, id, sink)
	if err := m.admit(s); err != nil {
		s.reportError(err, "", true)
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (m *Manager) admit(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.registry.Reserve(s)
}

// Stop stops the session registered under id.
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Stop(ctx)
}

// Get returns the active session registered under id.
func (m *Manager) Get(id string) (*Session, bool) {
	return m.registry.Get(id)
}

// Sessions lists the active sessions.
func (m *Manager) Sessions() []Info {
	sessions := m.registry.Sessions()
	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out
}

// Registry exposes the session registry for health checks.
func (m *Manager) Registry() *Registry { return m.registry }

// Shutdown refuses new sessions and stops every active one in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	sessions := m.registry.Sessions()
	errs := make([]error, len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		g.Go(func() error {
			errs[i] = s.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// adapterConfig derives the transcription config for one channel.
func (m *Manager) adapterConfig(ch audio.Channel) transcribe.Config {
	dev := m.cfg.Device
	group := dev.Counterparty
	if ch == audio.ChannelOperator {
		group = dev.Operator
	}
	channels := group.Count
	if dev.Downmix {
		channels = 1
	}

	cfg := m.cfg.Transcription
	cfg.Channel = ch
	cfg.Stream = stt.StreamConfig{
		SampleRate: dev.SampleRate,
		Channels:   channels,
		BitDepth:   dev.BitDepth,
		Language:   m.cfg.Language,
	}
	if m.keywords != nil {
		cfg.Stream.Keywords = m.keywords()
	}
	return cfg
}

func (m *Manager) channels() []audio.Channel {
	if m.cfg.Device.Mode == audio.ModeAggregate {
		return []audio.Channel{audio.ChannelOperator, audio.ChannelCounterparty}
	}
	return []audio.Channel{audio.ChannelCounterparty}
}

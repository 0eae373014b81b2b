// Package app wires all callpilot subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithCallLogStore,
// WithMetrics, ...). Providers always come from the caller; main builds them
// through the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/callpilot/internal/assist"
	"github.com/MrWong99/callpilot/internal/calllog"
	"github.com/MrWong99/callpilot/internal/calllog/postgres"
	"github.com/MrWong99/callpilot/internal/callsession"
	"github.com/MrWong99/callpilot/internal/config"
	"github.com/MrWong99/callpilot/internal/delivery"
	"github.com/MrWong99/callpilot/internal/health"
	"github.com/MrWong99/callpilot/internal/observe"
	"github.com/MrWong99/callpilot/internal/transcribe"
	"github.com/MrWong99/callpilot/internal/transcript"
	"github.com/MrWong99/callpilot/pkg/audio"
	"github.com/MrWong99/callpilot/pkg/provider/llm"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers.
const readHeaderTimeout = 10 * time.Second

// Providers holds the external backends. LLM may be nil, which disables
// assistance. STT and Audio are required.
type Providers struct {
	STT   stt.Provider
	LLM   llm.Provider
	Audio audio.Opener
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics

	store     calllog.Store
	recorder  *calllog.Recorder
	corrector *transcript.Pipeline
	generator *assist.LLMGenerator
	manager   *callsession.Manager
	delivery  *delivery.Server
	health    *health.Handler
	handler   http.Handler

	// boost is the keyword boost currently applied to product names.
	boost atomic.Uint64

	// current is the config last applied; reloads diff against it.
	mu      sync.Mutex
	current *config.Config

	server   *http.Server
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level of the handler
// built over lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics injects the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCallLogStore injects a call log store instead of creating one from
// config. The app closes it on Shutdown.
func WithCallLogStore(s calllog.Store) Option {
	return func(a *App) { a.store = s }
}

// New creates an App by wiring all subsystems together. It connects to the
// call log database when one is configured; nothing touches the capture
// device until a session starts.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.Audio == nil {
		return nil, errors.New("app: stt and audio providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		current:   cfg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Call log ──────────────────────────────────────────────────────
	if err := a.initCallLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	// ── 2. Product correction ────────────────────────────────────────────
	a.corrector = transcript.NewPipeline(cfg.Transcription.Products)
	a.setBoost(cfg.Transcription.KeywordBoost)

	// ── 3. Assistance ────────────────────────────────────────────────────
	if providers.LLM != nil {
		a.generator = assist.NewLLMGenerator(providers.LLM, assistSettings(cfg.Assistance),
			assist.WithLogger(a.log),
			assist.WithMetrics(a.metrics),
			assist.WithProviderName(cfg.Providers.LLM.Name),
		)
	} else {
		a.log.Info("no llm provider configured; sessions run without assistance")
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	if err := a.initManager(); err != nil {
		_ = a.closeCallLog(ctx)
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()
	return a, nil
}

func (a *App) initCallLog(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.CallLog.Backend {
		case config.CallLogMemory:
			a.store = calllog.NewMemoryStore()
		case config.CallLogPostgres:
			s, err := postgres.New(ctx, a.cfg.CallLog.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
		default:
			return nil
		}
	}
	a.recorder = calllog.NewRecorder(a.store,
		calllog.WithQueueSize(a.cfg.CallLog.QueueSize),
		calllog.WithLogger(a.log),
		calllog.WithMetrics(a.metrics),
	)
	a.log.Info("call log enabled", "backend", string(a.cfg.CallLog.Backend))
	return nil
}

func (a *App) initManager() error {
	opts := []callsession.Option{
		callsession.WithLogger(a.log),
		callsession.WithMetrics(a.metrics),
		callsession.WithCorrector(a.corrector),
		callsession.WithKeywords(a.keywords),
	}
	if a.generator != nil {
		opts = append(opts,
			callsession.WithGenerator(a.generator),
			callsession.WithTokenCounter(a.providers.LLM),
		)
	}
	if a.recorder != nil {
		opts = append(opts, callsession.WithJournal(a.recorder))
	}
	m, err := callsession.NewManager(sessionConfig(a.cfg), a.providers.Audio, a.providers.STT, opts...)
	if err != nil {
		return err
	}
	a.manager = m
	return nil
}

func (a *App) initHTTP() {
	a.delivery = delivery.New(a.manager,
		delivery.WithLogger(a.log),
		delivery.WithMetrics(a.metrics),
		delivery.WithQueueSize(a.cfg.Server.QueueSize),
		delivery.WithPingInterval(a.cfg.Server.PingInterval),
		delivery.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	)

	checkers := []health.Checker{
		health.Capacity("sessions", a.cfg.Session.MaxSessions, func() int {
			return a.manager.Registry().Len()
		}),
	}
	if p, ok := a.store.(health.Pinger); ok {
		checkers = append(checkers, health.Ping("calllog", p))
	}
	if c, ok := a.providers.STT.(interface{ Check(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "stt", Check: c.Check})
	}
	if c, ok := a.providers.LLM.(interface{ Check(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "llm", Check: c.Check})
	}
	a.health = health.New(checkers)

	mux := http.NewServeMux()
	a.delivery.Register(mux)
	a.health.Register(mux)
	if !a.cfg.Telemetry.DisableMetrics {
		mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, promhttp.Handler())
	}
	a.handler = observe.Middleware(a.metrics,
		observe.WithRequestLogger(a.log),
		observe.WithQuietPaths("/healthz", "/readyz", a.cfg.Telemetry.MetricsPath),
	)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the session manager.
func (a *App) Manager() *callsession.Manager { return a.manager }

// Run serves HTTP on the configured address until ctx is cancelled or the
// listener fails. It does not shut anything down; call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		tls := a.cfg.Server.TLS
		a.log.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)
		if tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops accepting requests, disconnects clients, stops every
// session, and flushes the call log. It respects the ctx deadline; errors
// from each stage are joined.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.manager.Registry().Len())
		a.health.SetDraining()

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http: %w", err))
			}
		}
		a.delivery.Close()

		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		if err := a.closeCallLog(ctx); err != nil {
			errs = append(errs, fmt.Errorf("call log: %w", err))
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) closeCallLog(ctx context.Context) error {
	var errs []error
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// sessionConfig maps the file config onto the session manager's config.
func sessionConfig(cfg *config.Config) callsession.Config {
	t := cfg.Transcription
	return callsession.Config{
		Device: cfg.Device,
		Transcription: transcribe.Config{
			MaxSessionDuration: t.MaxSessionDuration,
			IdleTimeout:        t.IdleTimeout,
			RestartMargin:      t.RestartMargin,
			BufferFrames:       t.BufferFrames,
			FinalizeTimeout:    t.FinalizeTimeout,
			FailureWindow:      t.FailureWindow,
		},
		Language:      t.Language,
		GracePeriod:   cfg.Session.GracePeriod,
		HistoryTurns:  cfg.Session.HistoryTurns,
		HistoryTokens: cfg.Session.HistoryTokens,
		MaxSessions:   cfg.Session.MaxSessions,
	}
}

// assistSettings maps the file config onto generator settings. Zero values
// take the generator's defaults.
func assistSettings(c config.AssistanceConfig) assist.Settings {
	s := assist.Settings{
		SystemPrompt: c.SystemPrompt,
		MaxTokens:    c.MaxTokens,
		Timeout:      c.Timeout,
		Retries:      1,
	}
	if c.Temperature != nil {
		s.Temperature = *c.Temperature
	}
	if c.Retries != nil {
		s.Retries = *c.Retries
	}
	return s
}

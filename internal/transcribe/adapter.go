// Package transcribe keeps one logical transcription stream per call channel
// alive across the engine's own session limits.
//
// An [Adapter] owns a single engine session at a time. Before the engine's
// maximum session duration or idle timeout is reached, the adapter rolls over
// to a fresh session:
//
//	Streaming → Draining → Reconnecting → Streaming
//
// Draining finalizes the in-flight utterance and closes the old session;
// frames pushed while draining or reconnecting wait in a bounded buffer and
// are replayed in order once the new session is up. Callers see one unbroken
// stream of [Event] values.
//
// Engine failures are retried once. A second failure inside the failure
// window, or a failed reconnect, disables the adapter and is reported as a
// fatal [Failure].
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callpilot/internal/observe"
	"github.com/MrWong99/callpilot/pkg/audio"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

var (
	// ErrEngineConnect is returned by [Start] when the first engine session
	// cannot be opened.
	ErrEngineConnect = errors.New("transcribe: engine connect failed")

	// ErrEngineFatal wraps the cause of a fatal [Failure].
	ErrEngineFatal = errors.New("transcribe: engine failed permanently")

	// ErrAbandoned is returned by [Adapter.Stop] when the engine session did
	// not close within the allotted time and was left behind.
	ErrAbandoned = errors.New("transcribe: engine session abandoned")

	// ErrStopped is returned by [Adapter.Push] after Stop was called.
	ErrStopped = errors.New("transcribe: adapter stopped")

	// ErrDisabled is returned by [Adapter.Push] after a fatal failure.
	ErrDisabled = errors.New("transcribe: adapter disabled")
)

// State is the adapter's position in its restart state machine.
type State int32

const (
	StateStreaming State = iota
	StateDraining
	StateReconnecting
	StateDisabled
	StateStopped
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateDisabled:
		return "disabled"
	case StateStopped:
		return "stopped"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Restart reasons reported in logs and metrics.
const (
	reasonMaxDuration = "max_duration"
	reasonIdle        = "idle"
	reasonRequested   = "requested"
	reasonKeywords    = "keywords"
)

// Event is one transcript result from the channel's logical stream.
type Event struct {
	// ID is unique within the adapter ("<channel>:<n>") and is what
	// assistance results are correlated with.
	ID      string
	Channel audio.Channel

	Text       string
	IsFinal    bool
	Confidence float64

	// Timestamp is the utterance start relative to the first audio the
	// adapter sent, monotonic across engine restarts.
	Timestamp time.Duration
	Duration  time.Duration

	// Synthesized marks a final built from the last partial of an engine
	// session that ended before finalizing it.
	Synthesized bool
}

// Failure reports an engine error on one channel.
type Failure struct {
	Channel audio.Channel
	Err     error

	// Fatal means the adapter has disabled itself and will produce no more
	// events. A non-fatal failure is followed by one immediate reconnect.
	Fatal bool
}

// Stats is a point-in-time snapshot of adapter counters.
type Stats struct {
	State    State
	Restarts uint64
	Failures uint64
	Dropped  uint64
	Gaps     uint64
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithMetrics records frame, restart and failure counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// Adapter wraps a sequence of engine sessions for one channel. All methods
// are safe for concurrent use; one internal goroutine owns the engine
// session.
type Adapter struct {
	cfg      Config
	provider stt.Provider
	format   audio.Format
	log      *slog.Logger
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	buf        *frameBuffer
	wake       chan struct{}
	restartReq chan string

	stopReq  chan struct{}
	stopOnce sync.Once
	kill     chan struct{}
	killOnce sync.Once
	finished chan struct{}

	out      chan Event
	failures chan Failure

	state    atomic.Int32
	nextID   atomic.Uint64
	restarts atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	gaps     atomic.Uint64
	dropping atomic.Bool

	kwMu     sync.Mutex
	keywords []stt.KeywordBoost

	// Owned by the run goroutine.
	cur         *engineSession
	seq         audio.SeqTracker
	sent        time.Duration
	lastFailure time.Time
	stopErr     error
}

// engineSession is one engine connection plus the goroutine forwarding its
// events.
type engineSession struct {
	h       stt.SessionHandle
	offset  time.Duration
	started time.Time
	fwdDone chan struct{}

	mu       sync.Mutex
	detached bool
	pending  *Event
}

// Start opens the first engine session for cfg.Channel and begins accepting
// frames. ctx bounds only the initial connect; the adapter lives until
// [Adapter.Stop].
func Start(ctx context.Context, p stt.Provider, cfg Config, opts ...Option) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:        cfg,
		provider:   p,
		format:     audio.Format{SampleRate: cfg.Stream.SampleRate, Channels: cfg.Stream.Channels, BitDepth: cfg.Stream.BitDepth},
		log:        slog.Default(),
		buf:        newFrameBuffer(cfg.BufferFrames),
		wake:       make(chan struct{}, 1),
		restartReq: make(chan string, 1),
		stopReq:    make(chan struct{}),
		kill:       make(chan struct{}),
		finished:   make(chan struct{}),
		out:        make(chan Event, 64),
		failures:   make(chan Failure, 4),
		keywords:   slices.Clone(cfg.Stream.Keywords),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("channel", string(cfg.Channel))
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	stop := context.AfterFunc(ctx, a.cancel)
	h, err := p.StartStream(a.ctx, a.streamConfig())
	if !stop() && err == nil {
		// ctx ended while connecting; the session is already unusable.
		_ = h.Close()
		err = ctx.Err()
	}
	if err != nil {
		a.cancel()
		return nil, fmt.Errorf("transcribe: %s: %w: %w", cfg.Channel, ErrEngineConnect, err)
	}

	a.attach(h)
	go a.run()
	return a, nil
}

// Channel returns the channel this adapter transcribes.
func (a *Adapter) Channel() audio.Channel { return a.cfg.Channel }

// Transcripts returns the ordered event stream. It is closed once the
// adapter has stopped or disabled itself. Callers must keep reading until
// it is closed.
func (a *Adapter) Transcripts() <-chan Event { return a.out }

// Failures reports engine failures. It is closed together with Transcripts
// and, like Transcripts, must be read until closed.
func (a *Adapter) Failures() <-chan Failure { return a.failures }

// Done is closed when the adapter has fully stopped or disabled itself.
func (a *Adapter) Done() <-chan struct{} { return a.finished }

// State returns the current restart state.
func (a *Adapter) State() State { return State(a.state.Load()) }

// Stats returns a snapshot of the adapter counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		State:    a.State(),
		Restarts: a.restarts.Load(),
		Failures: a.failed.Load(),
		Dropped:  a.dropped.Load(),
		Gaps:     a.gaps.Load(),
	}
}

// Push queues f for the engine. It never blocks: while a restart is in
// progress frames accumulate in a bounded buffer, and the oldest frame is
// dropped once the buffer is full.
func (a *Adapter) Push(f audio.Frame) error {
	switch a.State() {
	case StateDisabled:
		return ErrDisabled
	case StateStopped:
		return ErrStopped
	}
	select {
	case <-a.stopReq:
		return ErrStopped
	default:
	}

	if a.buf.push(f) {
		a.dropped.Add(1)
		if a.metrics != nil {
			a.metrics.RecordFramesDropped(a.ctx, string(a.cfg.Channel), 1)
		}
		if a.dropping.CompareAndSwap(false, true) {
			a.log.Warn("transcription buffer full; dropping oldest audio",
				"state", a.State().String(),
				"buffer_frames", a.cfg.BufferFrames,
			)
		}
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Restart asks the adapter to roll over to a fresh engine session. It
// returns immediately; a request made while one is pending is ignored.
func (a *Adapter) Restart() {
	a.requestRestart(reasonRequested)
}

// SetKeywords replaces the keyword boosts sent to the engine. The new list
// takes effect with a rollover to a fresh session.
func (a *Adapter) SetKeywords(keywords []stt.KeywordBoost) {
	a.kwMu.Lock()
	a.keywords = slices.Clone(keywords)
	a.kwMu.Unlock()
	a.requestRestart(reasonKeywords)
}

func (a *Adapter) requestRestart(reason string) {
	select {
	case a.restartReq <- reason:
	default:
	}
}

// Stop flushes buffered frames, asks the engine to finalize the in-flight
// utterance, and closes the session. It is idempotent.
//
// If ctx ends first, the adapter is abandoned: its goroutines are told to
// quit without waiting for the engine, and Stop returns an error wrapping
// [ErrAbandoned]. Transcripts is still closed shortly afterwards.
func (a *Adapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopReq) })
	select {
	case <-a.finished:
		return a.stopErr
	case <-ctx.Done():
	}
	a.abandon()
	a.log.Warn("transcription adapter did not stop within grace period; abandoning",
		"state", a.State().String(),
	)
	return fmt.Errorf("transcribe: %s: %w", a.cfg.Channel, ErrAbandoned)
}

func (a *Adapter) abandon() {
	a.killOnce.Do(func() {
		close(a.kill)
		a.cancel()
	})
}

func (a *Adapter) streamConfig() stt.StreamConfig {
	cfg := a.cfg.Stream
	a.kwMu.Lock()
	cfg.Keywords = slices.Clone(a.keywords)
	a.kwMu.Unlock()
	return cfg
}

func (a *Adapter) setState(s State) { a.state.Store(int32(s)) }

// ─── run loop ───────────────────────────────────────────────────────────────

type exitKind int

const (
	exitRestart exitKind = iota
	exitFailed
	exitStop
	exitKilled
)

func (a *Adapter) run() {
	defer a.finish()
	for {
		kind, reason, err := a.stream(a.cur)
		switch kind {
		case exitRestart:
			a.setState(StateDraining)
			a.log.Debug("rolling over transcription session", "reason", reason)
			a.closeSession(true)
			a.restarts.Add(1)
			if a.metrics != nil {
				a.metrics.RecordEngineRestart(a.ctx, string(a.cfg.Channel), reason)
			}
			if !a.reopen() {
				return
			}

		case exitFailed:
			a.setState(StateReconnecting)
			a.closeSession(false)
			if !a.noteFailure(err) || !a.reopen() {
				return
			}

		case exitStop:
			a.setState(StateDraining)
			if a.closeSession(true) {
				a.stopErr = fmt.Errorf("transcribe: %s: %w", a.cfg.Channel, ErrAbandoned)
			}
			return

		case exitKilled:
			return
		}
	}
}

// stream pushes buffered frames into s until a restart, failure, or stop is
// due.
func (a *Adapter) stream(s *engineSession) (exitKind, string, error) {
	a.setState(StateStreaming)

	maxAge := time.NewTimer(time.Until(s.started.Add(a.cfg.MaxSessionDuration - a.cfg.RestartMargin)))
	defer maxAge.Stop()
	idleAfter := a.cfg.IdleTimeout - a.cfg.RestartMargin
	idle := time.NewTimer(idleAfter)
	defer idle.Stop()

	for {
		n, err := a.flush(s)
		if err != nil {
			return exitFailed, "", err
		}
		if n > 0 {
			idle.Reset(idleAfter)
		}

		select {
		case <-a.wake:
		case <-maxAge.C:
			return exitRestart, reasonMaxDuration, nil
		case <-idle.C:
			return exitRestart, reasonIdle, nil
		case reason := <-a.restartReq:
			return exitRestart, reason, nil
		case <-s.h.Done():
			err := s.h.Err()
			if err == nil {
				err = fmt.Errorf("%w: engine ended the session", stt.ErrStreamFailed)
			}
			return exitFailed, "", err
		case <-a.stopReq:
			if _, err := a.flush(s); err != nil {
				a.log.Warn("final flush failed", "err", err)
			}
			return exitStop, "", nil
		case <-a.kill:
			return exitKilled, "", nil
		}
	}
}

// flush sends every buffered frame to s in order. A frame that fails to send
// goes back to the head of the buffer for the next session.
func (a *Adapter) flush(s *engineSession) (int, error) {
	n := 0
	defer func() {
		if n > 0 && a.metrics != nil {
			a.metrics.RecordFrames(a.ctx, string(a.cfg.Channel), int64(n))
		}
	}()
	for {
		f, ok := a.buf.pop()
		if !ok {
			return n, nil
		}
		if missing := a.seq.Observe(f.Seq); missing > 0 {
			a.gaps.Add(missing)
			a.log.Warn("audio sequence gap", "missing", missing, "seq", f.Seq)
			if a.metrics != nil {
				a.metrics.RecordSequenceGap(a.ctx, string(a.cfg.Channel), int64(missing))
			}
		}
		if err := s.h.SendAudio(f.Data); err != nil {
			if a.buf.pushFront(f) {
				a.dropped.Add(1)
			}
			return n, err
		}
		a.sent += a.format.Duration(len(f.Data))
		a.dropping.Store(false)
		n++
	}
}

// reopen connects a fresh engine session. A failed connect counts as an
// engine failure, so it is retried at most once inside the failure window.
func (a *Adapter) reopen() bool {
	a.setState(StateReconnecting)
	for {
		select {
		case <-a.kill:
			return false
		default:
		}
		h, err := a.provider.StartStream(a.ctx, a.streamConfig())
		if err == nil {
			a.attach(h)
			return true
		}
		select {
		case <-a.stopReq:
			a.log.Warn("reconnect failed while stopping", "err", err)
			return false
		case <-a.kill:
			return false
		default:
		}
		if !a.noteFailure(fmt.Errorf("reconnect: %w", err)) {
			return false
		}
	}
}

// noteFailure records an engine failure. It reports false and disables the
// adapter when the failure repeats inside the failure window.
func (a *Adapter) noteFailure(err error) bool {
	now := time.Now()
	repeated := !a.lastFailure.IsZero() && now.Sub(a.lastFailure) < a.cfg.FailureWindow
	a.lastFailure = now
	a.failed.Add(1)
	if a.metrics != nil {
		a.metrics.RecordEngineFailure(a.ctx, string(a.cfg.Channel), repeated)
	}

	if repeated {
		fatal := fmt.Errorf("transcribe: %s: %w: %w", a.cfg.Channel, ErrEngineFatal, err)
		a.setState(StateDisabled)
		a.log.Error("transcription engine failed again; disabling channel", "err", err)
		a.report(Failure{Channel: a.cfg.Channel, Err: fatal, Fatal: true})
		return false
	}
	a.log.Warn("transcription engine failed; reconnecting", "err", err)
	a.report(Failure{Channel: a.cfg.Channel, Err: err})
	return true
}

func (a *Adapter) report(f Failure) {
	select {
	case a.failures <- f:
	case <-a.kill:
	}
}

func (a *Adapter) finish() {
	if a.cur != nil {
		a.cur.detach()
		a.cur = nil
	}
	if a.State() != StateDisabled {
		a.setState(StateStopped)
	}
	a.cancel()
	close(a.out)
	close(a.failures)
	close(a.finished)
}

// ─── engine sessions ────────────────────────────────────────────────────────

func (a *Adapter) attach(h stt.SessionHandle) {
	s := &engineSession{
		h:       h,
		offset:  a.sent,
		started: time.Now(),
		fwdDone: make(chan struct{}),
	}
	a.cur = s
	go a.forward(s)
}

// forward relays s's engine events in order until the engine closes its
// event channel or s is detached.
func (a *Adapter) forward(s *engineSession) {
	defer close(s.fwdDone)
	events := s.h.Events()
	for t := range events {
		s.mu.Lock()
		if s.detached {
			s.mu.Unlock()
			for range events {
			}
			return
		}
		if t.IsFinal {
			s.pending = nil
		}
		if t.Text == "" {
			s.mu.Unlock()
			continue
		}
		ev := Event{
			ID:         a.newID(),
			Channel:    a.cfg.Channel,
			Text:       t.Text,
			IsFinal:    t.IsFinal,
			Confidence: t.Confidence,
			Timestamp:  s.offset + t.Timestamp,
			Duration:   t.Duration,
		}
		if !t.IsFinal {
			p := ev
			s.pending = &p
		}
		a.emit(ev)
		s.mu.Unlock()
	}
}

// detach stops s's forwarder from emitting and returns the trailing partial
// that never received a final, if any.
func (s *engineSession) detach() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	p := s.pending
	s.pending = nil
	return p
}

// closeSession drains the current session: optional Finalize, Close bounded
// by FinalizeTimeout, then a synthesized final for any utterance the engine
// left open. It reports whether the session had to be abandoned.
func (a *Adapter) closeSession(finalize bool) (abandoned bool) {
	s := a.cur
	a.cur = nil

	if finalize {
		if err := s.h.Finalize(); err != nil {
			a.log.Debug("finalize before close failed", "err", err)
		}
	}
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		if err := s.h.Close(); err != nil {
			a.log.Debug("engine session close", "err", err)
		}
	}()

	timer := time.NewTimer(a.cfg.FinalizeTimeout)
	defer timer.Stop()
	select {
	case <-closed:
		select {
		case <-s.fwdDone:
		case <-timer.C:
			abandoned = true
		case <-a.kill:
			abandoned = true
		}
	case <-timer.C:
		abandoned = true
	case <-a.kill:
		abandoned = true
	}
	if abandoned {
		a.log.Warn("engine session did not close in time; abandoned",
			"timeout", a.cfg.FinalizeTimeout,
		)
	}

	if p := s.detach(); p != nil {
		ev := *p
		ev.ID = a.newID()
		ev.IsFinal = true
		ev.Synthesized = true
		a.emit(ev)
	}
	return abandoned
}

func (a *Adapter) emit(ev Event) {
	select {
	case a.out <- ev:
	case <-a.kill:
	}
}

func (a *Adapter) newID() string {
	return string(a.cfg.Channel) + ":" + strconv.FormatUint(a.nextID.Add(1), 10)
}

package callsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callpilot/internal/assist"
	"github.com/MrWong99/callpilot/internal/calllog"
	"github.com/MrWong99/callpilot/internal/observe"
	"github.com/MrWong99/callpilot/internal/transcribe"
	"github.com/MrWong99/callpilot/pkg/audio"
	"github.com/MrWong99/callpilot/pkg/protocol"
	"github.com/MrWong99/callpilot/pkg/provider/llm"
)

// Session is one live call. It is created by [Manager.Start] and ends in
// [StateStopped] or [StateFailed].
type Session struct {
	id        string
	mgr       *Manager
	sink      Sink
	log       *slog.Logger
	startedAt time.Time

	state atomic.Int32

	// ending is set once the session has begun to end. Only the caller
	// that sets it reports an aborting error.
	ending atomic.Bool

	// ctx scopes assistance requests; cancelled during shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// Set once before the session becomes Active, read-only afterwards.
	stream   audio.Stream
	adapters map[audio.Channel]*transcribe.Adapter
	order    []audio.Channel
	history  *assist.History

	mu           sync.Mutex
	live         int
	degraded     []audio.Channel
	failures     int
	assistClosed bool

	ingestDone chan struct{}
	events     sync.WaitGroup
	assists    sync.WaitGroup

	started  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	stopErr  error
}

func newSession(m *Manager, id string, sink Sink) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		mgr:        m,
		sink:       sink,
		log:        m.log.With("session_id", id),
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		adapters:   make(map[audio.Channel]*transcribe.Adapter),
		history:    assist.NewHistory(m.cfg.HistoryTurns, m.cfg.HistoryTokens, m.counter),
		ingestDone: make(chan struct{}),
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done is closed once the session has reached a terminal state and released
// everything it could.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:             s.id,
		State:          s.State(),
		StartedAt:      s.startedAt,
		EngineFailures: s.failures,
	}
	for _, ch := range s.order {
		if a := s.adapters[ch]; a != nil && a.State() != transcribe.StateDisabled {
			info.Channels = append(info.Channels, string(ch))
		}
	}
	for _, ch := range s.degraded {
		info.Degraded = append(info.Degraded, string(ch))
	}
	return info
}

// ChannelStats returns the adapter counters of every channel.
func (s *Session) ChannelStats() map[audio.Channel]transcribe.Stats {
	<-s.started
	out := make(map[audio.Channel]transcribe.Stats, len(s.adapters))
	for ch, a := range s.adapters {
		out[ch] = a.Stats()
	}
	return out
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) start(ctx context.Context) error {
	m := s.mgr
	ctx, span := observe.StartSessionSpan(ctx, "callsession.start", s.id)
	defer span.End()
	defer close(s.started)

	s.setState(StateStarting)

	stream, err := m.opener.Open(ctx, m.cfg.Device)
	if err != nil {
		return s.fail(span, fmt.Errorf("callsession: open device: %w", err), nil, nil)
	}
	if got, want := stream.Format(), m.cfg.Device.Format(); got != want {
		err := fmt.Errorf("callsession: %w: device delivers %s, layout needs %s",
			audio.ErrFrameAlignment, got, want)
		return s.fail(span, err, stream, nil)
	}

	adapters, err := s.startAdapters(ctx)
	if err != nil {
		return s.fail(span, err, stream, adapters)
	}

	s.mu.Lock()
	s.stream = stream
	for _, a := range adapters {
		s.adapters[a.Channel()] = a
		s.order = append(s.order, a.Channel())
	}
	s.live = len(adapters)
	s.mu.Unlock()

	s.setState(StateActive)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	s.sink.Send(protocol.SessionStarted(s.id))
	observe.WithTrace(ctx, s.log).Info("call session started",
		"mode", string(m.cfg.Device.Mode),
		"device", m.cfg.Device.Device,
		"channels", len(adapters),
	)

	go s.ingest()
	for _, a := range adapters {
		s.events.Add(1)
		go s.relay(a)
	}
	go s.watch()
	return nil
}

// startAdapters opens one adapter per channel concurrently. On error the
// adapters that did start are returned so the caller can release them.
func (s *Session) startAdapters(ctx context.Context) ([]*transcribe.Adapter, error) {
	m := s.mgr
	channels := m.channels()
	started := make([]*transcribe.Adapter, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range channels {
		g.Go(func() error {
			a, err := transcribe.Start(gctx, m.engine, m.adapterConfig(ch),
				transcribe.WithLogger(s.log),
				transcribe.WithMetrics(m.metrics),
			)
			if err != nil {
				return err
			}
			started[i] = a
			return nil
		})
	}
	err := g.Wait()

	out := started[:0]
	for _, a := range started {
		if a != nil {
			out = append(out, a)
		}
	}
	return out, err
}

// fail releases whatever start opened and moves the session to Failed.
func (s *Session) fail(span trace.Span, cause error, stream audio.Stream, adapters []*transcribe.Adapter) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.cfg.GracePeriod)
	defer cancel()

	stopAdapters(ctx, adapters)
	if stream != nil && !stopStream(ctx, stream) {
		s.log.Warn("audio device did not release after failed start", "grace", s.mgr.cfg.GracePeriod)
	}

	s.setState(StateFailed)
	s.mgr.registry.Remove(s)
	s.cancel()
	s.reportError(cause, "", true)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "start failed")

	s.stopOnce.Do(func() { close(s.done) })
	return cause
}

// ingest reads fixed-size chunks from the device and hands each channel's
// share to its adapter.
func (s *Session) ingest() {
	defer close(s.ingestDone)

	dev := s.mgr.cfg.Device
	layout := dev.Layout()
	aggregate := dev.Mode == audio.ModeAggregate
	buf := make([]byte, dev.ChunkBytes())

	for seq := uint64(0); ; seq++ {
		if _, err := io.ReadFull(s.stream, buf); err != nil {
			if s.State() != StateActive {
				return
			}
			if !errors.Is(err, audio.ErrDeviceDisconnected) {
				err = fmt.Errorf("%w: %w", audio.ErrDeviceDisconnected, err)
			}
			s.abort(fmt.Errorf("callsession: read device: %w", err), "")
			return
		}

		in := audio.Frame{Seq: seq, Data: append([]byte(nil), buf...)}
		op, cp, err := layout.Demux(in)
		if err != nil {
			s.abort(fmt.Errorf("callsession: demux: %w", err), "")
			return
		}
		if aggregate {
			s.push(op, dev.Operator.Count)
		}
		s.push(cp, dev.Counterparty.Count)
	}
}

func (s *Session) push(f audio.Frame, channels int) {
	a := s.adapters[f.Channel]
	if a == nil {
		return
	}
	if s.mgr.cfg.Device.Downmix && channels > 1 {
		f.Data = audio.DownmixToMono16(f.Data, channels)
	}
	if err := a.Push(f); err != nil && !errors.Is(err, transcribe.ErrDisabled) && !errors.Is(err, transcribe.ErrStopped) {
		s.log.Debug("push frame", "channel", string(f.Channel), "seq", f.Seq, "err", err)
	}
}

// relay forwards one adapter's transcripts and failures until both of its
// channels are closed.
func (s *Session) relay(a *transcribe.Adapter) {
	defer s.events.Done()
	transcripts, failures := a.Transcripts(), a.Failures()
	for transcripts != nil || failures != nil {
		select {
		case ev, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			s.onTranscript(ev)
		case f, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			s.onFailure(f)
		}
	}
}

func (s *Session) onTranscript(ev transcribe.Event) {
	m := s.mgr
	if m.metrics != nil {
		m.metrics.RecordTranscript(s.ctx, string(ev.Channel), ev.IsFinal)
	}

	text, raw := ev.Text, ""
	if ev.IsFinal && ev.Channel == audio.ChannelCounterparty && m.corrector != nil {
		if res := m.corrector.Correct(ev.Text); res.Changed() {
			text, raw = res.Corrected, ev.Text
			s.log.Debug("corrected product names", "event_id", ev.ID, "corrections", len(res.Corrections))
		}
	}

	s.sink.Send(protocol.Transcript(s.id, ev.ID, string(ev.Channel), text, ev.IsFinal, ev.Confidence, ev.Timestamp))
	if !ev.IsFinal {
		return
	}

	history := s.history.Messages()
	s.history.Add(ev.Channel, text)
	if m.journal != nil {
		m.journal.Record(calllog.Entry{
			SessionID:  s.id,
			Kind:       calllog.KindTranscript,
			EventID:    ev.ID,
			Channel:    string(ev.Channel),
			Text:       text,
			RawText:    raw,
			Confidence: ev.Confidence,
			Offset:     ev.Timestamp,
			At:         time.Now(),
		})
	}

	if ev.Channel == audio.ChannelCounterparty && m.generator != nil && s.State() == StateActive {
		s.requestAssistance(ev.ID, text, history)
	}
}

// requestAssistance asks for assistance for one counterparty final without blocking the
// transcript relay. The result is correlated with eventID.
func (s *Session) requestAssistance(eventID, text string, history []llm.Message) {
	s.mu.Lock()
	if s.assistClosed {
		s.mu.Unlock()
		return
	}
	s.assists.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.assists.Done()
		out, err := s.mgr.generator.Generate(s.ctx, assist.Request{
			SessionID:    s.id,
			TranscriptID: eventID,
			Utterance:    text,
			History:      history,
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.reportError(err, audio.ChannelCounterparty, false)
			return
		}
		s.sink.Send(protocol.Assistance(s.id, eventID, out))
		if j := s.mgr.journal; j != nil {
			j.Record(calllog.Entry{
				SessionID: s.id,
				Kind:      calllog.KindAssistance,
				EventID:   eventID,
				Text:      out,
				At:        time.Now(),
			})
		}
	}()
}

func (s *Session) onFailure(f transcribe.Failure) {
	s.mu.Lock()
	s.failures++
	if f.Fatal {
		s.degraded = append(s.degraded, f.Channel)
		s.live--
	}
	live := s.live
	s.mu.Unlock()

	if !f.Fatal {
		s.log.Warn("transcription engine failed; reconnecting", "channel", string(f.Channel), "err", f.Err)
		return
	}
	if s.State() != StateActive {
		s.log.Warn("transcription engine failed while stopping", "channel", string(f.Channel), "err", f.Err)
		return
	}
	if live > 0 {
		s.reportError(f.Err, f.Channel, false)
		return
	}
	s.abort(f.Err, f.Channel)
}

// abort reports err as a session-ending failure and stops the session.
func (s *Session) abort(err error, ch audio.Channel) {
	if s.State() != StateActive || !s.ending.CompareAndSwap(false, true) {
		return
	}
	s.reportError(err, ch, true)
	go func() { _ = s.Stop(context.Background()) }()
}

// watch stops the session when the client goes away.
func (s *Session) watch() {
	select {
	case <-s.sink.Done():
		if s.State() != StateActive || !s.ending.CompareAndSwap(false, true) {
			return
		}
		s.reportError(ErrDeliveryLost, "", true)
		_ = s.Stop(context.Background())
	case <-s.done:
	}
}

// reportError sends the single session-error message for one failure.
func (s *Session) reportError(err error, ch audio.Channel, aborted bool) {
	kind := KindOf(err)
	level := slog.LevelWarn
	if aborted {
		level = slog.LevelError
	}
	s.log.Log(context.Background(), level, "session error",
		"kind", string(kind),
		"channel", string(ch),
		"aborted", aborted,
		"err", err,
	)
	if s.mgr.metrics != nil {
		s.mgr.metrics.RecordSessionError(context.Background(), string(kind))
	}
	s.sink.Send(protocol.SessionError(s.id, string(kind), string(ch), aborted, err.Error()))
}

// Stop ends the session: the device is stopped first, then every adapter is
// finalized and closed, then in-flight assistance is cancelled. The whole
// sequence is bounded by the manager's grace period; whatever has not
// finished by then is abandoned and Stop returns an error wrapping
// [ErrAbandoned]. If ctx ends first Stop returns ctx's error while the
// shutdown continues in the background.
//
// Stop is idempotent and safe to call from any goroutine.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.ending.Store(true)
		go s.shutdown()
	})
	select {
	case <-s.done:
		return s.stopErr
	case <-ctx.Done():
		return fmt.Errorf("callsession: stop %s: %w", s.id, ctx.Err())
	}
}

func (s *Session) shutdown() {
	defer close(s.done)
	<-s.started
	if s.State() == StateFailed {
		return
	}

	m := s.mgr
	grace := m.cfg.GracePeriod
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	ctx, span := observe.StartSessionSpan(ctx, "callsession.stop", s.id)
	defer span.End()

	s.setState(StateStopping)
	var abandoned []string

	if !stopStream(ctx, s.stream) {
		abandoned = append(abandoned, "audio device")
	} else if !wait(ctx, s.ingestDone) {
		abandoned = append(abandoned, "ingestion")
	}

	adapters := make([]*transcribe.Adapter, 0, len(s.order))
	for _, ch := range s.order {
		adapters = append(adapters, s.adapters[ch])
	}
	if err := stopAdapters(ctx, adapters); err != nil {
		abandoned = append(abandoned, "transcription")
		s.log.Warn("transcription did not stop cleanly", "err", err)
	}

	relayed := make(chan struct{})
	go func() {
		s.events.Wait()
		close(relayed)
	}()
	if !wait(ctx, relayed) {
		abandoned = append(abandoned, "transcript relay")
	}

	s.mu.Lock()
	s.assistClosed = true
	s.mu.Unlock()
	s.cancel()
	assisted := make(chan struct{})
	go func() {
		s.assists.Wait()
		close(assisted)
	}()
	if !wait(ctx, assisted) {
		abandoned = append(abandoned, "assistance")
	}

	s.setState(StateStopped)
	m.registry.Remove(s)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if len(abandoned) > 0 {
		s.stopErr = fmt.Errorf("callsession: %s: %w: %s", s.id, ErrAbandoned, strings.Join(abandoned, ", "))
		span.RecordError(s.stopErr)
		s.log.Warn("abandoned session resources after grace period",
			"parts", abandoned,
			"grace", grace,
		)
	}
	s.sink.Send(protocol.SessionStopped(s.id))
	s.log.Info("call session stopped", "duration", time.Since(s.startedAt).Round(time.Millisecond))
}

// stopStream stops the device, giving up when ctx ends first.
func stopStream(ctx context.Context, stream audio.Stream) bool {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := stream.Stop(); err != nil {
			slog.Warn("stop audio device", "err", err)
		}
	}()
	return wait(ctx, stopped)
}

// stopAdapters stops every adapter in parallel under ctx.
func stopAdapters(ctx context.Context, adapters []*transcribe.Adapter) error {
	errs := make([]error, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			errs[i] = a.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// wait reports whether done closed before ctx ended. An already closed done
// wins over an expired ctx.
func wait(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

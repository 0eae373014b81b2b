package callsession_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callpilot/internal/assist"
	"github.com/MrWong99/callpilot/internal/calllog"
	"github.com/MrWong99/callpilot/internal/callsession"
	"github.com/MrWong99/callpilot/internal/callsession/mock"
	"github.com/MrWong99/callpilot/internal/transcribe"
	"github.com/MrWong99/callpilot/internal/transcript"
	"github.com/MrWong99/callpilot/pkg/audio"
	audiomock "github.com/MrWong99/callpilot/pkg/audio/mock"
	"github.com/MrWong99/callpilot/pkg/protocol"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
	sttmock "github.com/MrWong99/callpilot/pkg/provider/stt/mock"
)

const waitTimeout = 3 * time.Second

func aggregateDevice() audio.DeviceConfig {
	return audio.DeviceConfig{
		Mode:          audio.ModeAggregate,
		Driver:        "test",
		Device:        "aggregate-1",
		SampleRate:    16000,
		BitDepth:      16,
		FrameDuration: time.Millisecond,
		Operator:      audio.ChannelGroup{Offset: 0, Count: 2},
		Counterparty:  audio.ChannelGroup{Offset: 2, Count: 2},
	}
}

func singleDevice() audio.DeviceConfig {
	return audio.DeviceConfig{
		Mode:          audio.ModeSingle,
		Driver:        "test",
		Device:        "loopback-1",
		SampleRate:    16000,
		BitDepth:      16,
		FrameDuration: 10 * time.Millisecond,
		Counterparty:  audio.ChannelGroup{Offset: 0, Count: 1},
	}
}

type harness struct {
	cfg    callsession.Config
	opener *audiomock.Opener
	engine *sttmock.Provider
	mgr    *callsession.Manager
}

func newHarness(t *testing.T, dev audio.DeviceConfig, opts ...callsession.Option) *harness {
	t.Helper()
	return newHarnessWith(t, callsession.Config{Device: dev}, &audiomock.Opener{}, &sttmock.Provider{}, opts...)
}

func newHarnessWith(t *testing.T, cfg callsession.Config, opener *audiomock.Opener, engine *sttmock.Provider, opts ...callsession.Option) *harness {
	t.Helper()
	cfg.Transcription.FinalizeTimeout = 200 * time.Millisecond
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	opts = append([]callsession.Option{callsession.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	mgr, err := callsession.NewManager(cfg, opener, engine, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &harness{cfg: cfg, opener: opener, engine: engine, mgr: mgr}
}

func (h *harness) start(t *testing.T, id string, sink *mock.Sink) *callsession.Session {
	t.Helper()
	s, err := h.mgr.Start(t.Context(), id, sink)
	if err != nil {
		t.Fatalf("Start(%q): %v", id, err)
	}
	return s
}

// stream returns the most recently opened device stream.
func (h *harness) stream(t *testing.T) *audiomock.Stream {
	t.Helper()
	if len(h.opener.Opened) == 0 {
		t.Fatal("no stream opened")
	}
	return h.opener.Opened[len(h.opener.Opened)-1]
}

// chunk builds one interleaved chunk whose operator samples are all op and
// whose counterparty samples are all cp.
func chunk(t *testing.T, dev audio.DeviceConfig, op, cp byte) []byte {
	t.Helper()
	l := dev.Layout()
	frames := dev.ChunkBytes() / l.Width()
	opData := bytes.Repeat([]byte{op}, frames*l.Operator.Count*l.BytesPerSample)
	cpData := bytes.Repeat([]byte{cp}, frames*l.Counterparty.Count*l.BytesPerSample)
	out, err := l.Interleave(opData, cpData)
	if err != nil {
		t.Fatalf("Interleave: %v", err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, s *callsession.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session %s did not finish; state %s", s.ID(), s.State())
	}
}

func sentCount(p *sttmock.Provider, i int) int {
	s := p.Session(i)
	if s == nil {
		return 0
	}
	return len(s.SentChunks())
}

// sessionsByChannel feeds one marked chunk and reports which engine session
// belongs to which channel.
func sessionsByChannel(t *testing.T, h *harness) (op, cp *sttmock.Session) {
	t.Helper()
	h.stream(t).Feed(chunk(t, h.cfg.Device, 0x01, 0x81))
	waitFor(t, "marked chunk", func() bool { return sentCount(h.engine, 0) == 1 && sentCount(h.engine, 1) == 1 })
	for i := range 2 {
		s := h.engine.Session(i)
		if s.SentChunks()[0][0] == 0x01 {
			op = s
		} else {
			cp = s
		}
	}
	if op == nil || cp == nil {
		t.Fatal("could not tell channels apart")
	}
	return op, cp
}

func sessionErrors(sink *mock.Sink) []protocol.Message {
	return sink.OfType(protocol.TypeSessionError)
}

func stopSession(t *testing.T, s *callsession.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSession_AggregateSplitsEveryFrame(t *testing.T) {
	t.Parallel()

	dev := aggregateDevice()
	h := newHarness(t, dev)
	sink := mock.NewSink()
	s := h.start(t, "call-1", sink)

	const frames = 100
	for seq := range frames {
		h.stream(t).Feed(chunk(t, dev, byte(seq), byte(seq)|0x80))
	}
	waitFor(t, "100 frames per channel", func() bool {
		return sentCount(h.engine, 0) == frames && sentCount(h.engine, 1) == frames
	})

	// 16 samples per 1ms frame, 2 channels of 16-bit audio per group.
	const groupBytes = 16 * 2 * 2
	seen := map[bool]bool{}
	for i := range 2 {
		chunks := h.engine.Session(i).SentChunks()
		operator := chunks[0][0] < 0x80
		seen[operator] = true
		for seq, c := range chunks {
			want := byte(seq)
			if !operator {
				want |= 0x80
			}
			if len(c) != groupBytes {
				t.Fatalf("session %d chunk %d: %d bytes, want %d", i, seq, len(c), groupBytes)
			}
			if c != string(bytes.Repeat([]byte{want}, groupBytes)) {
				t.Fatalf("session %d chunk %d: wrong samples (operator=%v)", i, seq, operator)
			}
		}
	}
	if !seen[true] || !seen[false] {
		t.Fatalf("both channels must reach an engine session, got %v", seen)
	}

	for ch, st := range s.ChannelStats() {
		if st.Gaps != 0 || st.Dropped != 0 {
			t.Errorf("%s: gaps=%d dropped=%d, want 0", ch, st.Gaps, st.Dropped)
		}
	}

	stopSession(t, s)
	if got := s.State(); got != callsession.StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
	if !h.stream(t).Stopped() {
		t.Error("device not stopped")
	}
	for i := range 2 {
		if !h.engine.Session(i).Closed() {
			t.Errorf("engine session %d not closed", i)
		}
	}
	if n := h.mgr.Registry().Len(); n != 0 {
		t.Errorf("registry holds %d sessions", n)
	}

	msgs := sink.Messages()
	if msgs[0].Type != protocol.TypeSessionStarted || msgs[len(msgs)-1].Type != protocol.TypeSessionStopped {
		t.Errorf("messages = %+v, want started first and stopped last", msgs)
	}
	if errs := sessionErrors(sink); len(errs) != 0 {
		t.Errorf("unexpected session errors: %+v", errs)
	}
}

// blockingGenerator holds every request until release is closed.
type blockingGenerator struct {
	mu       sync.Mutex
	requests []assist.Request

	release chan struct{}
	reply   string
	err     error
}

func (g *blockingGenerator) Generate(ctx context.Context, req assist.Request) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.reply, g.err
}

func (g *blockingGenerator) Requests() []assist.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.requests)
}

func TestSession_AssistanceCorrelatesWithFinal(t *testing.T) {
	t.Parallel()

	gen := &blockingGenerator{release: make(chan struct{}), reply: "Quote the 10-pack tier."}
	h := newHarness(t, singleDevice(), callsession.WithGenerator(gen))
	sink := mock.NewSink()
	s := h.start(t, "call-2", sink)
	es := h.engine.Session(0)

	es.Emit(stt.Transcript{Text: "what's the price for 10 units", IsFinal: true, Confidence: 0.92})
	waitFor(t, "assistance request", func() bool { return len(gen.Requests()) == 1 })

	for _, text := range []string{"and", "and the", "and the delivery"} {
		es.Emit(stt.Transcript{Text: text, Confidence: 0.4})
	}
	waitFor(t, "later transcripts", func() bool { return len(sink.OfType(protocol.TypeTranscript)) == 4 })
	if n := len(sink.OfType(protocol.TypeAssistance)); n != 0 {
		t.Fatalf("assistance delivered before generator returned: %d", n)
	}

	close(gen.release)
	waitFor(t, "assistance", func() bool { return len(sink.OfType(protocol.TypeAssistance)) == 1 })

	transcripts := sink.OfType(protocol.TypeTranscript)
	got := sink.OfType(protocol.TypeAssistance)[0]
	if got.CorrelatesWith != transcripts[0].ID {
		t.Errorf("correlatesWith = %q, want %q", got.CorrelatesWith, transcripts[0].ID)
	}
	if got.Text != gen.reply {
		t.Errorf("assistance text = %q", got.Text)
	}

	reqs := gen.Requests()
	if len(reqs) != 1 {
		t.Fatalf("generator called %d times, want 1", len(reqs))
	}
	if reqs[0].Utterance != "what's the price for 10 units" || reqs[0].TranscriptID != transcripts[0].ID {
		t.Errorf("request = %+v", reqs[0])
	}

	msgs := sink.Messages()
	assistAt := slices.IndexFunc(msgs, func(m protocol.Message) bool { return m.Type == protocol.TypeAssistance })
	lastTranscript := slices.IndexFunc(msgs, func(m protocol.Message) bool { return m.ID == transcripts[3].ID })
	if assistAt < lastTranscript {
		t.Errorf("assistance at %d delivered before later transcript at %d", assistAt, lastTranscript)
	}

	stopSession(t, s)
}

func TestSession_AssistanceErrorsKeepSessionActive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want callsession.Kind
	}{
		{"timeout", fmt.Errorf("assist: %w", assist.ErrTimeout), callsession.KindAssistanceTimeout},
		{"failed", fmt.Errorf("assist: %w: boom", assist.ErrFailed), callsession.KindAssistanceFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gen := &blockingGenerator{err: tt.err}
			h := newHarness(t, singleDevice(), callsession.WithGenerator(gen))
			sink := mock.NewSink()
			s := h.start(t, "call-"+tt.name, sink)

			h.engine.Session(0).Emit(stt.Transcript{Text: "do you ship abroad", IsFinal: true})
			waitFor(t, "session error", func() bool { return len(sessionErrors(sink)) == 1 })

			e := sessionErrors(sink)[0]
			if e.Kind != string(tt.want) || e.Aborted || e.Channel != string(audio.ChannelCounterparty) {
				t.Errorf("session error = %+v", e)
			}
			if s.State() != callsession.StateActive {
				t.Errorf("state = %s, want active", s.State())
			}
			stopSession(t, s)
		})
	}
}

func TestSession_CorrectsProductNamesAndJournals(t *testing.T) {
	t.Parallel()

	store := calllog.NewMemoryStore()
	rec := calllog.NewRecorder(store)
	gen := &blockingGenerator{reply: "Eldrinax ships in packs of 12."}
	h := newHarness(t, singleDevice(),
		callsession.WithCorrector(transcript.NewPipeline([]string{"Eldrinax", "Grimjaw", "Silver Tower"})),
		callsession.WithGenerator(gen),
		callsession.WithJournal(rec),
	)
	sink := mock.NewSink()
	s := h.start(t, "call-3", sink)

	h.engine.Session(0).Emit(stt.Transcript{Text: "can I get elder nacks in bulk?", IsFinal: true, Confidence: 0.8})
	waitFor(t, "assistance", func() bool { return len(sink.OfType(protocol.TypeAssistance)) == 1 })
	stopSession(t, s)

	if got := sink.OfType(protocol.TypeTranscript)[0].Text; got != "can I get Eldrinax in bulk?" {
		t.Errorf("delivered text = %q", got)
	}
	if got := gen.Requests()[0].Utterance; got != "can I get Eldrinax in bulk?" {
		t.Errorf("assistance utterance = %q", got)
	}

	if err := rec.Close(t.Context()); err != nil {
		t.Fatalf("Close recorder: %v", err)
	}
	entries, err := store.Session(t.Context(), "call-3")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want transcript and assistance", entries)
	}
	if e := entries[0]; e.Kind != calllog.KindTranscript || e.RawText != "can I get elder nacks in bulk?" || e.Channel != "counterparty" {
		t.Errorf("transcript entry = %+v", e)
	}
	if e := entries[1]; e.Kind != calllog.KindAssistance || e.EventID != entries[0].EventID {
		t.Errorf("assistance entry = %+v", e)
	}
}

func TestManager_StartFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		dev       audio.DeviceConfig
		opener    func() *audiomock.Opener
		engine    func() *sttmock.Provider
		want      error
		wantKind  callsession.Kind
		wantCalls int
	}{
		{
			name: "device busy",
			dev:  aggregateDevice(),
			opener: func() *audiomock.Opener {
				return &audiomock.Opener{OpenErr: fmt.Errorf("%w: held by softphone", audio.ErrDeviceBusy)}
			},
			engine:   func() *sttmock.Provider { return &sttmock.Provider{} },
			want:     audio.ErrDeviceBusy,
			wantKind: callsession.KindDeviceBusy,
		},
		{
			name: "device missing",
			dev:  singleDevice(),
			opener: func() *audiomock.Opener {
				return &audiomock.Opener{OpenErr: fmt.Errorf("%w: no such device", audio.ErrDeviceUnavailable)}
			},
			engine:   func() *sttmock.Provider { return &sttmock.Provider{} },
			want:     audio.ErrDeviceUnavailable,
			wantKind: callsession.KindDeviceUnavailable,
		},
		{
			name: "device format mismatch",
			dev:  singleDevice(),
			opener: func() *audiomock.Opener {
				return &audiomock.Opener{Stream: audiomock.NewStream(audio.Format{SampleRate: 16000, Channels: 2, BitDepth: 16})}
			},
			engine:   func() *sttmock.Provider { return &sttmock.Provider{} },
			want:     audio.ErrFrameAlignment,
			wantKind: callsession.KindFrameAlignment,
		},
		{
			name:      "engine unreachable",
			dev:       aggregateDevice(),
			opener:    func() *audiomock.Opener { return &audiomock.Opener{} },
			engine:    func() *sttmock.Provider { return &sttmock.Provider{StartStreamErr: errors.New("401 unauthorized")} },
			want:      transcribe.ErrEngineConnect,
			wantKind:  callsession.KindEngineConnect,
			wantCalls: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarnessWith(t, callsession.Config{Device: tt.dev}, tt.opener(), tt.engine())
			sink := mock.NewSink()

			s, err := h.mgr.Start(t.Context(), "call-f", sink)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start error = %v, want %v", err, tt.want)
			}
			if s == nil || s.State() != callsession.StateFailed {
				t.Fatalf("session = %v, want failed", s)
			}
			waitDone(t, s)
			if err := s.Stop(t.Context()); err != nil {
				t.Errorf("Stop on failed session: %v", err)
			}
			if n := h.engine.StartStreamCallCount(); (tt.wantCalls == 0) != (n == 0) || n > tt.wantCalls {
				t.Errorf("StartStream calls = %d, want up to %d", n, tt.wantCalls)
			}
			for _, st := range h.opener.Opened {
				if !st.Stopped() {
					t.Error("device left open")
				}
			}
			if n := h.mgr.Registry().Len(); n != 0 {
				t.Errorf("registry holds %d sessions", n)
			}

			errs := sessionErrors(sink)
			if len(errs) != 1 {
				t.Fatalf("session errors = %+v, want exactly one", errs)
			}
			if errs[0].Kind != string(tt.wantKind) || !errs[0].Aborted {
				t.Errorf("session error = %+v", errs[0])
			}
			if n := len(sink.OfType(protocol.TypeSessionStarted)); n != 0 {
				t.Errorf("session-started sent for failed start")
			}
		})
	}
}

func TestManager_PartialEngineStartReleasesAdapters(t *testing.T) {
	t.Parallel()

	engine := &sttmock.Provider{StartStreamErrs: []error{nil, errors.New("quota exceeded")}}
	h := newHarnessWith(t, callsession.Config{Device: aggregateDevice()}, &audiomock.Opener{}, engine)

	s, err := h.mgr.Start(t.Context(), "call-p", mock.NewSink())
	if !errors.Is(err, transcribe.ErrEngineConnect) {
		t.Fatalf("Start error = %v", err)
	}
	waitDone(t, s)
	if engine.SessionCount() != 1 {
		t.Fatalf("engine sessions = %d, want 1", engine.SessionCount())
	}
	if !engine.Session(0).Closed() {
		t.Error("started adapter was not stopped")
	}

	// The device lock is released, so the next start succeeds.
	stopSession(t, h.start(t, "call-p2", mock.NewSink()))
}

func TestManager_DeviceHeldBySecondSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleDevice())
	first := h.start(t, "call-a", mock.NewSink())

	sink := mock.NewSink()
	second, err := h.mgr.Start(t.Context(), "call-b", sink)
	if !errors.Is(err, audio.ErrDeviceBusy) {
		t.Fatalf("second Start error = %v, want device busy", err)
	}
	if second.State() != callsession.StateFailed {
		t.Errorf("second state = %s", second.State())
	}
	if h.engine.StartStreamCallCount() != 1 {
		t.Errorf("StartStream calls = %d, want 1", h.engine.StartStreamCallCount())
	}
	if first.State() != callsession.StateActive {
		t.Errorf("first session disturbed: %s", first.State())
	}
	if errs := sessionErrors(sink); len(errs) != 1 || errs[0].Kind != string(callsession.KindDeviceBusy) {
		t.Errorf("session errors = %+v", errs)
	}
	stopSession(t, first)
}

func TestSession_OneChannelFatalKeepsSessionActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, aggregateDevice())
	sink := mock.NewSink()
	s := h.start(t, "call-4", sink)
	op, cp := sessionsByChannel(t, h)

	op.Fail(errors.New("socket reset"))
	waitFor(t, "reconnect", func() bool { return h.engine.SessionCount() == 3 })
	h.engine.Session(2).Fail(errors.New("socket reset again"))
	waitFor(t, "session error", func() bool { return len(sessionErrors(sink)) == 1 })

	e := sessionErrors(sink)[0]
	if e.Kind != string(callsession.KindEngineFatal) || e.Channel != string(audio.ChannelOperator) || e.Aborted {
		t.Errorf("session error = %+v", e)
	}
	if s.State() != callsession.StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}

	info := s.Info()
	if !slices.Equal(info.Degraded, []string{"operator"}) || !slices.Equal(info.Channels, []string{"counterparty"}) {
		t.Errorf("info = %+v", info)
	}
	if info.EngineFailures != 2 {
		t.Errorf("engine failures = %d, want 2", info.EngineFailures)
	}

	cp.Emit(stt.Transcript{Text: "still there?", IsFinal: true})
	waitFor(t, "counterparty transcript", func() bool {
		for _, m := range sink.OfType(protocol.TypeTranscript) {
			if m.Channel == "counterparty" && m.Text == "still there?" {
				return true
			}
		}
		return false
	})

	stopSession(t, s)
	if n := len(sessionErrors(sink)); n != 1 {
		t.Errorf("session errors = %d, want 1", n)
	}
}

func TestSession_AllChannelsFatalAbortsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, aggregateDevice())
	sink := mock.NewSink()
	s := h.start(t, "call-5", sink)

	h.engine.Session(0).Fail(errors.New("reset"))
	h.engine.Session(1).Fail(errors.New("reset"))
	waitFor(t, "reconnects", func() bool { return h.engine.SessionCount() == 4 })
	h.engine.Session(2).Fail(errors.New("reset again"))
	h.engine.Session(3).Fail(errors.New("reset again"))

	waitDone(t, s)
	if s.State() != callsession.StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
	errs := sessionErrors(sink)
	if len(errs) != 2 {
		t.Fatalf("session errors = %+v, want one per channel", errs)
	}
	aborted := 0
	for _, e := range errs {
		if e.Kind != string(callsession.KindEngineFatal) {
			t.Errorf("kind = %q", e.Kind)
		}
		if e.Aborted {
			aborted++
		}
	}
	if aborted != 1 {
		t.Errorf("aborted errors = %d, want 1", aborted)
	}
	msgs := sink.Messages()
	if msgs[len(msgs)-1].Type != protocol.TypeSessionStopped {
		t.Errorf("last message = %+v", msgs[len(msgs)-1])
	}
	if h.mgr.Registry().Len() != 0 {
		t.Error("session still registered")
	}
}

func TestSession_DeviceDisconnectAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleDevice())
	sink := mock.NewSink()
	s := h.start(t, "call-6", sink)

	h.stream(t).Disconnect()
	waitDone(t, s)

	errs := sessionErrors(sink)
	if len(errs) != 1 || errs[0].Kind != string(callsession.KindDeviceDisconnected) || !errs[0].Aborted {
		t.Fatalf("session errors = %+v", errs)
	}
	if !h.engine.Session(0).Closed() {
		t.Error("engine session left open")
	}
}

func TestSession_DeliveryLossStopsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleDevice())
	sink := mock.NewSink()
	s := h.start(t, "call-7", sink)

	sink.Close()
	waitDone(t, s)

	if s.State() != callsession.StateStopped {
		t.Errorf("state = %s", s.State())
	}
	errs := sessionErrors(sink)
	if len(errs) != 1 || errs[0].Kind != string(callsession.KindDeliveryLost) {
		t.Errorf("session errors = %+v", errs)
	}
	if err := h.engine.Session(0).Err(); err != nil {
		t.Errorf("engine session ended abnormally: %v", err)
	}
}

func TestSession_ConcurrentFailuresReportOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		race func(s *callsession.Session, dev *audiomock.Stream, sink *mock.Sink)
	}{
		{
			name: "aborts and delivery loss",
			race: func(s *callsession.Session, _ *audiomock.Stream, sink *mock.Sink) {
				s.Abort(audio.ErrDeviceDisconnected, "")
				sink.Close()
			},
		},
		{
			name: "aborts and device disconnect",
			race: func(s *callsession.Session, dev *audiomock.Stream, _ *mock.Sink) {
				s.Abort(transcribe.ErrEngineFatal, audio.ChannelCounterparty)
				dev.Disconnect()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, singleDevice())
			sink := mock.NewSink()
			s := h.start(t, "call-race", sink)
			dev := h.stream(t)

			var wg sync.WaitGroup
			gate := make(chan struct{})
			for range 8 {
				wg.Go(func() {
					<-gate
					tt.race(s, dev, sink)
				})
			}
			close(gate)
			wg.Wait()
			waitDone(t, s)

			var aborted int
			for _, m := range sessionErrors(sink) {
				if m.Aborted {
					aborted++
				}
			}
			if aborted != 1 {
				t.Errorf("aborting session errors = %d, want 1: %+v", aborted, sessionErrors(sink))
			}
		})
	}
}

func TestSession_StopSuppressesLaterAbort(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleDevice())
	sink := mock.NewSink()
	s := h.start(t, "call-stop-abort", sink)

	stopSession(t, s)
	s.Abort(audio.ErrDeviceDisconnected, "")
	sink.Close()

	if errs := sessionErrors(sink); len(errs) != 0 {
		t.Errorf("session errors after stop = %+v", errs)
	}
}

func TestSession_StopAbandonsAfterGrace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(h *harness) (release func())
	}{
		{
			name: "device will not release",
			setup: func(h *harness) func() {
				block := make(chan struct{})
				h.opener.Opened[0].StopBlock = block
				return func() { close(block) }
			},
		},
		{
			name: "engine will not close",
			setup: func(h *harness) func() {
				block := make(chan struct{})
				h.engine.Session(0).CloseBlock = block
				return func() { close(block) }
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := callsession.Config{Device: singleDevice(), GracePeriod: 100 * time.Millisecond}
			h := newHarnessWith(t, cfg, &audiomock.Opener{}, &sttmock.Provider{})
			sink := mock.NewSink()
			s := h.start(t, "call-8", sink)
			release := tt.setup(h)
			t.Cleanup(release)

			begin := time.Now()
			err := s.Stop(t.Context())
			if !errors.Is(err, callsession.ErrAbandoned) {
				t.Fatalf("Stop error = %v, want abandoned", err)
			}
			if d := time.Since(begin); d > time.Second {
				t.Errorf("Stop took %s", d)
			}
			if s.State() != callsession.StateStopped {
				t.Errorf("state = %s", s.State())
			}
			if h.mgr.Registry().Len() != 0 {
				t.Error("session still registered")
			}
			msgs := sink.Messages()
			if msgs[len(msgs)-1].Type != protocol.TypeSessionStopped {
				t.Errorf("last message = %+v", msgs[len(msgs)-1])
			}
		})
	}
}

func TestManager_Registry(t *testing.T) {
	t.Parallel()

	h := newHarnessWith(t, callsession.Config{Device: singleDevice(), MaxSessions: 1}, &audiomock.Opener{}, &sttmock.Provider{})
	s := h.start(t, "call-9", mock.NewSink())

	if got, ok := h.mgr.Get("call-9"); !ok || got != s {
		t.Fatalf("Get = %v, %v", got, ok)
	}
	if infos := h.mgr.Sessions(); len(infos) != 1 || infos[0].ID != "call-9" || infos[0].State != callsession.StateActive {
		t.Errorf("Sessions = %+v", infos)
	}

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"duplicate", "call-9", callsession.ErrSessionExists},
		{"capacity", "call-10", callsession.ErrCapacity},
	}
	for _, tt := range tests {
		sink := mock.NewSink()
		got, err := h.mgr.Start(t.Context(), tt.id, sink)
		if !errors.Is(err, tt.want) || got != nil {
			t.Errorf("%s: Start = %v, %v; want nil, %v", tt.name, got, err, tt.want)
		}
		if errs := sessionErrors(sink); len(errs) != 1 || errs[0].Kind != string(callsession.KindRejected) {
			t.Errorf("%s: session errors = %+v", tt.name, errs)
		}
	}
	if s.State() != callsession.StateActive {
		t.Errorf("rejected start disturbed the active session: %s", s.State())
	}

	if err := h.mgr.Stop(t.Context(), "call-9"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.mgr.Stop(t.Context(), "call-9"); !errors.Is(err, callsession.ErrSessionNotFound) {
		t.Errorf("second Stop = %v, want not found", err)
	}

	generated := h.start(t, "", mock.NewSink())
	if _, err := uuid.Parse(generated.ID()); err != nil {
		t.Errorf("generated ID %q: %v", generated.ID(), err)
	}

	if err := h.mgr.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if generated.State() != callsession.StateStopped {
		t.Errorf("state after shutdown = %s", generated.State())
	}
	if _, err := h.mgr.Start(t.Context(), "late", mock.NewSink()); !errors.Is(err, callsession.ErrClosed) {
		t.Errorf("Start after shutdown = %v, want closed", err)
	}
}

func TestNewManager_InvalidConfig(t *testing.T) {
	t.Parallel()

	dev := aggregateDevice()
	dev.BitDepth = 32
	dev.Downmix = true
	if _, err := callsession.NewManager(callsession.Config{Device: dev}, &audiomock.Opener{}, &sttmock.Provider{}); err == nil {
		t.Error("downmix of 32-bit audio accepted")
	}
	if _, err := callsession.NewManager(callsession.Config{Device: singleDevice()}, nil, &sttmock.Provider{}); err == nil {
		t.Error("nil opener accepted")
	}
}

func TestSession_DownmixSendsMono(t *testing.T) {
	t.Parallel()

	dev := aggregateDevice()
	dev.Downmix = true
	h := newHarness(t, dev)
	s := h.start(t, "call-11", mock.NewSink())

	for _, call := range h.engine.StartStreamCalls {
		if call.Cfg.Channels != 1 {
			t.Errorf("engine stream channels = %d, want 1", call.Cfg.Channels)
		}
	}
	h.stream(t).Feed(chunk(t, dev, 0x01, 0x02))
	waitFor(t, "frames", func() bool { return sentCount(h.engine, 0) == 1 && sentCount(h.engine, 1) == 1 })
	for i := range 2 {
		if got := len(h.engine.Session(i).SentChunks()[0]); got != 16*2 {
			t.Errorf("session %d chunk = %d bytes, want mono 32", i, got)
		}
	}
	stopSession(t, s)
}

package app_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callpilot/internal/app"
	"github.com/MrWong99/callpilot/internal/calllog"
	"github.com/MrWong99/callpilot/internal/config"
	"github.com/MrWong99/callpilot/internal/observe"
	"github.com/MrWong99/callpilot/pkg/audio"
	audiomock "github.com/MrWong99/callpilot/pkg/audio/mock"
	"github.com/MrWong99/callpilot/pkg/protocol"
	"github.com/MrWong99/callpilot/pkg/provider/llm"
	llmmock "github.com/MrWong99/callpilot/pkg/provider/llm/mock"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
	sttmock "github.com/MrWong99/callpilot/pkg/provider/stt/mock"
)

var quiet = slog.New(slog.DiscardHandler)

// testConfig returns a single-device config with one product and room for
// one call.
func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram"},
			LLM: config.ProviderEntry{Name: "openai"},
		},
		Device: audio.DeviceConfig{
			Driver:        "test",
			Device:        "cable-output",
			FrameDuration: 10 * time.Millisecond,
		},
		Transcription: config.TranscriptionConfig{
			Products:        []string{"Grimjaw"},
			FinalizeTimeout: 200 * time.Millisecond,
		},
		Session: config.SessionConfig{GracePeriod: time.Second, MaxSessions: 1},
		CallLog: config.CallLogConfig{Backend: config.CallLogMemory},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

type fixture struct {
	app    *app.App
	engine *sttmock.Provider
	llm    *llmmock.Provider
	store  *calllog.MemoryStore
	level  *slog.LevelVar
	url    string
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		engine: &sttmock.Provider{},
		llm:    &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Quote the bulk price."}},
		store:  calllog.NewMemoryStore(),
		level:  new(slog.LevelVar),
	}
	a, err := app.New(t.Context(), cfg, &app.Providers{
		STT:   f.engine,
		LLM:   f.llm,
		Audio: &audiomock.Opener{},
	},
		app.WithLogger(quiet),
		app.WithLevelVar(f.level),
		app.WithMetrics(metrics),
		app.WithCallLogStore(f.store),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	f.app = a

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		ts.Close()
	})
	f.url = ts.URL
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(t.Context(), "ws"+strings.TrimPrefix(f.url, "http")+"/v1/live", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func next(t *testing.T, c *websocket.Conn, want protocol.Type) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	for {
		var m protocol.Message
		if err := wsjson.Read(ctx, c, &m); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if m.Type == want {
			return m
		}
	}
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(t.Context(), testConfig(), &app.Providers{STT: &sttmock.Provider{}})
	if err == nil {
		t.Fatal("New() without an audio opener succeeded")
	}
}

func TestApp_CallFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	if got := getStatus(t, f.url+"/healthz"); got != http.StatusOK {
		t.Fatalf("/healthz = %d", got)
	}
	if got := getStatus(t, f.url+"/readyz"); got != http.StatusOK {
		t.Fatalf("/readyz before call = %d", got)
	}

	c := f.dial(t)
	if err := wsjson.Write(t.Context(), c, protocol.Message{Type: protocol.TypeStartSession, SessionID: "call-1"}); err != nil {
		t.Fatal(err)
	}
	next(t, c, protocol.TypeSessionStarted)

	calls := f.engine.Calls()
	if len(calls) != 1 || !slices.ContainsFunc(calls[0].Cfg.Keywords, func(k stt.KeywordBoost) bool {
		return k.Keyword == "Grimjaw" && k.Boost == config.DefaultKeywordBoost
	}) {
		t.Errorf("engine stream config = %+v, want Grimjaw boosted", calls)
	}

	// One call is the configured maximum.
	if got := getStatus(t, f.url+"/readyz"); got != http.StatusServiceUnavailable {
		t.Errorf("/readyz at capacity = %d, want 503", got)
	}

	f.engine.Session(0).Emit(stt.Transcript{Text: "what does grimjaw cost in bulk?", IsFinal: true, Confidence: 0.9})
	tr := next(t, c, protocol.TypeTranscript)
	if tr.Text != "what does Grimjaw cost in bulk?" {
		t.Errorf("transcript text = %q, want corrected product name", tr.Text)
	}
	as := next(t, c, protocol.TypeAssistance)
	if as.CorrelatesWith != tr.ID || as.Text != "Quote the bulk price." {
		t.Errorf("assistance = %+v, want answer to %s", as, tr.ID)
	}

	// Both the final and the assistance reach the call log.
	deadline := time.Now().Add(3 * time.Second)
	var entries []calllog.Entry
	for time.Now().Before(deadline) {
		entries, _ = f.store.Session(t.Context(), "call-1")
		if len(entries) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) != 2 || entries[0].Kind != calllog.KindTranscript || entries[1].Kind != calllog.KindAssistance {
		t.Fatalf("call log = %+v", entries)
	}

	resp, err := http.Get(f.url + "/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
	}
	err = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if err != nil || len(list.Sessions) != 1 || list.Sessions[0].ID != "call-1" {
		t.Errorf("sessions = %+v, %v", list, err)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	f := newFixture(t, cfg)

	updated := *cfg
	updated.Server.LogLevel = config.LogDebug
	updated.Transcription.Products = []string{"Grimjaw", "Eldrinax"}
	temp := 0.1
	updated.Assistance.Temperature = &temp
	f.app.Reload(&updated)

	if f.level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", f.level.Level())
	}

	c := f.dial(t)
	if err := wsjson.Write(t.Context(), c, protocol.Message{Type: protocol.TypeStartSession, SessionID: "call-2"}); err != nil {
		t.Fatal(err)
	}
	next(t, c, protocol.TypeSessionStarted)
	kws := f.engine.Calls()[0].Cfg.Keywords
	if !slices.ContainsFunc(kws, func(k stt.KeywordBoost) bool { return k.Keyword == "Eldrinax" }) {
		t.Errorf("keywords after reload = %+v, want Eldrinax", kws)
	}

	f.engine.Session(0).Emit(stt.Transcript{Text: "is eldrinax in stock?", IsFinal: true})
	next(t, c, protocol.TypeAssistance)
	if got := f.llm.Calls()[0].Req.Temperature; got != 0.1 {
		t.Errorf("temperature = %v, want reloaded 0.1", got)
	}
}

func TestApp_ServeStopsWithContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.app.Serve(ctx, ln) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := f.app.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callpilot/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram", "whisper"},
	"audio": {"ffmpeg"},
}

// Defaults applied by [ApplyDefaults] to zero fields.
const (
	DefaultListenAddr    = ":8080"
	DefaultSampleRate    = 16000
	DefaultBitDepth      = 16
	DefaultFrameDuration = 100 * time.Millisecond
	DefaultKeywordBoost  = 2.0
	DefaultMetricsPath   = "/metrics"
	DefaultAudioProvider = "ffmpeg"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields that have a sensible default. Transcription
// and session timing defaults live with the components that use them.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	d := &cfg.Device
	if d.Mode == "" {
		d.Mode = audio.ModeSingle
	}
	if d.SampleRate == 0 {
		d.SampleRate = DefaultSampleRate
	}
	if d.BitDepth == 0 {
		d.BitDepth = DefaultBitDepth
	}
	if d.FrameDuration == 0 {
		d.FrameDuration = DefaultFrameDuration
	}
	if d.Mode == audio.ModeSingle && d.Counterparty.Count == 0 {
		d.Counterparty.Count = 1
	}

	if cfg.Transcription.KeywordBoost == 0 {
		cfg.Transcription.KeywordBoost = DefaultKeywordBoost
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = DefaultAudioProvider
	}
	if cfg.CallLog.Backend == "" {
		cfg.CallLog.Backend = CallLogNone
		if cfg.CallLog.PostgresDSN != "" {
			cfg.CallLog.Backend = CallLogPostgres
		}
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
	if cfg.Telemetry.TraceSampleRatio == 0 {
		cfg.Telemetry.TraceSampleRatio = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}
	if cfg.Server.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("server.queue_size must not be negative, got %d", cfg.Server.QueueSize))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
		} else {
			slog.Warn("no LLM provider configured; assistance is disabled")
		}
	}

	// Device
	if err := cfg.Device.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("device: %w", err))
	}
	if cfg.Device.Downmix && cfg.Device.BitDepth != 16 {
		errs = append(errs, errors.New("device.downmix requires bit_depth 16"))
	}

	// Transcription
	t := cfg.Transcription
	for name, d := range map[string]time.Duration{
		"max_session_duration": t.MaxSessionDuration,
		"idle_timeout":         t.IdleTimeout,
		"restart_margin":       t.RestartMargin,
		"finalize_timeout":     t.FinalizeTimeout,
		"failure_window":       t.FailureWindow,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("transcription.%s must not be negative, got %s", name, d))
		}
	}
	if t.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("transcription.buffer_frames must not be negative, got %d", t.BufferFrames))
	}
	if t.KeywordBoost < 0 {
		errs = append(errs, fmt.Errorf("transcription.keyword_boost must not be negative, got %g", t.KeywordBoost))
	}

	// Session
	s := cfg.Session
	if s.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("session.grace_period must not be negative, got %s", s.GracePeriod))
	}
	if s.MaxSessions < 0 || s.HistoryTurns < 0 || s.HistoryTokens < 0 {
		errs = append(errs, errors.New("session limits must not be negative"))
	}

	// Assistance
	a := cfg.Assistance
	if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
		errs = append(errs, fmt.Errorf("assistance.temperature %.2f is out of range [0, 2]", *a.Temperature))
	}
	if a.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("assistance.max_tokens must not be negative, got %d", a.MaxTokens))
	}
	if a.Timeout < 0 {
		errs = append(errs, fmt.Errorf("assistance.timeout must not be negative, got %s", a.Timeout))
	}
	if a.Retries != nil && (*a.Retries < 0 || *a.Retries > 1) {
		errs = append(errs, fmt.Errorf("assistance.retries must be 0 or 1, got %d", *a.Retries))
	}

	// Call log
	if cfg.CallLog.Backend != "" && !cfg.CallLog.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("calllog.backend %q is invalid; valid values: none, memory, postgres", cfg.CallLog.Backend))
	}
	if cfg.CallLog.Backend == CallLogPostgres && cfg.CallLog.PostgresDSN == "" {
		errs = append(errs, errors.New("calllog.postgres_dsn is required for the postgres backend"))
	}
	if cfg.CallLog.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("calllog.queue_size must not be negative, got %d", cfg.CallLog.QueueSize))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g is out of range (0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

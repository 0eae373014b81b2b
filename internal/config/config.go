// Package config provides the configuration schema, loader, and provider
// registry for callpilot.
package config

import (
	"time"

	"github.com/MrWong99/callpilot/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CallLogBackend selects where finals and assistance results are recorded.
type CallLogBackend string

const (
	CallLogNone     CallLogBackend = "none"
	CallLogMemory   CallLogBackend = "memory"
	CallLogPostgres CallLogBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b CallLogBackend) IsValid() bool {
	switch b {
	case CallLogNone, CallLogMemory, CallLogPostgres:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Device        audio.DeviceConfig  `yaml:"device"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Session       SessionConfig       `yaml:"session"`
	Assistance    AssistanceConfig    `yaml:"assistance"`
	CallLog       CallLogConfig       `yaml:"calllog"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied at runtime on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists extra browser origins allowed to open /v1/live.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// QueueSize bounds each client's outbound message queue.
	QueueSize int `yaml:"queue_size"`

	// PingInterval is the client keepalive interval.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the implementations used by the pipeline. Each entry
// names a factory registered in the [Registry].
type ProvidersConfig struct {
	// STT is the primary transcription engine.
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when the primary cannot open a stream.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// LLM generates assistance. Empty disables assistance.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// Audio is the capture backend. Default: ffmpeg.
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// TranscriptionConfig tunes the per-channel transcription adapters.
type TranscriptionConfig struct {
	// Language is the BCP-47 code passed to the engine. Empty uses the
	// engine's default.
	Language string `yaml:"language"`

	MaxSessionDuration time.Duration `yaml:"max_session_duration"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	RestartMargin      time.Duration `yaml:"restart_margin"`
	BufferFrames       int           `yaml:"buffer_frames"`
	FinalizeTimeout    time.Duration `yaml:"finalize_timeout"`
	FailureWindow      time.Duration `yaml:"failure_window"`

	// Products are boosted in the engine and corrected in counterparty
	// finals. Reloaded at runtime.
	Products []string `yaml:"products"`

	// KeywordBoost is the engine boost applied to every product name.
	KeywordBoost float64 `yaml:"keyword_boost"`
}

// SessionConfig bounds call sessions.
type SessionConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	MaxSessions   int           `yaml:"max_sessions"`
	HistoryTurns  int           `yaml:"history_turns"`
	HistoryTokens int           `yaml:"history_tokens"`
}

// AssistanceConfig tunes assistance generation. Every field is reloaded at
// runtime.
type AssistanceConfig struct {
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  *float64      `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`

	// Retries is 0 or 1. Nil means 1.
	Retries *int `yaml:"retries"`
}

// CallLogConfig selects the call log backend.
type CallLogConfig struct {
	Backend     CallLogBackend `yaml:"backend"`
	PostgresDSN string         `yaml:"postgres_dsn"`
	QueueSize   int            `yaml:"queue_size"`
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	// MetricsPath is where Prometheus metrics are served. Default: /metrics.
	MetricsPath string `yaml:"metrics_path"`

	// DisableMetrics turns the endpoint off.
	DisableMetrics bool `yaml:"disable_metrics"`

	// TraceSampleRatio is the fraction of new traces recorded, in (0, 1].
	// Default: 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

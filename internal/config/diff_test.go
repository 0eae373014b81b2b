package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/callpilot/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:        config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers:     config.ProvidersConfig{STT: config.ProviderEntry{Name: "deepgram"}},
		Transcription: config.TranscriptionConfig{Products: []string{"Eldrinax"}, KeywordBoost: 2},
		Assistance:    config.AssistanceConfig{SystemPrompt: "Be brief."},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if d := config.Diff(cfg, baseConfig()); d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		logLevel    bool
		assistance  bool
		products    bool
		restartWant []string
	}{
		{
			name:     "log level",
			mutate:   func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			logLevel: true,
		},
		{
			name:       "system prompt",
			mutate:     func(c *config.Config) { c.Assistance.SystemPrompt = "Be thorough." },
			assistance: true,
		},
		{
			name:       "assistance timeout",
			mutate:     func(c *config.Config) { c.Assistance.Timeout = 3 * time.Second },
			assistance: true,
		},
		{
			name:     "product added",
			mutate:   func(c *config.Config) { c.Transcription.Products = append(c.Transcription.Products, "Grimjaw") },
			products: true,
		},
		{
			name:     "keyword boost",
			mutate:   func(c *config.Config) { c.Transcription.KeywordBoost = 5 },
			products: true,
		},
		{
			name:        "listen address",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9090" },
			restartWant: []string{"server"},
		},
		{
			name:        "stt provider",
			mutate:      func(c *config.Config) { c.Providers.STT.Model = "nova-3" },
			restartWant: []string{"providers"},
		},
		{
			name:        "device and session",
			mutate:      func(c *config.Config) { c.Device.Device = "other"; c.Session.MaxSessions = 2 },
			restartWant: []string{"device", "session"},
		},
		{
			name:        "language with products",
			mutate:      func(c *config.Config) { c.Transcription.Language = "de"; c.Transcription.Products = nil },
			products:    true,
			restartWant: []string{"transcription"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if d.LogLevelChanged != tt.logLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.logLevel)
			}
			if tt.logLevel && d.NewLogLevel != new.Server.LogLevel {
				t.Errorf("NewLogLevel = %q, want %q", d.NewLogLevel, new.Server.LogLevel)
			}
			if d.AssistanceChanged != tt.assistance {
				t.Errorf("AssistanceChanged = %v, want %v", d.AssistanceChanged, tt.assistance)
			}
			if d.ProductsChanged != tt.products {
				t.Errorf("ProductsChanged = %v, want %v", d.ProductsChanged, tt.products)
			}
			if !slices.Equal(d.RestartRequired, tt.restartWant) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.restartWant)
			}
		})
	}
}

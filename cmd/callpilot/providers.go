package main

import (
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callpilot/internal/app"
	"github.com/MrWong99/callpilot/internal/config"
	"github.com/MrWong99/callpilot/internal/observe"
	"github.com/MrWong99/callpilot/internal/resilience"
	"github.com/MrWong99/callpilot/pkg/audio"
	"github.com/MrWong99/callpilot/pkg/audio/ffmpeg"
	"github.com/MrWong99/callpilot/pkg/provider/llm"
	"github.com/MrWong99/callpilot/pkg/provider/llm/anyllm"
	"github.com/MrWong99/callpilot/pkg/provider/llm/openai"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
	"github.com/MrWong99/callpilot/pkg/provider/stt/deepgram"
	"github.com/MrWong99/callpilot/pkg/provider/stt/whisper"
)

// registerBuiltinProviders wires every provider shipped with callpilot into
// reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// The rest share one pattern: optional APIKey plus optional BaseURL.
	// ollama, llamacpp and llamafile are local servers addressed by BaseURL.
	for _, name := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
		"ollama", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "silence_threshold_ms"); ms > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio("ffmpeg", func(entry config.ProviderEntry) (audio.Opener, error) {
		opts := []ffmpeg.Option{ffmpeg.WithLogger(slog.Default())}
		if bin := optString(entry.Options, "binary"); bin != "" {
			opts = append(opts, ffmpeg.WithBinary(bin))
		}
		if d := optString(entry.Options, "open_timeout"); d != "" {
			timeout, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("ffmpeg: open_timeout: %w", err)
			}
			opts = append(opts, ffmpeg.WithOpenTimeout(timeout))
		}
		return ffmpeg.New(opts...), nil
	})

	for _, kind := range []string{"llm", "stt", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg. Configured
// fallbacks wrap the primary in a circuit-broken fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	fbCfg := resilience.FallbackConfig{Logger: slog.Default(), Metrics: observe.DefaultMetrics()}

	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, err
	}
	ps.STT = primary
	if len(cfg.Providers.STTFallbacks) > 0 {
		group := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, fbCfg)
		for _, entry := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, err
			}
			group.AddFallback(entry.Name, p)
		}
		ps.STT = group
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name, "fallbacks", len(cfg.Providers.STTFallbacks))

	if cfg.Providers.LLM.Name != "" {
		primary, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, err
		}
		ps.LLM = primary
		if len(cfg.Providers.LLMFallbacks) > 0 {
			group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, fbCfg)
			for _, entry := range cfg.Providers.LLMFallbacks {
				p, err := reg.CreateLLM(entry)
				if err != nil {
					return nil, err
				}
				group.AddFallback(entry.Name, p)
			}
			ps.LLM = group
		}
		slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)
	}

	opener, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, err
	}
	ps.Audio = opener
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)
	return ps, nil
}

// optString extracts a string value from a provider Options map.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML decodes
// integers as int; anything else yields 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

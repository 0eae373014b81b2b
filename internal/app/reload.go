package app

import (
	"log/slog"
	"math"

	"github.com/MrWong99/callpilot/internal/config"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

// Reload applies the hot-reloadable parts of cfg: log level, assistance
// settings and the product catalog. Changes to anything else are logged and
// wait for a restart. Sessions already running pick up new products on
// their next engine session and new assistance settings on their next
// request. It is the callback for [config.Watcher].
func (a *App) Reload(cfg *config.Config) {
	a.mu.Lock()
	old := a.current
	a.current = cfg
	a.mu.Unlock()

	d := config.Diff(old, cfg)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(ParseLevel(d.NewLogLevel))
		}
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.AssistanceChanged {
		if a.generator != nil {
			a.generator.Apply(assistSettings(cfg.Assistance))
			a.log.Info("assistance settings reloaded")
		}
	}
	if d.ProductsChanged {
		a.corrector.SetProducts(cfg.Transcription.Products)
		a.setBoost(cfg.Transcription.KeywordBoost)
		a.log.Info("product catalog reloaded", "products", len(cfg.Transcription.Products))
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config sections changed that take effect after a restart", "sections", d.RestartRequired)
	}
}

// ParseLevel maps a config log level onto slog. Unknown values are Info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// keywords is the session manager's keyword source.
func (a *App) keywords() []stt.KeywordBoost {
	return a.corrector.Keywords(math.Float64frombits(a.boost.Load()))
}

func (a *App) setBoost(b float64) {
	a.boost.Store(math.Float64bits(b))
}

package resilience

import (
	"context"

	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] backed by a [FallbackGroup] of
// transcription engines.
//
// Only opening a stream fails over. When a live stream dies its adapter
// restarts it through StartStream, which lands on whichever engine is
// healthy at that moment.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an [STTFallback] preferring primary. cfg.Kind
// defaults to "stt".
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends an engine tried after the earlier ones.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// StartStream opens a stream on the first engine that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Check reports an error when every engine's breaker is open. The readiness
// probe uses it.
func (f *STTFallback) Check(context.Context) error { return f.group.Healthy() }

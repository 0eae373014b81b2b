package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/callpilot/internal/observe"
)

// ErrAllFailed is returned when no member of a [FallbackGroup] served the
// call, either because it failed or because its breaker was open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is shared by every member of a [FallbackGroup].
type FallbackConfig struct {
	// Kind labels metrics, e.g. "stt" or "llm".
	Kind string

	// CircuitBreaker is the template for each member's breaker. Name,
	// OnStateChange and Logger are filled in per member.
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover messages. Default: slog.Default().
	Logger *slog.Logger

	// Metrics receives breaker transitions and skipped calls. Optional.
	Metrics *observe.Metrics
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary provider and its fallbacks, each behind its
// own [CircuitBreaker]. Calls go to the first member whose breaker admits
// them and move down the list on failure.
//
// Members are added before first use; calls are safe for concurrent use.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	log     *slog.Logger
	members []member[T]
}

// NewFallbackGroup returns a group whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	if fg.log == nil {
		fg.log = slog.Default()
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a member tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	bc.Logger = fg.log.With("kind", fg.cfg.Kind)
	bc.OnStateChange = func(name string, _, to State) {
		if fg.cfg.Metrics != nil {
			fg.cfg.Metrics.RecordBreakerTransition(context.Background(), name, fg.cfg.Kind, to.String())
		}
	}
	fg.members = append(fg.members, member[T]{name: name, value: fallback, breaker: NewCircuitBreaker(bc)})
}

// Len returns the number of members, primary included.
func (fg *FallbackGroup[T]) Len() int { return len(fg.members) }

// Primary returns the first member.
func (fg *FallbackGroup[T]) Primary() T { return fg.members[0].value }

// Healthy returns nil while at least one member's breaker is not open.
func (fg *FallbackGroup[T]) Healthy() error {
	open := make([]string, 0, len(fg.members))
	for i := range fg.members {
		if fg.members[i].breaker.State() != StateOpen {
			return nil
		}
		open = append(open, fg.members[i].name)
	}
	return fmt.Errorf("%w: circuit open for %s", ErrCircuitOpen, strings.Join(open, ", "))
}

// Execute calls fn with each member in turn until one returns nil.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. Once ctx is done no further members are tried and ctx's error is
// returned as is.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		m := &fg.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(m.value)
			return callErr
		})
		switch {
		case err == nil:
			if i > 0 {
				fg.log.Info("served by fallback provider", "kind", fg.cfg.Kind, "provider", m.name)
			}
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			fg.log.Debug("provider skipped, circuit open", "kind", fg.cfg.Kind, "provider", m.name)
			if fg.cfg.Metrics != nil {
				fg.cfg.Metrics.RecordProviderRequest(ctx, m.name, fg.cfg.Kind, "circuit_open")
			}
		default:
			fg.log.Warn("provider failed", "kind", fg.cfg.Kind, "provider", m.name,
				"remaining", len(fg.members)-i-1, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

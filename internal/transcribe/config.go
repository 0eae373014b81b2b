package transcribe

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callpilot/pkg/audio"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

// Defaults applied by [Config] for zero fields.
const (
	DefaultMaxSessionDuration = 5 * time.Minute
	DefaultIdleTimeout        = 10 * time.Second
	DefaultRestartMargin      = 2 * time.Second
	DefaultBufferFrames       = 50
	DefaultFinalizeTimeout    = 2 * time.Second
	DefaultFailureWindow      = 10 * time.Second
)

// Config describes one adapter. The engine limits are properties of the
// configured engine, not of the adapter.
type Config struct {
	Channel audio.Channel

	// Stream is passed to every engine session the adapter opens.
	Stream stt.StreamConfig

	// MaxSessionDuration is the engine's limit on one continuous session.
	MaxSessionDuration time.Duration

	// IdleTimeout is how long the engine tolerates receiving no audio.
	IdleTimeout time.Duration

	// RestartMargin is how far ahead of either limit the adapter rolls over.
	RestartMargin time.Duration

	// BufferFrames bounds the frames held while the engine is unavailable.
	BufferFrames int

	// FinalizeTimeout bounds Finalize+Close of an outgoing session.
	FinalizeTimeout time.Duration

	// FailureWindow is the span in which a second engine failure is fatal.
	FailureWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessionDuration == 0 {
		c.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RestartMargin == 0 {
		c.RestartMargin = DefaultRestartMargin
	}
	if c.BufferFrames == 0 {
		c.BufferFrames = DefaultBufferFrames
	}
	if c.FinalizeTimeout == 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = DefaultFailureWindow
	}
	if c.Stream.BitDepth == 0 {
		c.Stream.BitDepth = 16
	}
	return c
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	var errs []error
	if !c.Channel.Valid() {
		errs = append(errs, fmt.Errorf("transcribe: unknown channel %q", c.Channel))
	}
	if c.Stream.SampleRate <= 0 || c.Stream.Channels <= 0 {
		errs = append(errs, errors.New("transcribe: stream sample rate and channels must be positive"))
	}
	if c.RestartMargin < 0 || c.RestartMargin >= c.MaxSessionDuration {
		errs = append(errs, fmt.Errorf("transcribe: restart margin %s must be below max session duration %s", c.RestartMargin, c.MaxSessionDuration))
	}
	if c.RestartMargin >= c.IdleTimeout {
		errs = append(errs, fmt.Errorf("transcribe: restart margin %s must be below idle timeout %s", c.RestartMargin, c.IdleTimeout))
	}
	if c.BufferFrames < 1 {
		errs = append(errs, fmt.Errorf("transcribe: buffer frames must be positive, got %d", c.BufferFrames))
	}
	if c.FinalizeTimeout < 0 || c.FailureWindow < 0 {
		errs = append(errs, errors.New("transcribe: timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

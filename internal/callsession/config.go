package callsession

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callpilot/internal/transcribe"
	"github.com/MrWong99/callpilot/pkg/audio"
)

// Defaults for zero [Config] fields.
const (
	DefaultGracePeriod   = 5 * time.Second
	DefaultHistoryTurns  = 20
	DefaultHistoryTokens = 1500
)

// Config is shared read-only by every session of a [Manager].
type Config struct {
	Device audio.DeviceConfig

	// Transcription is the template for every channel adapter. Channel and
	// the stream format are filled in per channel from Device.
	Transcription transcribe.Config

	// Language is passed to the speech engine. Empty uses the engine default.
	Language string

	// GracePeriod bounds how long Stop waits for the device, the adapters
	// and in-flight assistance before abandoning them.
	GracePeriod time.Duration

	// HistoryTurns and HistoryTokens bound the call context given to the
	// assistance generator.
	HistoryTurns  int
	HistoryTokens int

	// MaxSessions limits concurrently active sessions. Zero is unlimited.
	MaxSessions int
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.HistoryTokens == 0 {
		c.HistoryTokens = DefaultHistoryTokens
	}
	return c
}

// Validate checks the device description and the session limits.
func (c Config) Validate() error {
	var errs []error
	if err := c.Device.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("device: %w", err))
	}
	if c.Device.Downmix && c.Device.BitDepth != 16 {
		errs = append(errs, errors.New("device: downmix requires 16-bit audio"))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max sessions must not be negative, got %d", c.MaxSessions))
	}
	return errors.Join(errs...)
}

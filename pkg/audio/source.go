// Package audio defines the capture-side contracts and the PCM frame types
// used by the call pipeline.
//
// The two primary abstractions are:
//
//   - [Opener] opens an OS input device described by a [DeviceConfig] and
//     returns a [Stream].
//   - [Stream] is the lazy, non-restartable byte sequence coming off the
//     device until it is stopped or disconnected.
//
// Concrete capture backends live in sub-packages (audio/ffmpeg). The
// [Layout] type splits an aggregate device's interleaved stream into the
// operator and counterparty channel groups.
//
// This package lives under pkg/ because external code is expected to provide
// additional capture backends.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeviceUnavailable is returned when a device cannot be opened at all.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDeviceDisconnected is returned by [Stream.Read] when the device goes
	// away while capturing. Backends never retry after this.
	ErrDeviceDisconnected = errors.New("audio: device disconnected")

	// ErrDeviceBusy is returned when the device is already held by another
	// session.
	ErrDeviceBusy = errors.New("audio: device busy")

	// ErrFrameAlignment is returned when a chunk is not a whole number of
	// interleaved sample frames, or when the stream format does not match the
	// configured layout.
	ErrFrameAlignment = errors.New("audio: frame alignment")
)

// Mode selects between the two capture adapters.
type Mode string

const (
	// ModeSingle captures only counterparty audio from a virtual device.
	ModeSingle Mode = "single"

	// ModeAggregate captures one interleaved stream carrying operator audio on
	// one channel group and counterparty audio on another.
	ModeAggregate Mode = "aggregate"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeSingle || m == ModeAggregate
}

// ChannelGroup is a contiguous run of device channels.
type ChannelGroup struct {
	Offset int `yaml:"offset"`
	Count  int `yaml:"count"`
}

// DeviceConfig is the static description of the capture device and which of
// its channels belong to which side of the call. It is loaded once at start
// and shared read-only between sessions.
type DeviceConfig struct {
	Mode Mode `yaml:"mode"`

	// Driver is the OS capture backend (e.g. "alsa", "pulse", "avfoundation",
	// "dshow").
	Driver string `yaml:"driver"`

	// Device is the OS identifier of the input device.
	Device string `yaml:"device"`

	SampleRate int `yaml:"sample_rate"`
	BitDepth   int `yaml:"bit_depth"`

	// FrameDuration is the amount of audio carried by one [Frame].
	FrameDuration time.Duration `yaml:"frame_duration"`

	// Operator is ignored in [ModeSingle].
	Operator     ChannelGroup `yaml:"operator"`
	Counterparty ChannelGroup `yaml:"counterparty"`

	// Downmix collapses multi-channel groups to mono before transcription.
	Downmix bool `yaml:"downmix"`
}

// Layout returns the interleaving layout described by the config. In
// [ModeSingle] the operator group is empty.
func (c DeviceConfig) Layout() Layout {
	l := Layout{
		BytesPerSample: c.BitDepth / 8,
		Counterparty:   c.Counterparty,
	}
	if c.Mode == ModeAggregate {
		l.Operator = c.Operator
	}
	return l
}

// Format returns the PCM format the device is expected to deliver.
func (c DeviceConfig) Format() Format {
	return Format{
		SampleRate: c.SampleRate,
		Channels:   c.Layout().Channels(),
		BitDepth:   c.BitDepth,
	}
}

// ChunkBytes returns the size of one interleaved chunk covering
// FrameDuration.
func (c DeviceConfig) ChunkBytes() int {
	samples := int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
	return samples * c.Format().FrameWidth()
}

// Validate checks the configuration for internal consistency.
func (c DeviceConfig) Validate() error {
	var errs []error
	if !c.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: single, aggregate", c.Mode))
	}
	if c.Device == "" {
		errs = append(errs, errors.New("device is required"))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.BitDepth != 16 && c.BitDepth != 32 {
		errs = append(errs, fmt.Errorf("bit_depth must be 16 or 32, got %d", c.BitDepth))
	}
	if c.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("frame_duration must be positive, got %s", c.FrameDuration))
	}
	if err := c.Layout().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 && c.ChunkBytes() == 0 {
		errs = append(errs, fmt.Errorf("frame_duration %s is shorter than one sample", c.FrameDuration))
	}
	return errors.Join(errs...)
}

// Stream is an open capture device.
//
// Implementations must allow Stop to be called concurrently with a blocked
// Read; Stop unblocks the reader.
type Stream interface {
	// Read reads raw interleaved PCM. It blocks until audio is available.
	// After the device disappears Read returns an error wrapping
	// [ErrDeviceDisconnected]; after Stop it returns io.EOF.
	Read(p []byte) (int, error)

	// Format reports the PCM format actually being delivered.
	Format() Format

	// Stop releases the OS handle before returning. It is idempotent.
	Stop() error
}

// Opener opens capture devices.
//
// Implementations must be safe for concurrent use.
type Opener interface {
	// Open starts capturing from the configured device. Failures wrap
	// [ErrDeviceUnavailable] or [ErrDeviceBusy].
	Open(ctx context.Context, cfg DeviceConfig) (Stream, error)

	// Probe opens the device and closes it again immediately. It is the
	// pre-flight check run before committing a session; device lists are
	// never trusted because virtual devices come and go.
	Probe(ctx context.Context, cfg DeviceConfig) error
}

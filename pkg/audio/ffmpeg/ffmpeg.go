// Package ffmpeg captures PCM from OS audio devices by running an ffmpeg
// subprocess and reading raw little-endian samples from its stdout.
//
// ffmpeg gives one capture path across ALSA, PulseAudio, AVFoundation and
// DirectShow, including virtual loopback and aggregate devices. The device is
// opened with the channel count and sample rate from [audio.DeviceConfig]
// forced via -ac and -ar, so the delivered [audio.Format] is always the
// configured one.
//
// Usage:
//
//	p := ffmpeg.New()
//	if err := p.Probe(ctx, cfg); err != nil { ... }
//	stream, err := p.Open(ctx, cfg)
//	n, err := stream.Read(buf)
//	stream.Stop()
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callpilot/pkg/audio"
)

const (
	defaultBinary      = "ffmpeg"
	defaultOpenTimeout = 3 * time.Second
	defaultWaitDelay   = time.Second
	stderrTailBytes    = 2048
	readBufferBytes    = 64 * 1024
)

// CommandFunc builds the capture process for the given arguments. The context
// governs the process lifetime.
type CommandFunc func(ctx context.Context, args []string) *exec.Cmd

// Option is a functional option for configuring an [Opener].
type Option func(*Opener)

// WithBinary sets the path to the ffmpeg executable. Default: "ffmpeg" on PATH.
func WithBinary(path string) Option {
	return func(p *Opener) {
		p.binary = path
	}
}

// WithOpenTimeout bounds how long Open waits for the first captured byte
// before declaring the device unavailable. Default: 3s.
func WithOpenTimeout(d time.Duration) Option {
	return func(p *Opener) {
		p.openTimeout = d
	}
}

// WithCommand replaces the process constructor. Intended for tests.
func WithCommand(fn CommandFunc) Option {
	return func(p *Opener) {
		p.command = fn
	}
}

// WithLogger sets the logger used for process lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(p *Opener) {
		p.log = l
	}
}

// Opener is an [audio.Opener] backed by ffmpeg.
type Opener struct {
	binary      string
	openTimeout time.Duration
	command     CommandFunc
	log         *slog.Logger
}

var _ audio.Opener = (*Opener)(nil)

// New returns an Opener configured with the supplied options.
func New(opts ...Option) *Opener {
	p := &Opener{
		binary:      defaultBinary,
		openTimeout: defaultOpenTimeout,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.command == nil {
		p.command = func(ctx context.Context, args []string) *exec.Cmd {
			return exec.CommandContext(ctx, p.binary, args...)
		}
	}
	return p
}

// Open implements [audio.Opener]. It returns once the device has produced its
// first byte; a process that exits or stays silent for the open timeout is
// reported as [audio.ErrDeviceUnavailable].
func (p *Opener) Open(ctx context.Context, cfg audio.DeviceConfig) (audio.Stream, error) {
	args, err := buildArgs(cfg)
	if err != nil {
		return nil, err
	}

	// The process outlives ctx, which only bounds the open handshake.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := p.command(procCtx, args)
	cmd.WaitDelay = defaultWaitDelay
	tail := &tailWriter{max: stderrTailBytes}
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: ffmpeg: start %s: %v", audio.ErrDeviceUnavailable, cfg.Device, err)
	}

	s := &stream{
		cmd:    cmd,
		r:      bufio.NewReaderSize(stdout, readBufferBytes),
		tail:   tail,
		format: cfg.Format(),
		cancel: cancel,
		device: cfg.Device,
	}

	ready := make(chan error, 1)
	go func() {
		_, err := s.r.Peek(1)
		ready <- err
	}()

	timer := time.NewTimer(p.openTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			_ = s.Stop()
			return nil, fmt.Errorf("%w: %s: %s", audio.ErrDeviceUnavailable, cfg.Device, s.reason(err))
		}
	case <-timer.C:
		_ = s.Stop()
		return nil, fmt.Errorf("%w: %s: no audio within %s", audio.ErrDeviceUnavailable, cfg.Device, p.openTimeout)
	case <-ctx.Done():
		_ = s.Stop()
		return nil, fmt.Errorf("ffmpeg: open %s: %w", cfg.Device, ctx.Err())
	}

	p.log.Debug("ffmpeg: capture started", "device", cfg.Device, "driver", cfg.Driver, "format", s.format.String(), "pid", cmd.Process.Pid)
	return s, nil
}

// Probe implements [audio.Opener].
func (p *Opener) Probe(ctx context.Context, cfg audio.DeviceConfig) error {
	s, err := p.Open(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Stop()
}

// buildArgs returns the ffmpeg command line for capturing cfg as raw PCM on
// stdout.
func buildArgs(cfg audio.DeviceConfig) ([]string, error) {
	var codec string
	switch cfg.BitDepth {
	case 16:
		codec = "s16le"
	case 32:
		codec = "s32le"
	default:
		return nil, fmt.Errorf("ffmpeg: unsupported bit depth %d", cfg.BitDepth)
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: empty device identifier", audio.ErrDeviceUnavailable)
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if cfg.Driver != "" {
		args = append(args, "-f", cfg.Driver)
	}
	args = append(args,
		"-i", cfg.Device,
		"-ac", strconv.Itoa(cfg.Format().Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", codec,
		"-",
	)
	return args, nil
}

// ─── stream ──────────────────────────────────────────────────────────────────

type stream struct {
	cmd    *exec.Cmd
	r      *bufio.Reader
	tail   *tailWriter
	format audio.Format
	cancel context.CancelFunc
	device string

	stopped  atomic.Bool
	stopOnce sync.Once
	reapOnce sync.Once
	waitErr  error
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == nil {
		return n, nil
	}
	if s.stopped.Load() {
		return n, io.EOF
	}
	return n, fmt.Errorf("%w: %s: %s", audio.ErrDeviceDisconnected, s.device, s.reason(err))
}

func (s *stream) Format() audio.Format {
	return s.format
}

// Stop kills the capture process and waits for it to exit.
func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.cancel()
		s.reap()
	})
	return nil
}

func (s *stream) reap() error {
	s.reapOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// reason describes why the capture pipe ended, preferring ffmpeg's own
// diagnostics over the bare pipe error.
func (s *stream) reason(readErr error) string {
	if !errors.Is(readErr, io.EOF) {
		return readErr.Error()
	}
	werr := s.reap()
	if msg := strings.TrimSpace(s.tail.String()); msg != "" {
		return msg
	}
	if werr != nil {
		return werr.Error()
	}
	return "capture process exited"
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}

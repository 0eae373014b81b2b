// Package mock provides in-memory implementations of [audio.Opener] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.Format{SampleRate: 16000, Channels: 4, BitDepth: 16})
//	opener := &mock.Opener{Stream: stream}
//	stream.Feed(chunk)
//	stream.Disconnect()
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/callpilot/pkg/audio"
)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock [audio.Stream] whose bytes are supplied by the test through
// [Stream.Feed]. Read blocks until data is fed, the stream is stopped, or
// [Stream.Disconnect] is called.
type Stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	format audio.Format

	stopped      bool
	disconnected bool

	// StopBlock, when non-nil, makes Stop wait until the channel is closed
	// before returning. Used to simulate a device that will not release.
	StopBlock chan struct{}

	// StopCallCount records how many times Stop was called.
	StopCallCount int
}

var _ audio.Stream = (*Stream)(nil)

// NewStream returns a Stream reporting the given format.
func NewStream(format audio.Format) *Stream {
	s := &Stream{format: format}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Feed appends raw bytes for Read to return.
func (s *Stream) Feed(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	s.cond.Broadcast()
}

// Disconnect simulates the device disappearing. Buffered bytes are still
// returned before Read reports [audio.ErrDeviceDisconnected].
func (s *Stream) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	s.cond.Broadcast()
}

// Read implements [audio.Stream].
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && !s.stopped && !s.disconnected {
		s.cond.Wait()
	}
	if s.stopped {
		return 0, io.EOF
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	return 0, fmt.Errorf("mock stream: %w", audio.ErrDeviceDisconnected)
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format {
	return s.format
}

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	s.StopCallCount++
	s.stopped = true
	s.cond.Broadcast()
	block := s.StopBlock
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	return nil
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// ─── Opener ──────────────────────────────────────────────────────────────────

// Opener is a mock [audio.Opener].
type Opener struct {
	mu sync.Mutex

	// Stream is returned by Open when OpenErr is nil. When Stream is nil a new
	// Stream using the config's format is created on every call.
	Stream *Stream

	// OpenErr is returned by Open.
	OpenErr error

	// ProbeErr is returned by Probe.
	ProbeErr error

	// OpenCalls records the configs passed to Open.
	OpenCalls []audio.DeviceConfig

	// ProbeCalls records the configs passed to Probe.
	ProbeCalls []audio.DeviceConfig

	// Opened records every stream handed out by Open.
	Opened []*Stream
}

var _ audio.Opener = (*Opener)(nil)

// Open implements [audio.Opener].
func (o *Opener) Open(_ context.Context, cfg audio.DeviceConfig) (audio.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls = append(o.OpenCalls, cfg)
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	s := o.Stream
	if s == nil {
		s = NewStream(cfg.Format())
	}
	o.Opened = append(o.Opened, s)
	return s, nil
}

// Probe implements [audio.Opener].
func (o *Opener) Probe(_ context.Context, cfg audio.DeviceConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ProbeCalls = append(o.ProbeCalls, cfg)
	return o.ProbeErr
}

// OpenCallCount returns the number of Open calls so far.
func (o *Opener) OpenCallCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.OpenCalls)
}

package audio

import (
	"context"
	"fmt"
	"sync"
)

// Exclusive wraps an [Opener] so that a device can be held by at most one
// stream at a time. Opening a device that is already held fails immediately
// with [ErrDeviceBusy] instead of queueing. The lock is released when the
// returned stream is stopped.
//
// The lock table belongs to the returned opener; two openers created by
// separate Exclusive calls do not see each other's locks.
func Exclusive(inner Opener) *ExclusiveOpener {
	return &ExclusiveOpener{
		inner: inner,
		held:  make(map[string]struct{}),
	}
}

// ExclusiveOpener is the [Opener] returned by [Exclusive].
type ExclusiveOpener struct {
	inner Opener

	mu   sync.Mutex
	held map[string]struct{}
}

var _ Opener = (*ExclusiveOpener)(nil)

// Open implements [Opener].
func (e *ExclusiveOpener) Open(ctx context.Context, cfg DeviceConfig) (Stream, error) {
	key := deviceKey(cfg)
	if err := e.acquire(key); err != nil {
		return nil, err
	}
	s, err := e.inner.Open(ctx, cfg)
	if err != nil {
		e.release(key)
		return nil, err
	}
	return &lockedStream{Stream: s, release: sync.OnceFunc(func() { e.release(key) })}, nil
}

// Probe implements [Opener]. Probing a held device reports [ErrDeviceBusy]
// without touching the OS.
func (e *ExclusiveOpener) Probe(ctx context.Context, cfg DeviceConfig) error {
	key := deviceKey(cfg)
	if err := e.acquire(key); err != nil {
		return err
	}
	defer e.release(key)
	return e.inner.Probe(ctx, cfg)
}

// Held reports whether the configured device is currently open.
func (e *ExclusiveOpener) Held(cfg DeviceConfig) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.held[deviceKey(cfg)]
	return ok
}

func (e *ExclusiveOpener) acquire(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.held[key]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceBusy, key)
	}
	e.held[key] = struct{}{}
	return nil
}

func (e *ExclusiveOpener) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.held, key)
}

func deviceKey(cfg DeviceConfig) string {
	return cfg.Driver + ":" + cfg.Device
}

type lockedStream struct {
	Stream
	release func()
}

func (s *lockedStream) Stop() error {
	defer s.release()
	return s.Stream.Stop()
}

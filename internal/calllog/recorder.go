package calllog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callpilot/internal/observe"
)

// Recorder defaults.
const (
	DefaultQueueSize  = 512
	DefaultBatchSize  = 64
	defaultWriteLimit = 5 * time.Second
)

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithQueueSize bounds the number of entries waiting to be written.
// Default: 512.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithBatchSize caps how many entries are written per Append. Default: 64.
func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

// WithMetrics counts dropped entries.
func WithMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// Recorder writes entries to a [Store] asynchronously.
type Recorder struct {
	store     Store
	queueSize int
	batchSize int
	log       *slog.Logger
	metrics   *observe.Metrics

	queue chan Entry
	quit  chan struct{}
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the writer goroutine. Call Close to flush and stop it.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		queueSize: DefaultQueueSize,
		batchSize: DefaultBatchSize,
		log:       slog.Default(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan Entry, r.queueSize)
	go r.run()
	return r
}

// Store returns the store entries are written to.
func (r *Recorder) Store() Store { return r.store }

// Record queues e without blocking. It reports false when e was dropped
// because the queue is full or the recorder is closed.
func (r *Recorder) Record(e Entry) bool {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- e:
		return true
	default:
	}
	r.log.Warn("call log queue full; dropping entry", "session_id", e.SessionID, "kind", string(e.Kind))
	if r.metrics != nil {
		r.metrics.CallLogDropped.Add(context.Background(), 1)
	}
	return false
}

// Close stops accepting entries and waits for the queued ones to be
// written, or for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.quit)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	batch := make([]Entry, 0, r.batchSize)
	for {
		select {
		case e := <-r.queue:
			batch = r.fill(append(batch[:0], e))
			r.write(batch)
		case <-r.quit:
			for {
				batch = r.fill(batch[:0])
				if len(batch) == 0 {
					return
				}
				r.write(batch)
			}
		}
	}
}

// fill tops batch up with whatever is already queued.
func (r *Recorder) fill(batch []Entry) []Entry {
	for len(batch) < r.batchSize {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) write(batch []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteLimit)
	defer cancel()
	if err := r.store.Append(ctx, batch); err != nil {
		r.log.Error("call log write failed", "entries", len(batch), "err", err)
	}
}

package whisper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

// closeFlushTimeout bounds the upload of the last utterance after Close or
// context cancellation.
const closeFlushTimeout = 30 * time.Second

// item is one entry of the session queue. A nil chunk is a finalize request.
type item struct{ chunk []byte }

// session implements [stt.SessionHandle]. The gate and all buffering live in
// the run goroutine.
type session struct {
	up   *uploader
	gate *gate

	queue  chan item
	events chan stt.Transcript

	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newSession(up *uploader, g *gate) *session {
	return &session{
		up:      up,
		gate:    g,
		queue:   make(chan item, 256),
		events:  make(chan stt.Transcript, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SendAudio queues a chunk of 16-bit little-endian PCM.
func (s *session) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.enqueue(item{chunk: chunk})
}

// Finalize uploads the buffered speech without waiting for silence. The
// resulting final carries FromFinalize.
func (s *session) Finalize() error { return s.enqueue(item{}) }

func (s *session) enqueue(it item) error {
	select {
	case <-s.closing:
		return fmt.Errorf("whisper: %w", stt.ErrSessionClosed)
	case <-s.done:
		return s.ended()
	default:
	}
	select {
	case s.queue <- it:
		return nil
	case <-s.closing:
		return fmt.Errorf("whisper: %w", stt.ErrSessionClosed)
	case <-s.done:
		return s.ended()
	}
}

func (s *session) ended() error {
	if err := s.Err(); err != nil {
		return err
	}
	return fmt.Errorf("whisper: %w", stt.ErrSessionClosed)
}

// Events yields a partial and then a final for every utterance.
func (s *session) Events() <-chan stt.Transcript { return s.events }

// Done is closed when the session goroutine has exited.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns the upload failure that ended the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetKeywords is not supported by whisper.cpp.
func (s *session) SetKeywords([]stt.KeywordBoost) error {
	return fmt.Errorf("whisper: keyword boosting: %w", stt.ErrNotSupported)
}

// Close uploads any buffered speech, closes Events and waits for the
// session goroutine. Safe to call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
	return nil
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-s.closing:
			s.drain()
			return
		case it := <-s.queue:
			var (
				u     utterance
				ready bool
			)
			if it.chunk == nil {
				u, ready = s.gate.cut()
			} else {
				u, ready = s.gate.push(it.chunk)
			}
			if ready && !s.emit(ctx, u, it.chunk == nil) {
				return
			}
		}
	}
}

// drain feeds what is still queued into the gate and uploads the remainder
// under a fresh deadline, since ctx may already be done.
func (s *session) drain() {
	for {
		select {
		case it := <-s.queue:
			if it.chunk != nil {
				s.gate.hold(it.chunk)
			}
			continue
		default:
		}
		break
	}
	if u, ok := s.gate.cut(); ok {
		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		defer cancel()
		s.emit(ctx, u, false)
	}
}

// emit transcribes u and publishes the result. It reports false after an
// upload failure, which ends the session.
func (s *session) emit(ctx context.Context, u utterance, finalize bool) bool {
	text, err := s.up.transcribe(ctx, u.pcm)
	if err != nil {
		s.mu.Lock()
		s.err = fmt.Errorf("whisper: %w: %w", stt.ErrStreamFailed, err)
		s.mu.Unlock()
		return false
	}
	if text == "" {
		return true
	}
	t := stt.Transcript{Text: text, Confidence: 1, Timestamp: u.start, Duration: u.dur}
	s.events <- t
	t.IsFinal, t.FromFinalize = true, finalize
	s.events <- t
	return true
}

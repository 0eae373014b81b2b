package deepgram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/callpilot/pkg/provider/stt"
	"github.com/coder/websocket"
)

// session owns one live socket. A writer goroutine drains the outbound
// queue; a reader goroutine decodes results until the socket ends.
type session struct {
	conn         *websocket.Conn
	closeTimeout time.Duration

	events chan stt.Transcript
	queue  chan frame

	closing chan struct{} // Close was called
	done    chan struct{} // reader exited
	once    sync.Once
	loops   sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ stt.SessionHandle = (*session)(nil)

func startSession(ctx context.Context, conn *websocket.Conn, closeTimeout time.Duration) *session {
	s := &session{
		conn:         conn,
		closeTimeout: closeTimeout,
		events:       make(chan stt.Transcript, 64),
		queue:        make(chan frame, 256),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.loops.Add(2)
	go s.read(ctx)
	go s.write(ctx)
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	return s.push(frame{websocket.MessageBinary, chunk})
}

// Finalize asks Deepgram to emit the open utterance as a final.
func (s *session) Finalize() error {
	return s.push(frame{websocket.MessageText, msgFinalize})
}

func (s *session) push(f frame) error {
	// Checked first so a closed session never accepts into a free queue slot.
	if err := s.stopped(); err != nil {
		return err
	}
	select {
	case s.queue <- f:
		return nil
	case <-s.closing:
	case <-s.done:
	}
	return s.stopped()
}

// stopped returns the error to report for a session that no longer takes
// input, or nil while it does.
func (s *session) stopped() error {
	select {
	case <-s.closing:
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	default:
		return nil
	}
}

func (s *session) Events() <-chan stt.Transcript { return s.events }

func (s *session) Done() <-chan struct{} { return s.done }

// Err is nil unless the session died on its own.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// SetKeywords always fails: Deepgram reads keywords from the connection URL.
func (s *session) SetKeywords([]stt.KeywordBoost) error {
	return fmt.Errorf("deepgram: keyword update on a live session: %w", stt.ErrNotSupported)
}

// Close sends the queued audio and CloseStream, then waits up to the close
// timeout for the trailing results before dropping the socket.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.closing)
		select {
		case <-s.done:
		case <-time.After(s.closeTimeout):
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.loops.Wait()
	})
	return nil
}

func (s *session) write(ctx context.Context) {
	defer s.loops.Done()
	for {
		select {
		case f := <-s.queue:
			if err := s.conn.Write(ctx, f.typ, f.data); err != nil {
				s.fail(fmt.Errorf("deepgram: write: %w: %w", stt.ErrStreamFailed, err))
				return
			}
		case <-s.done:
			return
		case <-s.closing:
			s.flush(ctx)
			return
		}
	}
}

// flush writes whatever is still queued, then CloseStream. Errors are moot:
// the reader reports a broken socket.
func (s *session) flush(ctx context.Context) {
	for {
		select {
		case f := <-s.queue:
			_ = s.conn.Write(ctx, f.typ, f.data)
		default:
			_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
			return
		}
	}
}

func (s *session) read(ctx context.Context) {
	defer s.loops.Done()
	defer close(s.done)
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.closing:
				// Deepgram hangs up after flushing a CloseStream.
			default:
				s.fail(fmt.Errorf("deepgram: read: %w: %w", stt.ErrStreamFailed, err))
			}
			return
		}
		if t, ok := parseResults(data); ok {
			s.events <- t
		}
	}
}

// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out Session values that behave like a tiny deterministic
// engine: each audio chunk is "recognised" as its own bytes, every chunk
// produces an interim result listing everything heard since the last final,
// and Finalize commits that text as a final. Tests can make a session fail,
// hang on Close, or emit arbitrary transcripts.
//
// Example:
//
//	p := &mock.Provider{Echo: true}
//	handle, _ := p.StartStream(ctx, cfg)
//	handle.SendAudio([]byte("f001"))
//	p.Session(0).Fail(errors.New("quota exceeded"))
package mock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErrs is consumed one entry per StartStream call. A nil entry
	// lets that call succeed. Once exhausted, StartStreamErr applies.
	StartStreamErrs []error

	// StartStreamErr, if non-nil, is returned from StartStream once
	// StartStreamErrs is exhausted.
	StartStreamErr error

	// Echo and DropFinalize are copied into every new Session.
	Echo         bool
	DropFinalize bool

	// BeforeStart, if set, is called with the zero-based call index before
	// StartStream returns. Tests block inside it to hold an adapter in its
	// reconnecting state.
	BeforeStart func(n int)

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions []*Session
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns a new Session or the configured
// error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	n := len(p.StartStreamCalls)
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	hook := p.BeforeStart
	p.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if len(p.StartStreamErrs) > 0 {
		err = p.StartStreamErrs[0]
		p.StartStreamErrs = p.StartStreamErrs[1:]
	} else {
		err = p.StartStreamErr
	}
	if err != nil {
		return nil, err
	}

	s := newSession()
	s.Echo = p.Echo
	s.DropFinalize = p.DropFinalize
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Session returns the i-th session handed out, or nil.
func (p *Provider) Session(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.sessions) {
		return nil
	}
	return p.sessions[i]
}

// SessionCount returns the number of sessions handed out so far.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// StartStreamCallCount returns the number of StartStream calls so far,
// including failed ones.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Calls returns a copy of the recorded StartStream calls.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StartStreamCalls)
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Echo makes every SendAudio emit an interim transcript and accumulate
	// the chunk text for the next final.
	Echo bool

	// DropFinalize makes Finalize a no-op, like an engine that ignores the
	// request and keeps the utterance open.
	DropFinalize bool

	// CloseBlock, when non-nil, makes Close wait until it is closed.
	CloseBlock chan struct{}

	// SendAudioCalls records every chunk passed to SendAudio, in order.
	SendAudioCalls [][]byte

	// FinalizeCallCount is the number of times Finalize was called.
	FinalizeCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events  chan stt.Transcript
	done    chan struct{}
	ended   bool
	err     error
	pending []string
}

var _ stt.SessionHandle = (*Session)(nil)

// The events buffer is large enough that tests never drain it concurrently.
func newSession() *Session {
	return &Session{
		events: make(chan stt.Transcript, 4096),
		done:   make(chan struct{}),
	}
}

// SendAudio records the chunk and, with Echo set, emits an interim result.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		if s.err != nil {
			return s.err
		}
		return stt.ErrSessionClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, append([]byte(nil), chunk...))
	if s.Echo {
		s.pending = append(s.pending, string(chunk))
		s.emitLocked(stt.Transcript{Text: strings.Join(s.pending, " "), Confidence: 0.5})
	}
	return nil
}

// Events implements stt.SessionHandle.
func (s *Session) Events() <-chan stt.Transcript { return s.events }

// Done implements stt.SessionHandle.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finalize commits pending text as a final transcript.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinalizeCallCount++
	if s.ended {
		return stt.ErrSessionClosed
	}
	if !s.DropFinalize {
		s.commitLocked()
	}
	return nil
}

// SetKeywords accepts and ignores the list.
func (s *Session) SetKeywords([]stt.KeywordBoost) error { return nil }

// Close ends the session once CloseBlock is released. Pending text is
// discarded like an engine cut off mid-utterance.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	block := s.CloseBlock
	s.mu.Unlock()

	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(nil)
	return nil
}

// Emit pushes an arbitrary transcript as if the engine produced it.
func (s *Session) Emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.emitLocked(t)
	}
}

// Fail ends the session abnormally, as a network drop or engine timeout
// would. Pending text is lost.
func (s *Session) Fail(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(fmt.Errorf("mock: %w: %w", stt.ErrStreamFailed, cause))
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SentChunks returns a copy of every chunk received so far.
func (s *Session) SentChunks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SendAudioCalls))
	for i, c := range s.SendAudioCalls {
		out[i] = string(c)
	}
	return out
}

func (s *Session) commitLocked() {
	if len(s.pending) == 0 {
		return
	}
	s.emitLocked(stt.Transcript{
		Text:         strings.Join(s.pending, " "),
		IsFinal:      true,
		Confidence:   0.9,
		FromFinalize: true,
	})
	s.pending = nil
}

func (s *Session) emitLocked(t stt.Transcript) {
	select {
	case s.events <- t:
	default:
	}
}

func (s *Session) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
	close(s.done)
}

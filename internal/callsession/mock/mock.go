// Package mock provides a recording [callsession.Sink] for tests.
package mock

import (
	"sync"

	"github.com/MrWong99/callpilot/internal/callsession"
	"github.com/MrWong99/callpilot/pkg/protocol"
)

// Sink records every message sent to it, including after Close.
type Sink struct {
	mu       sync.Mutex
	messages []protocol.Message
	notify   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

var _ callsession.Sink = (*Sink)(nil)

// NewSink returns an open Sink.
func NewSink() *Sink {
	return &Sink{
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Send implements [callsession.Sink].
func (s *Sink) Send(m protocol.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Done implements [callsession.Sink].
func (s *Sink) Done() <-chan struct{} { return s.done }

// Close simulates the client disconnecting.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Messages returns a copy of everything sent so far, in order.
func (s *Sink) Messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.messages...)
}

// OfType returns the messages of type t, in order.
func (s *Sink) OfType(t protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, m := range s.Messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Notify receives a value after Send. Sends are coalesced.
func (s *Sink) Notify() <-chan struct{} { return s.notify }

package delivery

import (
	"slices"
	"sync"

	"github.com/MrWong99/callpilot/pkg/protocol"
)

// outbox is the per-client send queue. Once it holds limit messages it
// sheds partial transcripts first: an incoming partial is dropped, anything
// else evicts the oldest queued partial. Session lifecycle and error
// messages may overrun the limit up to twice its size.
type outbox struct {
	mu    sync.Mutex
	items []protocol.Message
	limit int

	// ready holds a token while items is non-empty.
	ready chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit, ready: make(chan struct{}, 1)}
}

// push queues m. It returns the message shed to make room, if any, which
// may be m itself.
func (o *outbox) push(m protocol.Message) (shed protocol.Message, dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) >= o.limit {
		if partial(m) {
			return m, true
		}
		if i := slices.IndexFunc(o.items, partial); i >= 0 {
			shed, dropped = o.items[i], true
			o.items = slices.Delete(o.items, i, i+1)
		} else if !control(m) || len(o.items) >= 2*o.limit {
			return m, true
		}
	}
	o.items = append(o.items, m)
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return shed, dropped
}

// drain takes every queued message in order.
func (o *outbox) drain() []protocol.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

func (o *outbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func partial(m protocol.Message) bool {
	return m.Type == protocol.TypeTranscript && !m.IsFinal
}

// control reports whether m tells the client where a session stands.
func control(m protocol.Message) bool {
	switch m.Type {
	case protocol.TypeSessionStarted, protocol.TypeSessionStopped, protocol.TypeSessionError:
		return true
	}
	return false
}

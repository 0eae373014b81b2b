package callsession

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Registry is the set of live sessions keyed by ID. A session is inserted
// when it starts and removed when it reaches a terminal state.
type Registry struct {
	max int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry admitting at most max sessions.
// max <= 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{max: max, sessions: make(map[string]*Session)}
}

// Reserve inserts s under its ID.
func (r *Registry) Reserve(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.id)
	}
	if r.max > 0 && len(r.sessions) >= r.max {
		return fmt.Errorf("%w: limit %d", ErrCapacity, r.max)
	}
	r.sessions[s.id] = s
	return nil
}

// Remove deletes s. A different session registered under the same ID is
// left alone.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns the registered sessions ordered by start time.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Session) int {
		return cmp.Or(a.startedAt.Compare(b.startedAt), cmp.Compare(a.id, b.id))
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Capacity returns the session limit, or 0 when unlimited.
func (r *Registry) Capacity() int { return r.max }

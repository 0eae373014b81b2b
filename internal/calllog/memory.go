package calllog

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-process [Store]. Entries are lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	closed   bool
	sessions map[string][]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Entry)}
}

// Append implements [Store].
func (m *MemoryStore) Append(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, e := range entries {
		m.sessions[e.SessionID] = append(m.sessions[e.SessionID], e)
	}
	return nil
}

// Session implements [Store].
func (m *MemoryStore) Session(_ context.Context, sessionID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return slices.Clone(m.sessions[sessionID]), nil
}

// Close implements [Store].
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

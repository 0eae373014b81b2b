package assist

import (
	"sync"

	"github.com/MrWong99/callpilot/pkg/audio"
	"github.com/MrWong99/callpilot/pkg/provider/llm"
)

// History is a bounded rolling window of final utterances from both sides of
// a call. It is safe for concurrent use.
type History struct {
	maxTurns  int
	maxTokens int
	counter   llm.Provider

	mu      sync.Mutex
	entries []llm.Message
}

// NewHistory keeps at most maxTurns utterances and trims the oldest ones
// until the window fits maxTokens as measured by counter. A nil counter
// falls back to [llm.EstimateTokens]; a non-positive budget disables the
// token trim.
func NewHistory(maxTurns, maxTokens int, counter llm.Provider) *History {
	return &History{
		maxTurns:  max(maxTurns, 1),
		maxTokens: maxTokens,
		counter:   counter,
	}
}

// Add appends a final utterance spoken on ch.
func (h *History) Add(ch audio.Channel, text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, llm.Message{Role: llm.RoleUser, Name: string(ch), Content: text})
	if over := len(h.entries) - h.maxTurns; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
}

// Messages returns a copy of the window, oldest first, trimmed to the token
// budget.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	msgs := append([]llm.Message(nil), h.entries...)
	h.mu.Unlock()

	if h.maxTokens <= 0 {
		return msgs
	}
	for len(msgs) > 0 && h.count(msgs) > h.maxTokens {
		msgs = msgs[1:]
	}
	return msgs
}

// Len returns the number of utterances held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *History) count(msgs []llm.Message) int {
	if h.counter != nil {
		if n, err := h.counter.CountTokens(msgs); err == nil {
			return n
		}
	}
	return llm.EstimateTokens(msgs)
}

package assist

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/callpilot/pkg/audio"
	"github.com/MrWong99/callpilot/pkg/provider/llm/mock"
)

func TestHistory_KeepsNewestTurns(t *testing.T) {
	t.Parallel()

	h := NewHistory(3, 0, nil)
	for i := range 5 {
		h.Add(audio.ChannelCounterparty, fmt.Sprintf("line %d", i))
	}
	h.Add(audio.ChannelOperator, "")

	msgs := h.Messages()
	if len(msgs) != 3 || h.Len() != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "line 2" || msgs[2].Content != "line 4" {
		t.Errorf("window = %+v", msgs)
	}
	if msgs[0].Name != "counterparty" || msgs[0].Role != "user" {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestHistory_TrimsToTokenBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		counter   *mock.Provider
		maxTokens int
		want      int
	}{
		// Each 40-char line estimates to 10+4 tokens.
		{name: "estimate fits two", counter: &mock.Provider{}, maxTokens: 30, want: 2},
		{name: "unlimited", counter: &mock.Provider{}, maxTokens: 0, want: 4},
		{name: "counter error falls back to estimate", counter: &mock.Provider{CountTokensErr: errors.New("boom")}, maxTokens: 15, want: 1},
		{name: "nothing fits", counter: &mock.Provider{TokenCount: 10_000}, maxTokens: 100, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewHistory(10, tt.maxTokens, tt.counter)
			for i := range 4 {
				h.Add(audio.ChannelOperator, fmt.Sprintf("%d%s", i, strings.Repeat("x", 39)))
			}
			msgs := h.Messages()
			if len(msgs) != tt.want {
				t.Fatalf("got %d messages, want %d", len(msgs), tt.want)
			}
			if tt.want > 0 && !strings.HasPrefix(msgs[len(msgs)-1].Content, "3") {
				t.Errorf("newest message was trimmed: %+v", msgs)
			}
		})
	}
}

package openai

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/callpilot/pkg/provider/llm"
)

func TestToParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		msg      llm.Message
		wantErr  bool
		wantName string
	}{
		{name: "system", msg: llm.Message{Role: llm.RoleSystem, Content: "You coach sales reps."}},
		{name: "operator turn", msg: llm.Message{Role: llm.RoleUser, Content: "we ship in May", Name: "operator"}, wantName: "operator"},
		{name: "counterparty turn", msg: llm.Message{Role: llm.RoleUser, Content: "how much for ten seats?", Name: "counterparty"}, wantName: "counterparty"},
		{name: "earlier suggestion", msg: llm.Message{Role: llm.RoleAssistant, Content: "Offer the annual plan."}},
		{name: "tool role", msg: llm.Message{Role: "tool", Content: "{}"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := toParam(tt.msg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("toParam() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("toParam() error: %v", err)
			}
			switch tt.msg.Role {
			case llm.RoleSystem:
				if p.OfSystem == nil {
					t.Fatal("OfSystem not set")
				}
			case llm.RoleUser:
				if p.OfUser == nil || p.OfUser.Name.Value != tt.wantName {
					t.Fatalf("OfUser = %+v, want name %q", p.OfUser, tt.wantName)
				}
			case llm.RoleAssistant:
				if p.OfAssistant == nil {
					t.Fatal("OfAssistant not set")
				}
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o-mini"}

	if _, err := p.buildParams(llm.CompletionRequest{}); !errors.Is(err, llm.ErrNoMessages) {
		t.Fatalf("empty request: err = %v, want ErrNoMessages", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(params.Messages) != 1 {
		t.Errorf("sent %d messages without a system prompt, want 1", len(params.Messages))
	}
	if params.Temperature.Valid() || params.MaxCompletionTokens.Valid() {
		t.Error("zero temperature and max tokens must be left to the server default")
	}
}

// chatServer answers /chat/completions with status and body and captures
// the request.
func chatServer(t *testing.T, status int, body string, got *map[string]any) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func completion(finish, content string) string {
	return `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
		"choices":[{"index":0,"finish_reason":"` + finish + `",
			"message":{"role":"assistant","content":"` + content + `"}}],
		"usage":{"prompt_tokens":12,"completion_tokens":6,"total_tokens":18}}`
}

func TestComplete(t *testing.T) {
	t.Parallel()

	var sent map[string]any
	p := chatServer(t, http.StatusOK, completion("stop", "Quote the 10-seat tier."), &sent)
	resp, err := p.Complete(t.Context(), llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Name: "counterparty", Content: "price for 10 seats?"}},
		Temperature:  0.3,
		MaxTokens:    80,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Quote the 10-seat tier." || resp.Truncated || resp.Usage.TotalTokens != 18 {
		t.Errorf("response = %+v", resp)
	}
	if sent["model"] != "gpt-4o-mini" || sent["max_completion_tokens"] != float64(80) {
		t.Errorf("request body = %v", sent)
	}
	if msgs, _ := sent["messages"].([]any); len(msgs) != 2 {
		t.Errorf("sent %d messages, want system + user", len(msgs))
	}
}

func TestComplete_Outcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		body          string
		wantErr       error
		wantTruncated bool
	}{
		{"truncated", http.StatusOK, completion("length", "Offer the"), nil, true},
		{"no choices", http.StatusOK, `{"id":"x","object":"chat.completion","choices":[]}`, llm.ErrEmptyResponse, false},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"quota"}}`, llm.ErrRateLimited, false},
		{"bad key", http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`, llm.ErrUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := chatServer(t, tt.status, tt.body, nil)
			resp, err := p.Complete(t.Context(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Truncated != tt.wantTruncated {
				t.Errorf("Truncated = %v, want %v", resp.Truncated, tt.wantTruncated)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, key, model string
		opts             []Option
		wantErr          bool
	}{
		{name: "no key", model: "gpt-4o", wantErr: true},
		{name: "no model", key: "sk-test", wantErr: true},
		{name: "all options", key: "sk-test", model: "gpt-4o", opts: []Option{
			WithBaseURL("https://llm.internal.example/v1/"),
			WithOrganization("org-sales"),
			WithMaxRetries(1),
			WithTimeout(0),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.key, tt.model, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o"}
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "Hello world"}}
	if n, err := p.CountTokens(msgs); err != nil || n != llm.EstimateTokens(msgs) {
		t.Fatalf("CountTokens() = %d, %v", n, err)
	}
}

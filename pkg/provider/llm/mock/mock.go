// Package mock provides a scripted [llm.Provider] for tests.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/callpilot/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers Complete from its fields. A zero Provider returns
// (nil, nil). Configure it before use; the fields are not guarded.
type Provider struct {
	// CompleteResponse is returned when no error applies.
	CompleteResponse *llm.CompletionResponse

	// CompleteErrs is consumed one entry per call, a nil entry meaning
	// success. Once it is exhausted CompleteErr applies to every call.
	CompleteErrs []error
	CompleteErr  error

	// CompleteDelay holds each answer back. A context that ends first wins
	// with ctx.Err().
	CompleteDelay time.Duration

	// TokenCount overrides llm.EstimateTokens in CountTokens.
	TokenCount     int
	CountTokensErr error

	mu    sync.Mutex
	calls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})
	err := p.CompleteErr
	if len(p.CompleteErrs) > 0 {
		err, p.CompleteErrs = p.CompleteErrs[0], p.CompleteErrs[1:]
	}
	p.mu.Unlock()

	if p.CompleteDelay > 0 {
		select {
		case <-time.After(p.CompleteDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return p.CompleteResponse, nil
}

func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	switch {
	case p.CountTokensErr != nil:
		return 0, p.CountTokensErr
	case p.TokenCount > 0:
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// CompleteCallCount reports how many times Complete ran.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

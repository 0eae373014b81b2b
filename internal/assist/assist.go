// Package assist generates live guidance for the operator from what the
// counterparty just said.
//
// A [Generator] turns one finalized counterparty utterance plus the recent
// call history into suggestion text. [LLMGenerator] is the production
// implementation over an [llm.Provider]: each attempt runs under its own
// timeout and a failed attempt is retried at most once, since advice about a
// sentence the customer said ten seconds ago has little value.
package assist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/callpilot/internal/observe"
	"github.com/MrWong99/callpilot/pkg/provider/llm"
)

var (
	// ErrTimeout means every attempt ran past its per-attempt timeout.
	ErrTimeout = errors.New("assist: generation timed out")

	// ErrFailed means the provider returned an error or an empty answer.
	ErrFailed = errors.New("assist: generation failed")
)

// DefaultSystemPrompt is used when [Settings.SystemPrompt] is empty.
const DefaultSystemPrompt = `You assist a sales representative during a live phone call.
You see a rolling transcript; "counterparty" is the customer, "operator" is the representative.
Reply to the customer's latest sentence with one or two short suggestions the representative can say next.
Quote prices, quantities and product names exactly as they appear in the transcript. Never invent discounts.`

// Defaults for zero [Settings] fields.
const (
	DefaultTimeout     = 8 * time.Second
	DefaultRetries     = 1
	DefaultTemperature = 0.4
	DefaultMaxTokens   = 200
)

// Request is everything a generator needs for one suggestion.
type Request struct {
	SessionID string

	// TranscriptID is the final transcript event that triggered generation.
	TranscriptID string

	// Utterance is the counterparty's finalized sentence.
	Utterance string

	// History is the call so far, oldest first, not including Utterance.
	History []llm.Message
}

// Generator produces assistance text for a finalized utterance.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Settings control prompting and retry behaviour. They can be replaced at
// runtime with [LLMGenerator.Apply].
type Settings struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// Timeout bounds each attempt separately.
	Timeout time.Duration

	// Retries is the number of extra attempts after a failure. Values above
	// one are clamped to one.
	Retries int
}

func (s Settings) withDefaults() Settings {
	if s.SystemPrompt == "" {
		s.SystemPrompt = DefaultSystemPrompt
	}
	if s.Temperature == 0 {
		s.Temperature = DefaultTemperature
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	s.Retries = min(max(s.Retries, 0), 1)
	return s
}

// Option configures an [LLMGenerator].
type Option func(*LLMGenerator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *LLMGenerator) { g.log = l }
}

// WithMetrics records assistance latency and provider outcomes.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *LLMGenerator) { g.metrics = m }
}

// WithProviderName sets the provider label used in metrics. Default: "llm".
func WithProviderName(name string) Option {
	return func(g *LLMGenerator) { g.name = name }
}

// LLMGenerator implements [Generator] over a language model.
type LLMGenerator struct {
	llm      llm.Provider
	name     string
	log      *slog.Logger
	metrics  *observe.Metrics
	settings atomic.Pointer[Settings]
}

var _ Generator = (*LLMGenerator)(nil)

// NewLLMGenerator returns a generator that asks p for suggestions.
func NewLLMGenerator(p llm.Provider, s Settings, opts ...Option) *LLMGenerator {
	g := &LLMGenerator{
		llm:  p,
		name: "llm",
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	g.Apply(s)
	return g
}

// Apply replaces the generator settings. Requests already in flight keep the
// settings they started with.
func (g *LLMGenerator) Apply(s Settings) {
	s = s.withDefaults()
	g.settings.Store(&s)
}

// Settings returns the active settings.
func (g *LLMGenerator) Settings() Settings { return *g.settings.Load() }

// Generate asks the model for a suggestion. The error wraps [ErrTimeout] or
// [ErrFailed], or is the parent context's error when ctx ended first.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (string, error) {
	ctx, span := observe.StartSessionSpan(ctx, "assist.generate", req.SessionID,
		observe.AttrTranscriptID.String(req.TranscriptID))
	defer span.End()

	s := g.Settings()
	creq := llm.CompletionRequest{
		SystemPrompt: s.SystemPrompt,
		Messages:     buildMessages(req),
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	}

	begin := time.Now()
	var lastErr error
	for attempt := 0; attempt <= s.Retries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		text, err := g.attempt(ctx, s.Timeout, creq)
		if err == nil {
			g.record(ctx, "ok", begin)
			span.SetAttributes(attribute.Int("assist.attempts", attempt+1))
			return text, nil
		}
		lastErr = err
		g.log.Warn("assistance attempt failed",
			"session_id", req.SessionID,
			"transcript_id", req.TranscriptID,
			"attempt", attempt+1,
			"err", err,
		)
		if errors.Is(err, llm.ErrUnauthorized) {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		g.record(ctx, "canceled", begin)
		span.SetStatus(codes.Error, "canceled")
		return "", err
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	if errors.Is(lastErr, ErrTimeout) {
		g.record(ctx, "timeout", begin)
	} else {
		g.record(ctx, "error", begin)
	}
	return "", lastErr
}

func (g *LLMGenerator) attempt(ctx context.Context, timeout time.Duration, req llm.CompletionRequest) (string, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := g.llm.Complete(actx, req)
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordProviderError(ctx, g.name, "llm")
		}
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
		}
		return "", fmt.Errorf("%w: %w", ErrFailed, err)
	}
	if g.metrics != nil {
		g.metrics.RecordProviderRequest(ctx, g.name, "llm", "ok")
	}
	if resp.Truncated {
		g.log.Debug("assistance hit the token cap", "max_tokens", req.MaxTokens)
	}
	return strings.TrimSpace(resp.Content), nil
}

func (g *LLMGenerator) record(ctx context.Context, status string, begin time.Time) {
	if g.metrics != nil {
		g.metrics.RecordAssistance(context.WithoutCancel(ctx), status, time.Since(begin))
	}
}

func buildMessages(req Request) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	return append(msgs, llm.Message{Role: llm.RoleUser, Name: "counterparty", Content: req.Utterance})
}

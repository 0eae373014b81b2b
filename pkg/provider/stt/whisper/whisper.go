// Package whisper transcribes calls with a self-hosted whisper.cpp server.
//
// whisper.cpp only does batch inference (POST /inference), so a session cuts
// the incoming audio into utterances with an energy gate and uploads each
// utterance as a 16 kHz mono WAV file. Every accepted utterance yields a
// partial and a final with the same text. It is the local fallback for when
// the hosted engine is unreachable, not a low-latency engine.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 48000, Channels: 2})
package whisper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

// Defaults.
const (
	DefaultLanguage         = "en"
	DefaultSampleRate       = 16000
	DefaultSilenceThreshold = 500 * time.Millisecond
	DefaultMaxUtterance     = 10 * time.Second

	// DefaultEnergyThreshold is the RMS level, in 16-bit sample units, below
	// which a chunk counts as silence.
	DefaultEnergyThreshold = 300.0
)

var _ stt.Provider = (*Provider)(nil)

// Provider opens whisper sessions against one server. Sessions are
// independent; each has its own buffer and goroutine.
type Provider struct {
	endpoint string
	model    string
	language string
	rate     int
	gate     gateConfig
	client   *http.Client
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel names the model the server should use. Empty keeps the model
// the server was started with.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the language hint. Default [DefaultLanguage].
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the input rate assumed when a StreamConfig has none.
func WithSampleRate(rate int) Option { return func(p *Provider) { p.rate = rate } }

// WithSilenceThresholdMs sets how much trailing silence ends an utterance.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.gate.silence = time.Duration(ms) * time.Millisecond }
}

// WithMaxBufferDurationMs caps an utterance; longer speech is cut without
// waiting for silence.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.gate.maxLen = time.Duration(ms) * time.Millisecond }
}

// WithEnergyThreshold overrides [DefaultEnergyThreshold].
func WithEnergyThreshold(rms float64) Option { return func(p *Provider) { p.gate.energy = rms } }

// WithHTTPClient replaces the client used for uploads.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server url is required")
	}
	p := &Provider{
		endpoint: strings.TrimRight(serverURL, "/") + "/inference",
		language: DefaultLanguage,
		rate:     DefaultSampleRate,
		gate: gateConfig{
			silence: DefaultSilenceThreshold,
			maxLen:  DefaultMaxUtterance,
			energy:  DefaultEnergyThreshold,
		},
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. Nothing is sent to the server before the
// first utterance ends, so only a cancelled ctx or an unsupported format
// fails here.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w: %w", stt.ErrConnect, err)
	}
	if cfg.BitDepth != 0 && cfg.BitDepth != 16 {
		return nil, fmt.Errorf("whisper: %w: %d-bit audio is not supported", stt.ErrConnect, cfg.BitDepth)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = p.rate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Language == "" {
		cfg.Language = p.language
	}

	up := &uploader{
		endpoint: p.endpoint,
		model:    p.model,
		language: cfg.Language,
		rate:     cfg.SampleRate,
		channels: cfg.Channels,
		client:   p.client,
	}
	s := newSession(up, newGate(p.gate, cfg.SampleRate, cfg.Channels))
	go s.run(ctx)
	return s, nil
}

// Package deepgram streams call audio to Deepgram's live transcription
// WebSocket (/v1/listen).
//
// One [stt.SessionHandle] maps to one socket. Audio goes out as binary
// frames; Finalize and CloseStream are JSON control frames on the same
// ordered queue, so a finalize request always follows the audio it covers.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/callpilot/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-3"
	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultCloseTimeout = 5 * time.Second
	defaultEndpointing  = 300
)

// Provider opens Deepgram live sessions. It holds no connection itself.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	language     string
	sampleRate   int
	endpointing  int
	closeTimeout time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// Option customises a [Provider].
type Option func(*Provider)

// WithModel selects the recognition model. Default: nova-3.
func WithModel(name string) Option {
	return func(p *Provider) { p.model = name }
}

// WithLanguage sets the language used when a stream does not name one.
func WithLanguage(tag string) Option {
	return func(p *Provider) { p.language = tag }
}

// WithSampleRate sets the rate in Hz assumed when a stream does not state
// one. Default: 16000.
func WithSampleRate(hz int) Option {
	return func(p *Provider) { p.sampleRate = hz }
}

// WithEndpointing sets the trailing silence in milliseconds after which
// Deepgram closes an utterance by itself. Zero leaves the server default.
// Default: 300.
func WithEndpointing(ms int) Option {
	return func(p *Provider) { p.endpointing = ms }
}

// WithEndpoint replaces the streaming URL, for self-hosted deployments and
// tests.
func WithEndpoint(rawURL string) Option {
	return func(p *Provider) { p.endpoint = rawURL }
}

// WithCloseTimeout bounds the wait for trailing results after CloseStream.
// Default: 5s.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Provider) { p.closeTimeout = d }
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     deepgramEndpoint,
		model:        defaultModel,
		language:     defaultLanguage,
		sampleRate:   defaultSampleRate,
		endpointing:  defaultEndpointing,
		closeTimeout: defaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StartStream dials a new live session. Keywords are fixed for the life of
// the session. Dial failures wrap [stt.ErrConnect].
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: endpoint %q: %w", p.endpoint, err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w: %w", stt.ErrConnect, err)
	}
	return startSession(ctx, conn, p.closeTimeout), nil
}

// buildURL adds the stream parameters to the endpoint. Stream settings win
// over provider defaults.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	language, rate := cfg.Language, cfg.SampleRate
	if language == "" {
		language = p.language
	}
	if rate <= 0 {
		rate = p.sampleRate
	}
	encoding := "linear16"
	if cfg.BitDepth == 32 {
		encoding = "linear32"
	}

	params := u.Query()
	for k, v := range map[string]string{
		"model":           p.model,
		"language":        language,
		"encoding":        encoding,
		"sample_rate":     strconv.Itoa(rate),
		"punctuate":       "true",
		"interim_results": "true",
	} {
		params.Set(k, v)
	}
	if p.endpointing > 0 {
		params.Set("endpointing", strconv.Itoa(p.endpointing))
	}
	if cfg.Channels > 0 {
		params.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		params.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

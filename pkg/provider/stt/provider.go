// Package stt defines the Provider interface for streaming speech-to-text
// engines.
//
// An STT provider wraps a real-time transcription service (e.g. Deepgram or a
// local whisper.cpp server) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio and emits one ordered stream of Transcript values in which
// low-latency partials and authoritative finals are interleaved exactly as the
// engine produced them.
//
// Engines impose their own limits (maximum session length, idle timeout).
// Handling those limits is the caller's job; a SessionHandle simply ends and
// reports why through Done and Err.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrConnect marks a failure to establish a streaming session (dial,
	// authentication, quota).
	ErrConnect = errors.New("stt: connect failed")

	// ErrStreamFailed marks a session that ended without being closed by the
	// caller (network drop, engine-side timeout, server error).
	ErrStreamFailed = errors.New("stt: stream failed")

	// ErrSessionClosed is returned by SendAudio and Finalize after Close.
	ErrSessionClosed = errors.New("stt: session is closed")

	// ErrNotSupported is returned by optional operations the engine does not
	// implement.
	ErrNotSupported = errors.New("stt: not supported")
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved audio channels in each chunk.
	Channels int

	// BitDepth is the sample width in bits. Zero means 16.
	BitDepth int

	// Language is the BCP-47 language tag for recognition (e.g. "en-US").
	// An empty string lets the provider pick its default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product names.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide fake engines without a live connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider.
	// Chunks are transmitted in call order. Calling SendAudio after Close or
	// after the session ended returns an error.
	SendAudio(chunk []byte) error

	// Events returns the ordered stream of partial and final transcripts. The
	// channel is closed when the session ends, after every transcript the
	// engine produced has been delivered. Callers must keep draining it until
	// it is closed.
	Events() <-chan Transcript

	// Finalize asks the engine to commit whatever utterance is in flight so
	// that its final transcript is emitted without waiting for an endpoint.
	// The request is ordered after all audio already sent.
	Finalize() error

	// SetKeywords replaces the active keyword boost list without restarting
	// the session. Providers that cannot do this return ErrNotSupported.
	SetKeywords(keywords []KeywordBoost) error

	// Done is closed when the session has ended for any reason.
	Done() <-chan struct{}

	// Err returns nil while the session is running or when it ended through
	// Close, and an error wrapping ErrStreamFailed otherwise.
	Err() error

	// Close flushes pending audio, lets the engine emit its remaining
	// transcripts, and releases all resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per call channel).
type Provider interface {
	// StartStream opens a new streaming transcription session. ctx bounds
	// the connection attempt and the session lifetime. Connection failures wrap
	// ErrConnect. The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

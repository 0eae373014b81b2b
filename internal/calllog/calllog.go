// Package calllog keeps a durable record of what was said on each call and
// which assistance the operator was shown.
//
// Sessions hand entries to a [Recorder], which queues them and writes them
// to a [Store] in batches on its own goroutine, so a slow database never
// stalls the transcript path. Entries that do not fit in the queue are
// dropped and counted.
package calllog

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a store or recorder after Close.
var ErrClosed = errors.New("calllog: closed")

// Kind distinguishes transcript entries from assistance entries.
type Kind string

const (
	KindTranscript Kind = "transcript"
	KindAssistance Kind = "assistance"
)

// Entry is one line of the call log.
type Entry struct {
	SessionID string
	Kind      Kind

	// EventID is the transcript ID, or for assistance the transcript it
	// answers.
	EventID string

	// Channel is empty for assistance entries.
	Channel string

	Text string

	// RawText is the engine's text before product-name correction, when it
	// differs from Text.
	RawText string

	Confidence float64

	// Offset is the utterance start relative to the start of the call audio.
	Offset time.Duration

	At time.Time
}

// Store persists call log entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append writes entries in order.
	Append(ctx context.Context, entries []Entry) error

	// Session returns every entry of sessionID, oldest first.
	Session(ctx context.Context, sessionID string) ([]Entry, error)

	// Close releases the store's resources.
	Close() error
}

// Package protocol defines the JSON messages exchanged with operator clients
// over the live delivery connection.
//
// Every message is one JSON object with a "type" discriminator. Inbound
// messages control sessions; outbound messages report transcripts,
// assistance, acknowledgements, and failures.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Type discriminates a [Message].
type Type string

// Inbound control messages.
const (
	TypeStartSession Type = "start-session"
	TypeStopSession  Type = "stop-session"
)

// Outbound event messages.
const (
	TypeTranscript     Type = "transcript"
	TypeAssistance     Type = "assistance"
	TypeSessionError   Type = "session-error"
	TypeSessionStarted Type = "session-started"
	TypeSessionStopped Type = "session-stopped"
)

// ErrUnknownType is returned by [Message.ValidateInbound] for messages a
// client is not allowed to send.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Message is the single wire shape for every message type. Fields that do not
// apply to a type are omitted from the encoding.
type Message struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// transcript
	ID         string  `json:"id,omitempty"`
	Channel    string  `json:"channel,omitempty"`
	Text       string  `json:"text,omitempty"`
	IsFinal    bool    `json:"isFinal,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	// TimestampMs is the engine-relative start of the utterance.
	TimestampMs int64 `json:"timestampMs,omitempty"`

	// assistance
	CorrelatesWith string `json:"correlatesWith,omitempty"`

	// session-error
	Kind    string `json:"kind,omitempty"`
	Aborted bool   `json:"aborted,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// ValidateInbound checks that m is a well-formed control message.
// start-session may omit the session ID, in which case one is generated.
func (m Message) ValidateInbound() error {
	switch m.Type {
	case TypeStartSession:
		return nil
	case TypeStopSession:
		if m.SessionID == "" {
			return fmt.Errorf("protocol: %s requires sessionId", m.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownType, m.Type)
	}
}

// Transcript builds a transcript event.
func Transcript(sessionID, id, channel, text string, isFinal bool, confidence float64, ts time.Duration) Message {
	return Message{
		Type:        TypeTranscript,
		SessionID:   sessionID,
		ID:          id,
		Channel:     channel,
		Text:        text,
		IsFinal:     isFinal,
		Confidence:  confidence,
		TimestampMs: ts.Milliseconds(),
	}
}

// Assistance builds an assistance event correlated to the transcript with ID
// correlatesWith.
func Assistance(sessionID, correlatesWith, text string) Message {
	return Message{
		Type:           TypeAssistance,
		SessionID:      sessionID,
		CorrelatesWith: correlatesWith,
		Text:           text,
	}
}

// SessionError builds a session-error event. channel is empty for failures
// that are not tied to one side of the call.
func SessionError(sessionID, kind, channel string, aborted bool, detail string) Message {
	return Message{
		Type:      TypeSessionError,
		SessionID: sessionID,
		Kind:      kind,
		Channel:   channel,
		Aborted:   aborted,
		Detail:    detail,
	}
}

// SessionStarted acknowledges a start-session request.
func SessionStarted(sessionID string) Message {
	return Message{Type: TypeSessionStarted, SessionID: sessionID}
}

// SessionStopped reports that a session reached a terminal state.
func SessionStopped(sessionID string) Message {
	return Message{Type: TypeSessionStopped, SessionID: sessionID}
}

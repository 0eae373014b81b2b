package callsession

import (
	"strconv"
	"time"
)

// State is a call session's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
	StateStopped
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Info is a snapshot of one session for listings.
type Info struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`

	// Channels lists the channels still transcribing.
	Channels []string `json:"channels"`

	// Degraded lists channels disabled by a fatal engine failure.
	Degraded []string `json:"degraded,omitempty"`

	// EngineFailures counts every engine failure, fatal or not.
	EngineFailures int `json:"engine_failures"`
}

package callsession

import (
	"errors"

	"github.com/MrWong99/callpilot/internal/assist"
	"github.com/MrWong99/callpilot/internal/transcribe"
	"github.com/MrWong99/callpilot/pkg/audio"
)

var (
	// ErrSessionExists is returned when a session ID is already active.
	ErrSessionExists = errors.New("callsession: session already active")

	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("callsession: session not found")

	// ErrCapacity is returned when the configured session limit is reached.
	ErrCapacity = errors.New("callsession: too many active sessions")

	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("callsession: manager shut down")

	// ErrAbandoned is returned by Stop when part of the session did not
	// release within the grace period and was left behind.
	ErrAbandoned = errors.New("callsession: resources abandoned")

	// ErrDeliveryLost marks a session stopped because its client went away.
	ErrDeliveryLost = errors.New("callsession: delivery channel lost")
)

// Kind is the stable session-error kind sent to clients.
type Kind string

const (
	KindDeviceUnavailable  Kind = "device_unavailable"
	KindDeviceDisconnected Kind = "device_disconnected"
	KindDeviceBusy         Kind = "device_busy"
	KindFrameAlignment     Kind = "frame_alignment"
	KindEngineConnect      Kind = "engine_connect"
	KindEngineFatal        Kind = "engine_fatal"
	KindAssistanceTimeout  Kind = "assistance_timeout"
	KindAssistanceFailed   Kind = "assistance_failed"
	KindDeliveryLost       Kind = "delivery_lost"

	// KindRejected is sent when a start request is refused before any
	// resource is opened (duplicate ID, capacity, shutdown).
	KindRejected Kind = "rejected"

	// KindInternal covers errors outside the taxonomy.
	KindInternal Kind = "internal"
)

var kindTable = []struct {
	err  error
	kind Kind
}{
	{audio.ErrDeviceBusy, KindDeviceBusy},
	{audio.ErrDeviceDisconnected, KindDeviceDisconnected},
	{audio.ErrDeviceUnavailable, KindDeviceUnavailable},
	{audio.ErrFrameAlignment, KindFrameAlignment},
	{transcribe.ErrEngineConnect, KindEngineConnect},
	{transcribe.ErrEngineFatal, KindEngineFatal},
	{assist.ErrTimeout, KindAssistanceTimeout},
	{assist.ErrFailed, KindAssistanceFailed},
	{ErrDeliveryLost, KindDeliveryLost},
	{ErrSessionExists, KindRejected},
	{ErrCapacity, KindRejected},
	{ErrClosed, KindRejected},
}

// KindOf classifies err into a session-error kind. Errors outside the
// taxonomy are [KindInternal].
func KindOf(err error) Kind {
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

package transport

import "time"

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Status is a snapshot of the connection delivered to status observers.
// Err is the error that triggered the transition, if any; transient drops
// surface here only as reconnecting-state context, escalating to a failed
// state once reconnection attempts are exhausted.
type Status struct {
	State             State
	ReconnectAttempts int
	LastConnectedAt   time.Time
	Err               error
}

// StatusFunc observes connection state transitions. It is invoked
// synchronously on every transition, and immediately upon registration with
// the current state.
type StatusFunc func(Status)

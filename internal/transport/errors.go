package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transport layer.
var (
	// ErrMissingToken means Connect was called without a bearer token.
	ErrMissingToken = errors.New("transport: missing access token")
	// ErrMissingOrg means Connect or JoinRoom was called without an
	// organization scope.
	ErrMissingOrg = errors.New("transport: missing organization scope")
	// ErrConnectTimeout means no connection acknowledgment arrived within
	// the configured bound.
	ErrConnectTimeout = errors.New("transport: no connection acknowledgment before deadline")
	// ErrNotConnected means an operation that requires an established
	// connection was attempted without one.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectionLost means the connection dropped while an
	// acknowledgment was being awaited.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// RoomJoinError reports a failed room join: either an explicit server
// rejection (Reason is the server-provided message) or a timeout.
type RoomJoinError struct {
	RoomKey string
	Reason  string
	Err     error
}

func (e *RoomJoinError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transport: join %s rejected: %s", e.RoomKey, e.Reason)
	}
	return fmt.Sprintf("transport: join %s failed: %v", e.RoomKey, e.Err)
}

func (e *RoomJoinError) Unwrap() error { return e.Err }

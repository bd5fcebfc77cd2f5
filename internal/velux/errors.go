package velux

import (
	"errors"
	"fmt"
)

// Domain errors. Use errors.Is to check for them.
var (
	// ErrNoBackend is returned by TokenStore persistence when no backend is attached.
	ErrNoBackend = errors.New("velux: no token backend configured")

	// ErrNotConnected is returned when sending on a WebSocket session that is not open.
	ErrNotConnected = errors.New("velux: websocket not connected")

	// ErrOffline is returned by the facade when no access token can be obtained.
	ErrOffline = errors.New("velux: account offline")

	// ErrRequestFailed is returned when an HTTP exchange did not produce a usable response.
	ErrRequestFailed = errors.New("velux: request failed")

	// ErrModuleNotFound is returned when a module id is not part of the current snapshot.
	ErrModuleNotFound = errors.New("velux: module not found")

	// ErrPositionOutOfRange is returned when a position is outside 0..100.
	ErrPositionOutOfRange = errors.New("velux: position out of range")

	// ErrUnknownCommand is returned when no setter is registered for a group/field pair.
	ErrUnknownCommand = errors.New("velux: unknown command")

	// ErrCommandType is returned when a command value has the wrong kind.
	ErrCommandType = errors.New("velux: wrong command value type")
)

// StatusError describes an HTTP response status the transport does not treat as success.
type StatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("velux: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets errors.Is match ErrRequestFailed.
func (e *StatusError) Unwrap() error {
	return ErrRequestFailed
}

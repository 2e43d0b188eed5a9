package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by adapter sends issued before Connect
	ErrNotConnected = errors.New("not connected: call Connect first")
	// ErrUpstreamClosed is returned by adapter sends after the provider hung up
	ErrUpstreamClosed = errors.New("provider connection closed")
	// ErrConnectionClosed is returned when writing to a client connection that is shut
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSessionNotFound is returned by the session ledger for unknown IDs
	ErrSessionNotFound = errors.New("session not found")
)

// ConfigurationError reports a missing or invalid session configuration.
// It is fatal to the session.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Field)
}

// ConnectionError reports an unreachable or rejecting upstream. StatusCode
// and Reason are filled when the upstream answered the upgrade request.
type ConnectionError struct {
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		if e.Reason != "" {
			return fmt.Sprintf("connection to %s rejected: %d %s", e.URL, e.StatusCode, e.Reason)
		}
		return fmt.Sprintf("connection to %s rejected: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected message during the session handshake
type ProtocolError struct {
	Step     string
	Expected string
	Got      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("handshake step %q: expected %s, got %q", e.Step, e.Expected, e.Got)
}

// ArgumentDecodeError reports tool-call arguments that are not a JSON object.
// Adapters recover from it by substituting an empty argument set.
type ArgumentDecodeError struct {
	CallID string
	Raw    string
	Err    error
}

func (e *ArgumentDecodeError) Error() string {
	return fmt.Sprintf("failed to decode arguments for call %s: %v", e.CallID, e.Err)
}

func (e *ArgumentDecodeError) Unwrap() error { return e.Err }

package live

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by outbound operations when the session is not Open,
// and by [Client.Connect] when [Client.Disconnect] ends the handshake early.
var ErrClosed = errors.New("live: session not open")

// ErrAlreadyConnected is returned by [Client.Connect] while a previous
// attempt is still connecting or open.
var ErrAlreadyConnected = errors.New("live: already connected")

// ConnectionError reports a transport failure while establishing a session.
type ConnectionError struct {
	Op  string // "dial", "setup" or "handshake"
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("live: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that setupComplete did not arrive in time.
type TimeoutError struct {
	After time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("live: handshake not acknowledged within %s", e.After)
}

// Timeout reports true so callers can treat the error like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// ServerError is an error frame sent by the remote service.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("live: server error %d (%s): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("live: server error %d: %s", e.Code, msg)
}

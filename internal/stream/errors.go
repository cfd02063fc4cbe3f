package stream

import (
	"errors"
	"fmt"
)

var (
	ErrTransportInitFailed = errors.New("stream: transport init failed")
	ErrConnection          = errors.New("stream: connection error")
	ErrRetriesExhausted    = errors.New("stream: retries exhausted")
	ErrUnsupportedScheme   = errors.New("stream: unsupported endpoint scheme")
	ErrStreamEnded         = errors.New("stream: server closed the stream")
)

// TransportInitError reports a transport that could not even be constructed.
// It matches ErrTransportInitFailed and the underlying cause.
type TransportInitError struct {
	SessionID string
	Endpoint  string
	Err       error
}

func (e *TransportInitError) Error() string {
	return fmt.Sprintf("stream: transport init failed for session %s (%s): %v", e.SessionID, e.Endpoint, e.Err)
}

func (e *TransportInitError) Unwrap() []error {
	return []error{ErrTransportInitFailed, e.Err}
}

// ConnectionError reports a fault on a live channel. Attempt is the number of
// reconnect attempts already made when the fault was observed.
type ConnectionError struct {
	SessionID string
	Attempt   int
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream: connection error on session %s (attempt %d): %v", e.SessionID, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

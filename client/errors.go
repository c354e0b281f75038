package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by Send while the handshake has not completed.
	ErrNotReady = errors.New("client: connection not ready")
	// ErrRetriesExhausted is wrapped by the TerminalError reported on failure.
	ErrRetriesExhausted = errors.New("client: reconnect attempts exhausted")
	// ErrHandshakeRejected means the Stream Manager answered the register
	// request with a non-OK status.
	ErrHandshakeRejected = errors.New("client: handshake rejected")
	// ErrHandshakeTimeout means no register response arrived in time.
	ErrHandshakeTimeout = errors.New("client: handshake timed out")
	// ErrRequestTimeout completes a correlated request whose response did not arrive in time.
	ErrRequestTimeout = errors.New("client: request timed out")
	// ErrRequestDiscarded completes a correlated request that was still
	// unanswered when its connection went away. It is never replayed.
	ErrRequestDiscarded = errors.New("client: request discarded on disconnect")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("client: closed")
	// ErrLoopStopped means the event loop the client runs on is no longer running.
	ErrLoopStopped = errors.New("client: event loop stopped")
)

// TerminalError is reported exactly once when the client gives up.
type TerminalError struct {
	Address  string
	Attempts int
	Cause    error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("client: giving up on stream manager %s after %d attempts: %v", e.Address, e.Attempts, e.Cause)
}

func (e *TerminalError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Cause}
}

// HandshakeError carries the status the Stream Manager rejected us with.
type HandshakeError struct {
	Code    int32
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("client: handshake rejected with status %d: %s", e.Code, e.Message)
}

func (e *HandshakeError) Unwrap() error { return ErrHandshakeRejected }

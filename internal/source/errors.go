package source

import (
	"errors"
	"fmt"
)

// Sentinel errors of the capture source. Typed errors below unwrap to these
// so callers can branch with errors.Is.
var (
	// ErrConnection marks a failed connection attempt.
	ErrConnection = errors.New("source: connection failed")

	// ErrStream marks a transient read failure on an open connection.
	ErrStream = errors.New("source: stream error")

	// ErrFatalStream marks an exhausted reconnection budget. It is terminal.
	ErrFatalStream = errors.New("source: retries exhausted")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("source: closed")
)

// ConnectionError describes one failed dial.
type ConnectionError struct {
	Address string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("source: connect %q (attempt %d): %v", e.Address, e.Attempt, e.Err)
}

// Unwrap returns both ErrConnection and the underlying dial error.
func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// StreamError describes a transient read failure. Consecutive is the number of
// back-to-back failures including this one.
type StreamError struct {
	Epoch       uint64
	Consecutive int
	Err         error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("source: read failed (epoch %d, %d consecutive): %v", e.Epoch, e.Consecutive, e.Err)
}

// Unwrap returns both ErrStream and the underlying read error.
func (e *StreamError) Unwrap() []error { return []error{ErrStream, e.Err} }

// FatalStreamError is returned once the reconnection budget is spent.
// Err is the last [ConnectionError].
type FatalStreamError struct {
	Attempts int
	Err      error
}

func (e *FatalStreamError) Error() string {
	return fmt.Sprintf("source: giving up after %d connection attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns both ErrFatalStream and the last connection error.
func (e *FatalStreamError) Unwrap() []error { return []error{ErrFatalStream, e.Err} }

package detection

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInference is matched by every [*InferenceError].
	ErrInference = errors.New("detection: inference failed")

	// ErrShutdownTimeout is matched by [*ShutdownTimeoutError].
	ErrShutdownTimeout = errors.New("detection: shutdown timeout")

	// ErrAlreadyStarted is returned by Start when the pool is running or has
	// been stopped.
	ErrAlreadyStarted = errors.New("detection: pool already started")
)

// InferenceError wraps a detector failure for a single frame. It is logged
// and counted; the worker that hit it keeps running.
type InferenceError struct {
	Worker int
	Frame  string
	Err    error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("detection: worker %d: frame %s: %v", e.Worker, e.Frame, e.Err)
}

func (e *InferenceError) Unwrap() []error { return []error{ErrInference, e.Err} }

// ShutdownTimeoutError reports workers that did not exit within the shutdown
// timeout. Their goroutines are abandoned and any result they still produce
// is discarded.
type ShutdownTimeoutError struct {
	Abandoned []int
	Timeout   time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("detection: %d worker(s) still running after %s: %v", len(e.Abandoned), e.Timeout, e.Abandoned)
}

func (e *ShutdownTimeoutError) Unwrap() error { return ErrShutdownTimeout }

package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFrameAvailable is returned when no frame has been captured yet.
	ErrNoFrameAvailable = errors.New("snapshot: no frame available")

	// ErrAnalysisBusy is returned when another analysis is in flight or the
	// cooldown since the previous one has not elapsed.
	ErrAnalysisBusy = errors.New("snapshot: analysis busy")

	// ErrAnalysis is matched by every [*AnalysisError].
	ErrAnalysis = errors.New("snapshot: analysis failed")

	// ErrEmptyQuestion is returned for blank questions.
	ErrEmptyQuestion = errors.New("snapshot: question must not be empty")
)

// AnalysisError reports a failed VLM round trip: encoding, transport, an
// empty answer, or the hard timeout.
type AnalysisError struct {
	RequestID string
	Frame     string

	// Timeout is set when the call did not finish in time.
	Timeout bool

	Err error
}

func (e *AnalysisError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("snapshot: request %s: frame %s: timed out: %v", e.RequestID, e.Frame, e.Err)
	}
	return fmt.Sprintf("snapshot: request %s: frame %s: %v", e.RequestID, e.Frame, e.Err)
}

func (e *AnalysisError) Unwrap() []error { return []error{ErrAnalysis, e.Err} }

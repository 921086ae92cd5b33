// Package sink defines where detection results go once a worker has produced
// them.
//
// The core never stores results itself. Every [types.DetectionResult] is
// handed to exactly one [Sink], which may be a [Multi] fanning out to several
// concrete backends (websocket subscribers, Redis, PostgreSQL, the log).
//
// Implementations must be safe for concurrent use; every detection worker
// publishes from its own goroutine.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/terrarover/pkg/types"
)

// Sink receives detection results.
type Sink interface {
	// Publish delivers r. It should return promptly; slow backends are
	// expected to buffer or drop rather than stall the caller.
	Publish(ctx context.Context, r types.DetectionResult) error
}

// Func adapts a plain function to [Sink].
type Func func(ctx context.Context, r types.DetectionResult) error

// Publish calls f.
func (f Func) Publish(ctx context.Context, r types.DetectionResult) error {
	return f(ctx, r)
}

// Discard is a Sink that drops every result.
var Discard Sink = Func(func(context.Context, types.DetectionResult) error { return nil })

// Named pairs a sink with the name it is reported under in errors and
// metrics.
type Named struct {
	Name string
	Sink Sink
}

// Multi publishes to every member in order. A failing member does not stop
// delivery to the rest; all failures are joined into the returned error.
type Multi []Named

// Publish implements [Sink].
func (m Multi) Publish(ctx context.Context, r types.DetectionResult) error {
	var errs []error
	for _, n := range m {
		if err := n.Sink.Publish(ctx, r); err != nil {
			errs = append(errs, &Error{Sink: n.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Error reports a failure of one named sink.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Log writes one structured line per result.
type Log struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// SkipEmpty suppresses results with no detections.
	SkipEmpty bool
}

// Publish implements [Sink].
func (l Log) Publish(ctx context.Context, r types.DetectionResult) error {
	if l.SkipEmpty && len(r.Detections) == 0 {
		return nil
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "detections",
		"frame", r.FrameKey(),
		"count", len(r.Detections),
		"labels", r.Labels(),
		"latency", r.Latency,
		"worker", r.Worker,
	)
	return nil
}

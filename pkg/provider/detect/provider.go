// Package detect defines the Provider interface for object-detection
// backends.
//
// A detection provider wraps a model (an OpenCV DNN network, a remote
// inference service, ...) and turns one [types.Frame] into one
// [types.DetectionResult]. Latency should be bounded; callers apply a
// per-frame timeout through ctx.
//
// Implementations must be safe for concurrent use: the detection worker pool
// calls Detect from several goroutines at once.
package detect

import (
	"context"

	"github.com/MrWong99/terrarover/pkg/types"
)

// Provider is the abstraction over any object-detection backend.
type Provider interface {
	// Detect runs inference on f. The returned result must reference f by
	// Epoch and Seq. Any returned error is treated by the caller as a
	// single-frame inference failure.
	Detect(ctx context.Context, f types.Frame) (types.DetectionResult, error)
}

// Filter drops detections below minConfidence and, when labels is non-empty,
// detections whose label is not in labels. It returns a new slice.
func Filter(ds []types.Detection, minConfidence float64, labels map[string]bool) []types.Detection {
	out := make([]types.Detection, 0, len(ds))
	for _, d := range ds {
		if d.Confidence < minConfidence {
			continue
		}
		if len(labels) > 0 && !labels[d.Label] {
			continue
		}
		out = append(out, d)
	}
	return out
}

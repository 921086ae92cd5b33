// Package mock provides a test double for the detect.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/terrarover/pkg/provider/detect"
	"github.com/MrWong99/terrarover/pkg/types"
)

// Provider is a mock implementation of detect.Provider.
//
// When DetectFunc is set it is called for every frame. Otherwise Detect
// returns DetectErr if non-nil, else a result carrying Detections.
type Provider struct {
	mu sync.Mutex

	// DetectFunc, if set, replaces the canned behaviour.
	DetectFunc func(ctx context.Context, f types.Frame) (types.DetectionResult, error)

	// Detections is copied into every successful result.
	Detections []types.Detection

	// DetectErr is returned when non-nil.
	DetectErr error

	// Delay is slept (ctx-aware) before returning.
	Delay time.Duration

	// Calls records every frame passed to Detect.
	Calls []types.Frame
}

// Detect records the call and returns the configured outcome.
func (p *Provider) Detect(ctx context.Context, f types.Frame) (types.DetectionResult, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, f)
	fn, ds, err, delay := p.DetectFunc, p.Detections, p.DetectErr, p.Delay
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, f)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return types.DetectionResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return types.DetectionResult{}, err
	}
	return types.DetectionResult{
		Epoch:      f.Epoch,
		Seq:        f.Seq,
		CapturedAt: f.CapturedAt,
		Detections: append([]types.Detection(nil), ds...),
		DetectedAt: time.Now(),
	}, nil
}

// CallCount returns how many frames Detect has seen. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements detect.Provider at compile time.
var _ detect.Provider = (*Provider)(nil)

package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/terrarover/pkg/provider/vlm"
)

// VLMFallback implements [vlm.Provider] with failover across several
// vision-language backends, each behind its own circuit breaker.
type VLMFallback struct {
	group *FallbackGroup[vlm.Provider]
}

var _ vlm.Provider = (*VLMFallback)(nil)

// NewVLMFallback creates a [VLMFallback] with primary as the preferred
// backend. An empty answer is treated as permanent: another model looking at
// the same frame is not expected to do better.
func NewVLMFallback(primary vlm.Provider, primaryName string, cfg FallbackConfig) *VLMFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = func(err error) bool { return errors.Is(err, vlm.ErrEmptyAnswer) }
	}
	return &VLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *VLMFallback) AddFallback(name string, p vlm.Provider) {
	f.group.AddFallback(name, p)
}

// Ask sends req to the first healthy backend.
func (f *VLMFallback) Ask(ctx context.Context, req vlm.Request) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p vlm.Provider) (string, error) {
		return p.Ask(ctx, req)
	})
}

// Healthy reports whether any backend currently accepts calls.
func (f *VLMFallback) Healthy() bool { return f.group.Healthy() }

// States returns the breaker state per backend.
func (f *VLMFallback) States() map[string]State { return f.group.States() }

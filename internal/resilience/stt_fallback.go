package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/terrarover/pkg/provider/stt"
	"github.com/MrWong99/terrarover/pkg/types"
)

// STTFallback implements [stt.Provider] with failover across several
// transcription backends.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend. Unsupported audio formats are not retried elsewhere.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = func(err error) bool { return errors.Is(err, stt.ErrInvalidAudio) }
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Transcribe sends clip to the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, clip types.AudioClip) (types.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (types.Transcript, error) {
		return p.Transcribe(ctx, clip)
	})
}

// Healthy reports whether any backend currently accepts calls.
func (f *STTFallback) Healthy() bool { return f.group.Healthy() }

// Package mock provides a test double for [stt.Provider].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/terrarover/pkg/provider/stt"
	"github.com/MrWong99/terrarover/pkg/types"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// TranscribeFunc, if set, replaces the canned behaviour.
	TranscribeFunc func(ctx context.Context, clip types.AudioClip) (types.Transcript, error)

	// Text is returned as the transcript text.
	Text string

	// TranscribeErr, if non-nil, is returned instead of a transcript.
	TranscribeErr error

	// Clips records every clip passed to Transcribe.
	Clips []types.AudioClip
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, clip types.AudioClip) (types.Transcript, error) {
	p.mu.Lock()
	p.Clips = append(p.Clips, clip)
	fn, text, err := p.TranscribeFunc, p.Text, p.TranscribeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, clip)
	}
	if err != nil {
		return types.Transcript{}, err
	}
	return types.Transcript{Text: text, Duration: clip.Duration()}, nil
}

// CallCount returns the number of Transcribe calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Clips)
}

// Package stt defines the Provider interface for speech-to-text backends.
//
// Voice questions arrive as one fixed-length clip, so the interface is batch:
// a provider receives the whole clip and returns one transcript. Providers
// normalise the clip to whatever format their backend needs (see
// audio.Normalize).
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/terrarover/pkg/types"
)

var (
	// ErrInvalidAudio is returned for clips with an unusable format or no
	// samples. Retrying with another backend will not help.
	ErrInvalidAudio = errors.New("stt: invalid audio")

	// ErrNoSpeech is returned when the clip is silent or the backend
	// recognised no words.
	ErrNoSpeech = errors.New("stt: no speech recognised")
)

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the text spoken in clip. An empty result must be
	// reported as [ErrNoSpeech].
	Transcribe(ctx context.Context, clip types.AudioClip) (types.Transcript, error)
}

// Validate returns an [ErrInvalidAudio] error when clip cannot be transcribed.
func Validate(clip types.AudioClip) error {
	switch {
	case len(clip.Data) == 0:
		return fmt.Errorf("%w: empty clip", ErrInvalidAudio)
	case clip.SampleRate <= 0 || clip.Channels <= 0:
		return fmt.Errorf("%w: %dHz/%dch", ErrInvalidAudio, clip.SampleRate, clip.Channels)
	}
	return nil
}

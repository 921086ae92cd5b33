// Package vlm defines the Provider interface for vision-language models.
//
// A VLM answers a free-text question about a single image. The snapshot
// coordinator prepares the image (JPEG, downscaled) and bounds the call with
// a timeout through ctx; providers only translate the request to their API.
//
// Implementations must be safe for concurrent use.
package vlm

import (
	"context"
	"errors"
)

// DefaultSystemPrompt frames the model as a scene describer.
const DefaultSystemPrompt = "You are the vision module of a camera system. " +
	"Answer the user's question about the attached camera frame briefly and concretely. " +
	"If the frame does not show enough to answer, say so."

// ErrEmptyAnswer is returned when the model responds without any text.
var ErrEmptyAnswer = errors.New("vlm: empty answer")

// Request is one question about one image.
type Request struct {
	// Question is the user's question. Must not be empty.
	Question string

	// JPEG is the encoded image.
	JPEG []byte

	// SystemPrompt overrides the provider's configured system prompt when
	// non-empty.
	SystemPrompt string
}

// Provider is the abstraction over any vision-language model backend.
type Provider interface {
	// Ask returns the model's answer. A blank answer must be reported as
	// [ErrEmptyAnswer].
	Ask(ctx context.Context, req Request) (string, error)
}

// Package openai provides an STT provider for the OpenAI transcription API
// and compatible servers (faster-whisper-server, LocalAI, speaches) through
// github.com/sashabaranov/go-openai.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/MrWong99/terrarover/pkg/audio"
	"github.com/MrWong99/terrarover/pkg/provider/stt"
	"github.com/MrWong99/terrarover/pkg/types"
)

// Provider implements stt.Provider against /audio/transcriptions.
type Provider struct {
	client   *openai.Client
	baseURL  string
	model    string
	language string
	prompt   string
}

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL points the client at a compatible server, e.g.
// "http://localhost:8000/v1".
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithModel overrides the model (default "whisper-1").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets an ISO-639-1 hint. Empty lets the model detect it.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithPrompt passes vocabulary hints (object names, room names) to the model.
func WithPrompt(prompt string) Option {
	return func(p *Provider) { p.prompt = prompt }
}

// New creates a Provider. apiKey may be empty for self-hosted servers.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{model: openai.Whisper1}
	for _, o := range opts {
		o(p)
	}
	cc := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cc.BaseURL = p.baseURL
	}
	p.client = openai.NewClientWithConfig(cc)
	return p
}

// Transcribe uploads clip as a 16 kHz mono WAV.
func (p *Provider) Transcribe(ctx context.Context, clip types.AudioClip) (types.Transcript, error) {
	if err := stt.Validate(clip); err != nil {
		return types.Transcript{}, err
	}
	mono, err := audio.Normalize(clip, audio.SpeechSampleRate)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("%w: %w", stt.ErrInvalidAudio, err)
	}

	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.model,
		FilePath: "question.wav",
		Reader:   bytes.NewReader(audio.EncodeWAV(mono)),
		Prompt:   p.prompt,
		Language: p.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return types.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return types.Transcript{}, stt.ErrNoSpeech
	}
	tr := types.Transcript{
		Text:     text,
		Language: resp.Language,
		Duration: time.Duration(resp.Duration * float64(time.Second)),
	}
	if tr.Language == "" {
		tr.Language = p.language
	}
	if tr.Duration == 0 {
		tr.Duration = clip.Duration()
	}
	return tr, nil
}

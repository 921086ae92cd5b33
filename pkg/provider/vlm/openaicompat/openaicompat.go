// Package openaicompat provides a VLM provider for servers that speak the
// OpenAI chat-completions dialect (vLLM, LM Studio, llama.cpp server, Ollama's
// /v1 endpoint) through github.com/sashabaranov/go-openai.
//
// Unlike the official SDK, go-openai lets an empty API key through, which is
// what most self-hosted servers expect.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/MrWong99/terrarover/pkg/imaging"
	"github.com/MrWong99/terrarover/pkg/provider/vlm"
)

// Provider implements vlm.Provider against an OpenAI-compatible server.
type Provider struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float32
}

// Compile-time interface assertion.
var _ vlm.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithSystemPrompt replaces [vlm.DefaultSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(pr *Provider) { pr.systemPrompt = p }
}

// WithMaxTokens caps the answer length. Default 300.
func WithMaxTokens(n int) Option {
	return func(pr *Provider) { pr.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(pr *Provider) { pr.temperature = t }
}

// New creates a provider for baseURL (e.g. "http://localhost:8000/v1").
func New(baseURL, apiKey, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("openaicompat: base URL must not be empty")
	}
	if model == "" {
		return nil, errors.New("openaicompat: model must not be empty")
	}
	cc := openai.DefaultConfig(apiKey)
	cc.BaseURL = strings.TrimRight(baseURL, "/")

	p := &Provider{
		client:       openai.NewClientWithConfig(cc),
		model:        model,
		systemPrompt: vlm.DefaultSystemPrompt,
		maxTokens:    300,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Ask implements vlm.Provider.
func (p *Provider) Ask(ctx context.Context, req vlm.Request) (string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", errors.New("openaicompat: question must not be empty")
	}
	if len(req.JPEG) == 0 {
		return "", errors.New("openaicompat: image must not be empty")
	}

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("openaicompat: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openaicompat: %w: no choices", vlm.ErrEmptyAnswer)
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", vlm.ErrEmptyAnswer
	}
	return answer, nil
}

func (p *Provider) buildRequest(req vlm.Request) openai.ChatCompletionRequest {
	system := p.systemPrompt
	if req.SystemPrompt != "" {
		system = req.SystemPrompt
	}

	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeText,
				Text: req.Question,
			},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    imaging.DataURL(req.JPEG),
					Detail: openai.ImageURLDetailAuto,
				},
			},
		},
	})

	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
}

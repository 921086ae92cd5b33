// Package openai provides a VLM provider backed by the OpenAI Chat
// Completions API with image content parts.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/terrarover/pkg/imaging"
	"github.com/MrWong99/terrarover/pkg/provider/vlm"
)

// Provider implements vlm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	cfg    config
}

// Compile-time interface assertion.
var _ vlm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	systemPrompt string
	detail       string
	maxTokens    int64
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithSystemPrompt replaces [vlm.DefaultSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(c *config) { c.systemPrompt = p }
}

// WithDetail sets the image detail hint: "low", "high" or "auto" (default).
func WithDetail(d string) Option {
	return func(c *config) { c.detail = d }
}

// WithMaxTokens caps the answer length.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = int64(n) }
}

// New constructs a new OpenAI VLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai vlm: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai vlm: model must not be empty")
	}

	cfg := config{systemPrompt: vlm.DefaultSystemPrompt, detail: "auto", maxTokens: 300}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model, cfg: cfg}, nil
}

// Ask implements vlm.Provider.
func (p *Provider) Ask(ctx context.Context, req vlm.Request) (string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", errors.New("openai vlm: question must not be empty")
	}
	if len(req.JPEG) == 0 {
		return "", errors.New("openai vlm: image must not be empty")
	}

	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("openai vlm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai vlm: %w: no choices", vlm.ErrEmptyAnswer)
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", vlm.ErrEmptyAnswer
	}
	return answer, nil
}

// buildParams converts a vlm.Request into OpenAI SDK params.
func (p *Provider) buildParams(req vlm.Request) oai.ChatCompletionNewParams {
	system := p.cfg.systemPrompt
	if req.SystemPrompt != "" {
		system = req.SystemPrompt
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, oai.SystemMessage(system))
	}
	messages = append(messages, oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
		oai.TextContentPart(req.Question),
		oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
			URL:    imaging.DataURL(req.JPEG),
			Detail: p.cfg.detail,
		}),
	}))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if p.cfg.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(p.cfg.maxTokens)
	}
	return params
}

package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Claude-backed summarizer provider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key.
	APIKey string

	// BaseURL overrides the API endpoint (optional).
	BaseURL string

	// Model defaults to the latest Haiku; summaries do not need a large
	// model.
	Model string

	// MaxTokens caps the response size. Defaults to twice the requested
	// target, with a floor of 256.
	MaxTokens int64
}

// AnthropicProvider implements Provider on top of the Anthropic Messages
// API. It is safe for concurrent use.
type AnthropicProvider struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicProvider creates a provider from the given config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("summarize: anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := anthropic.Model(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Summarize sends one non-streaming Messages request and concatenates the
// text blocks of the response.
func (p *AnthropicProvider) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	maxTokens := p.maxTokens
	if maxTokens <= 0 {
		maxTokens = int64(targetTokens) * 2
		if maxTokens < 256 {
			maxTokens = 256
		}
	}

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(text, targetTokens))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: anthropic request: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}

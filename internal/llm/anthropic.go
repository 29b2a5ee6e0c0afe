package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates a client. An empty apiKey falls back to ANTHROPIC_API_KEY.
func NewAnthropic(apiKey string, opts ...Option) (*AnthropicClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (provide via config or ANTHROPIC_API_KEY environment variable)")
	}

	cfg := providerConfig{model: "claude-3-5-haiku-latest", maxTokens: 1024}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, anthropicopt.WithBaseURL(cfg.baseURL))
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(reqOpts...),
		model:     cfg.model,
		maxTokens: cfg.maxTokens,
	}, nil
}

func (c *AnthropicClient) send(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := c.send(ctx, "", prompt)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}
	return out, nil
}

func (c *AnthropicClient) GenerateStructured(ctx context.Context, prompt string) (map[string]any, error) {
	out, err := c.send(ctx, structuredSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("anthropic structured generation: %w", err)
	}
	return ParseStructured(out)
}

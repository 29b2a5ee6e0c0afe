// Package llm is the boundary to the language-model collaborator: free-text
// completion and structured (JSON object) generation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/rcliao/tiered-memory/internal/metrics"
)

// Client is supplied by the host system.
type Client interface {
	// Complete returns free text for prompt.
	Complete(ctx context.Context, prompt string) (string, error)
	// GenerateStructured returns the JSON object the model produced for prompt.
	GenerateStructured(ctx context.Context, prompt string) (map[string]any, error)
}

// ErrMalformed reports a structured response that is not a JSON object.
var ErrMalformed = errors.New("malformed structured response")

const structuredSystemPrompt = "You are a precise assistant. Reply with a single JSON object and nothing else."

// ParseStructured extracts a JSON object from model output. It strips Markdown
// code fences and accepts an object that was itself encoded as a JSON string.
func ParseStructured(text string) (map[string]any, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
			s = s[nl+1:] // drop the language tag line
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	var quoted string
	if err := json.Unmarshal([]byte(s), &quoted); err == nil {
		s = strings.TrimSpace(quoted)
	}

	// decode the first object only so prose around it is ignored
	if start := strings.IndexByte(s, '{'); start >= 0 {
		s = s[start:]
	}

	var out map[string]any
	if err := json.NewDecoder(strings.NewReader(s)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: null", ErrMalformed)
	}
	return out, nil
}

// Limited rate-limits and counts calls to an inner Client.
type Limited struct {
	inner    Client
	provider string
	limiter  *rate.Limiter
}

// NewLimited wraps inner. rps <= 0 disables limiting.
func NewLimited(inner Client, provider string, rps float64, burst int) *Limited {
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Limited{inner: inner, provider: provider, limiter: lim}
}

func (l *Limited) Complete(ctx context.Context, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	out, err := l.inner.Complete(ctx, prompt)
	metrics.LLMRequests.WithLabelValues(l.provider, "complete", resultLabel(err)).Inc()
	return out, err
}

func (l *Limited) GenerateStructured(ctx context.Context, prompt string) (map[string]any, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := l.inner.GenerateStructured(ctx, prompt)
	metrics.LLMRequests.WithLabelValues(l.provider, "structured", resultLabel(err)).Inc()
	return out, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}

// Options selects and configures a provider.
type Options struct {
	Provider          string // "openai" | "anthropic" | "none"
	Model             string
	APIKey            string
	BaseURL           string
	MaxTokens         int64
	RequestsPerSecond float64
	Burst             int
}

// New builds the configured client wrapped in NewLimited. It returns nil, nil
// when the provider is "none" or empty.
func New(opts Options) (Client, error) {
	var c Client
	var err error
	switch strings.ToLower(opts.Provider) {
	case "", "none":
		return nil, nil
	case "openai":
		c, err = NewOpenAI(opts.APIKey, WithModel(opts.Model), WithBaseURL(opts.BaseURL))
	case "anthropic":
		c, err = NewAnthropic(opts.APIKey, WithModel(opts.Model), WithMaxTokens(opts.MaxTokens))
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewLimited(c, opts.Provider, opts.RequestsPerSecond, opts.Burst), nil
}

// Option configures a provider.
type Option func(*providerConfig)

type providerConfig struct {
	model     string
	baseURL   string
	maxTokens int64
}

// WithModel sets the model name. Empty keeps the provider default.
func WithModel(model string) Option {
	return func(c *providerConfig) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL points the provider at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *providerConfig) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int64) Option {
	return func(c *providerConfig) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

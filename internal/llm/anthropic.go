package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	Model     string        // default: claude-haiku-4-5-20251001
	MaxTokens int64         // default: 1024
	BaseURL   string        // optional, for proxies and tests
	Timeout   time.Duration // default: 60s
	Retry     RetryConfig
}

// AnthropicClient implements TextGenerator using the Messages API through
// the official SDK. SDK-level retries are disabled; the guard owns them.
type AnthropicClient struct {
	cfg    AnthropicConfig
	client anthropic.Client
	guard  guard
}

// NewAnthropicClient creates a new Anthropic client with the given configuration.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
		guard:  newGuard("anthropic", cfg.Timeout, cfg.Retry),
	}
}

// Complete sends a single user turn and returns the concatenated text blocks.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	return run(ctx, c.guard, func(ctx context.Context) (string, error) {
		msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.cfg.Model),
			MaxTokens: c.cfg.MaxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) {
				return "", &StatusError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
			}
			return "", fmt.Errorf("anthropic request failed: %w", err)
		}

		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if sb.Len() == 0 {
			return "", fmt.Errorf("anthropic returned no text content")
		}
		return sb.String(), nil
	})
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.cfg.Model
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *AnthropicClient) Breaker() *CircuitBreaker {
	return c.guard.breaker
}

var _ TextGenerator = (*AnthropicClient)(nil)

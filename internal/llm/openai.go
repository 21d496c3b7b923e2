package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIConfig holds configuration for the OpenAI clients. Any
// OpenAI-compatible server can be targeted through BaseURL.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // default: gpt-4o-mini (chat) or text-embedding-3-small (embeddings)
	BaseURL string        // default: https://api.openai.com
	Timeout time.Duration // default: 60s
	Retry   RetryConfig
}

func (c *OpenAIConfig) applyDefaults(model string) {
	if c.Model == "" {
		c.Model = model
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com"
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryConfig
	}
}

// openAIBase carries what the chat and embedding clients share.
type openAIBase struct {
	cfg    OpenAIConfig
	client *http.Client
	guard  guard
}

func (b *openAIBase) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// OpenAIClient implements TextGenerator using the chat completions API.
type OpenAIClient struct {
	openAIBase
}

// NewOpenAIClient creates a new OpenAI chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	cfg.applyDefaults("gpt-4o-mini")
	return &OpenAIClient{openAIBase{
		cfg:    cfg,
		client: &http.Client{},
		guard:  newGuard("openai", cfg.Timeout, cfg.Retry),
	}}
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a single-turn completion and returns the response text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return run(ctx, c.guard, func(ctx context.Context) (string, error) {
		var resp openAIChatResponse
		err := c.post(ctx, "/v1/chat/completions", openAIChatRequest{
			Model:    c.cfg.Model,
			Messages: []openAIChatMessage{{Role: "user", Content: prompt}},
		}, &resp)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("openai returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// GetModel returns the configured model name.
func (c *OpenAIClient) GetModel() string {
	return c.cfg.Model
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *OpenAIClient) Breaker() *CircuitBreaker {
	return c.guard.breaker
}

// OpenAIEmbeddingClient implements EmbeddingGenerator using the embeddings API.
type OpenAIEmbeddingClient struct {
	openAIBase
}

// NewOpenAIEmbeddingClient creates a new OpenAI embedding client.
func NewOpenAIEmbeddingClient(cfg OpenAIConfig) *OpenAIEmbeddingClient {
	cfg.applyDefaults("text-embedding-3-small")
	return &OpenAIEmbeddingClient{openAIBase{
		cfg:    cfg,
		client: &http.Client{},
		guard:  newGuard("openai-embedding", cfg.Timeout, cfg.Retry),
	}}
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding vector for text.
func (c *OpenAIEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return run(ctx, c.guard, func(ctx context.Context) ([]float32, error) {
		var resp openAIEmbeddingResponse
		if err := c.post(ctx, "/v1/embeddings", openAIEmbeddingRequest{Model: c.cfg.Model, Input: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("openai returned empty embedding")
		}
		return resp.Data[0].Embedding, nil
	})
}

// GetModel returns the configured model name.
func (c *OpenAIEmbeddingClient) GetModel() string {
	return c.cfg.Model
}

var (
	_ TextGenerator      = (*OpenAIClient)(nil)
	_ EmbeddingGenerator = (*OpenAIEmbeddingClient)(nil)
)

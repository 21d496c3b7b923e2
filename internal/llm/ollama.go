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

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is used for completions or embeddings, depending on how the
	// client is used (default: qwen2.5:7b)
	Model string

	// Timeout bounds each attempt (default: 60s)
	Timeout time.Duration

	// Retry controls attempts per call (default: DefaultRetryConfig)
	Retry RetryConfig
}

// OllamaClient talks to a local Ollama server for generation and embeddings.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
	guard   guard
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse holds one embedding per input; we always send one input.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a new Ollama client, applying defaults for empty fields.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "qwen2.5:7b"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetryConfig
	}

	return &OllamaClient{
		baseURL: config.BaseURL,
		model:   config.Model,
		client:  &http.Client{},
		guard:   newGuard("ollama", config.Timeout, config.Retry),
	}
}

// Complete sends a non-streaming /api/generate request and returns the text.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	return run(ctx, c.guard, func(ctx context.Context) (string, error) {
		var resp generateResponse
		err := c.post(ctx, "/api/generate", generateRequest{Model: c.model, Prompt: prompt}, &resp)
		return resp.Response, err
	})
}

// Embed generates an embedding for text via /api/embed.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return run(ctx, c.guard, func(ctx context.Context) ([]float32, error) {
		var resp embedResponse
		if err := c.post(ctx, "/api/embed", embedRequest{Model: c.model, Input: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
			return nil, fmt.Errorf("ollama returned empty embedding vector")
		}
		return resp.Embeddings[0], nil
	})
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Provider: "ollama", StatusCode: resp.StatusCode, Body: string(b)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// HealthCheck verifies that Ollama is reachable via /api/version. It bypasses
// the circuit breaker since it is a health probe itself.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Provider: "ollama", StatusCode: resp.StatusCode}
	}
	return nil
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *OllamaClient) Breaker() *CircuitBreaker {
	return c.guard.breaker
}

var (
	_ TextGenerator      = (*OllamaClient)(nil)
	_ EmbeddingGenerator = (*OllamaClient)(nil)
	_ HealthChecker      = (*OllamaClient)(nil)
)

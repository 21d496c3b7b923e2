// Package llm holds the clients for the two model boundaries persona talks
// to: text generation (Ollama, OpenAI, Anthropic) and embeddings (Ollama,
// OpenAI, or a local hashing embedder). Every network client runs behind a
// per-call timeout, bounded retries and a circuit breaker.
package llm

import "context"

// TextGenerator is the interface for single-prompt text completion.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator is the interface for generating vector embeddings.
// Implementations need not normalize; callers go through embedding.Service.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// HealthChecker is implemented by clients that can probe their backend
// without spending a completion.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

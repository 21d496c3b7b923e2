package llm

import (
	"fmt"

	"github.com/scrypster/persona/internal/config"
)

func retryFrom(cfg config.LLMConfig) RetryConfig {
	r := DefaultRetryConfig
	r.MaxAttempts = cfg.MaxAttempts
	return r
}

// NewTextGenerator creates the TextGenerator selected by cfg.Provider.
func NewTextGenerator(cfg config.LLMConfig) (TextGenerator, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.Timeout,
			Retry:   retryFrom(cfg),
		}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.AnthropicModel,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
			Retry:     retryFrom(cfg),
		}), nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaModel,
			Timeout: cfg.Timeout,
			Retry:   retryFrom(cfg),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

// NewEmbeddingGenerator creates the EmbeddingGenerator selected by
// emb.Provider. Network providers reuse the endpoints and keys in llmCfg.
func NewEmbeddingGenerator(emb config.EmbeddingConfig, llmCfg config.LLMConfig) (EmbeddingGenerator, error) {
	retry := retryFrom(llmCfg)
	switch emb.Provider {
	case "openai":
		return NewOpenAIEmbeddingClient(OpenAIConfig{
			APIKey:  llmCfg.OpenAIAPIKey,
			Model:   emb.Model,
			BaseURL: llmCfg.OpenAIBaseURL,
			Timeout: emb.Timeout,
			Retry:   retry,
		}), nil
	case "ollama", "":
		model := emb.Model
		if model == "" {
			model = "all-minilm"
		}
		return NewOllamaClient(OllamaConfig{
			BaseURL: llmCfg.OllamaURL,
			Model:   model,
			Timeout: emb.Timeout,
			Retry:   retry,
		}), nil
	case "hash":
		return NewHashEmbedder(emb.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", emb.Provider)
	}
}

// Package config provides configuration management for persona.
// Settings are layered: built-in defaults, then an optional YAML file, then
// environment variables with the PERSONA_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the persona service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	History   HistoryConfig   `yaml:"history"`
	Eviction  EvictionConfig  `yaml:"eviction"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host         string  `yaml:"host" env:"PERSONA_HOST"`                   // default: 127.0.0.1
	Port         int     `yaml:"port" env:"PERSONA_PORT"`                   // default: 5000
	SecurityMode string  `yaml:"security_mode" env:"PERSONA_SECURITY_MODE"` // development or production
	APIToken     string  `yaml:"api_token" env:"PERSONA_API_TOKEN"`
	RateLimit    float64 `yaml:"rate_limit" env:"PERSONA_RATE_LIMIT"` // requests per second, 0 disables
	RateBurst    int     `yaml:"rate_burst" env:"PERSONA_RATE_BURST"`
}

// StorageConfig selects and configures the memory and session backend.
type StorageConfig struct {
	Engine      string `yaml:"engine" env:"PERSONA_STORAGE_ENGINE"` // sqlite, postgres or memory
	DataPath    string `yaml:"data_path" env:"PERSONA_DATA_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"PERSONA_POSTGRES_DSN"`
}

// LLMConfig configures the text generation provider.
type LLMConfig struct {
	Provider        string        `yaml:"provider" env:"PERSONA_LLM_PROVIDER"` // ollama, openai or anthropic
	OllamaURL       string        `yaml:"ollama_url" env:"PERSONA_OLLAMA_URL"`
	OllamaModel     string        `yaml:"ollama_model" env:"PERSONA_OLLAMA_MODEL"`
	OpenAIAPIKey    string        `yaml:"openai_api_key" env:"PERSONA_OPENAI_API_KEY"`
	OpenAIBaseURL   string        `yaml:"openai_base_url" env:"PERSONA_OPENAI_BASE_URL"`
	OpenAIModel     string        `yaml:"openai_model" env:"PERSONA_OPENAI_MODEL"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key" env:"PERSONA_ANTHROPIC_API_KEY"`
	AnthropicModel  string        `yaml:"anthropic_model" env:"PERSONA_ANTHROPIC_MODEL"`
	MaxTokens       int64         `yaml:"max_tokens" env:"PERSONA_LLM_MAX_TOKENS"`
	Timeout         time.Duration `yaml:"timeout" env:"PERSONA_LLM_TIMEOUT"`
	MaxAttempts     int           `yaml:"max_attempts" env:"PERSONA_LLM_MAX_ATTEMPTS"`
}

// EmbeddingConfig configures the embedding provider and its cache.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider" env:"PERSONA_EMBEDDING_PROVIDER"` // ollama, openai or hash
	Model     string        `yaml:"model" env:"PERSONA_EMBEDDING_MODEL"`
	Dimension int           `yaml:"dimension" env:"PERSONA_EMBEDDING_DIMENSION"`
	CacheSize int64         `yaml:"cache_size" env:"PERSONA_EMBEDDING_CACHE_SIZE"` // cached vectors, 0 disables
	Timeout   time.Duration `yaml:"timeout" env:"PERSONA_EMBEDDING_TIMEOUT"`
}

// RetrievalConfig holds the reranking constants.
type RetrievalConfig struct {
	TopN         int     `yaml:"top_n" env:"PERSONA_RETRIEVAL_TOP_N"`
	TopK         int     `yaml:"top_k" env:"PERSONA_RETRIEVAL_TOP_K"`
	SimThreshold float64 `yaml:"sim_threshold" env:"PERSONA_RETRIEVAL_SIM_THRESHOLD"`
	TagWeight    float64 `yaml:"tag_weight" env:"PERSONA_RETRIEVAL_TAG_WEIGHT"`
	MinScore     float64 `yaml:"min_score" env:"PERSONA_RETRIEVAL_MIN_SCORE"`
}

// HistoryConfig bounds the session transcript fed back to the model.
type HistoryConfig struct {
	MaxChars int `yaml:"max_chars" env:"PERSONA_HISTORY_MAX_CHARS"`
}

// EvictionConfig bounds each user's memory store.
type EvictionConfig struct {
	MaxEntries int    `yaml:"max_entries" env:"PERSONA_EVICTION_MAX_ENTRIES"`
	Seed       uint64 `yaml:"seed" env:"PERSONA_EVICTION_SEED"`
	Schedule   string `yaml:"schedule" env:"PERSONA_EVICTION_SCHEDULE"` // cron expression, empty disables the sweep
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"PERSONA_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"PERSONA_LOG_FORMAT"` // text or json
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         5000,
			SecurityMode: "development",
			RateLimit:    20,
			RateBurst:    40,
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		LLM: LLMConfig{
			Provider:       "ollama",
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "qwen2.5:7b",
			OpenAIModel:    "gpt-4o-mini",
			AnthropicModel: "claude-haiku-4-5-20251001",
			MaxTokens:      1024,
			Timeout:        60 * time.Second,
			MaxAttempts:    3,
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "all-minilm",
			Dimension: 384,
			CacheSize: 10000,
			Timeout:   10 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopN:         20,
			TopK:         5,
			SimThreshold: 0.75,
			TagWeight:    1.0,
			MinScore:     18,
		},
		History: HistoryConfig{
			MaxChars: 50000,
		},
		Eviction: EvictionConfig{
			MaxEntries: 100,
			Seed:       42,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty or the file does not exist), and PERSONA_* environment
// variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.SecurityMode {
	case "development", "production":
	default:
		errs = append(errs, fmt.Errorf("server.security_mode %q must be development or production", c.Server.SecurityMode))
	}
	if c.Server.SecurityMode == "production" && c.Server.APIToken == "" {
		errs = append(errs, errors.New("server.api_token is required in production mode"))
	}

	switch c.Storage.Engine {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.engine %q must be sqlite, postgres or memory", c.Storage.Engine))
	}

	switch c.LLM.Provider {
	case "ollama", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.MaxAttempts < 1 {
		errs = append(errs, errors.New("llm.max_attempts must be at least 1"))
	}

	switch c.Embedding.Provider {
	case "ollama", "openai", "hash":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not supported", c.Embedding.Provider))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("embedding.dimension must be positive"))
	}

	if c.Retrieval.TopN <= 0 || c.Retrieval.TopK <= 0 {
		errs = append(errs, errors.New("retrieval.top_n and retrieval.top_k must be positive"))
	}
	if c.History.MaxChars <= 0 {
		errs = append(errs, errors.New("history.max_chars must be positive"))
	}
	if c.Eviction.MaxEntries < 5 {
		errs = append(errs, errors.New("eviction.max_entries must be at least 5"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsProduction reports whether authentication is enforced.
func (c *Config) IsProduction() bool {
	return c.Server.SecurityMode == "production"
}

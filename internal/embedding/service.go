// Package embedding turns text into unit-length vectors of a fixed dimension.
// It sits between the engine and an llm.EmbeddingGenerator, normalizing and
// checking every vector and caching repeated texts such as tags.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto"

	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/storage"
)

// ErrDimensionMismatch is returned when the provider yields a vector whose
// length differs from the configured dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Option configures a Service.
type Option func(*Service)

// WithCache caches up to size vectors keyed by their input text.
// size <= 0 disables caching.
func WithCache(size int64) Option {
	return func(s *Service) { s.cacheSize = size }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service wraps an EmbeddingGenerator. It is safe for concurrent use.
type Service struct {
	gen       llm.EmbeddingGenerator
	dimension int
	cacheSize int64
	cache     *ristretto.Cache
	logger    *slog.Logger
}

// NewService creates a Service producing vectors of length dimension.
func NewService(gen llm.EmbeddingGenerator, dimension int, opts ...Option) (*Service, error) {
	if gen == nil {
		return nil, errors.New("embedding generator is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}

	s := &Service{gen: gen, dimension: dimension, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if s.cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: s.cacheSize * 10,
			MaxCost:     s.cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Embed returns the unit-length embedding of text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(text); ok {
			return clone(v.([]float32)), nil
		}
	}

	vec, err := s.gen.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed with %s: %w", s.gen.GetModel(), err)
	}
	if len(vec) != s.dimension {
		return nil, fmt.Errorf("%w: %s returned %d, want %d",
			ErrDimensionMismatch, s.gen.GetModel(), len(vec), s.dimension)
	}
	if storage.Norm(vec) == 0 {
		return nil, fmt.Errorf("embed with %s: zero vector", s.gen.GetModel())
	}
	vec = storage.Normalize(clone(vec))

	if s.cache != nil {
		s.cache.Set(text, clone(vec), 1)
	}
	return vec, nil
}

// EmbedAll embeds each text in order, stopping at the first failure.
func (s *Service) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Dimension returns the vector length the service produces.
func (s *Service) Dimension() int {
	return s.dimension
}

// Model returns the underlying provider's model name.
func (s *Service) Model() string {
	return s.gen.GetModel()
}

// Close releases the cache.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
		s.cache = nil
	}
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

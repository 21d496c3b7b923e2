// Package engine implements persona's memory core: hybrid vector and tag
// retrieval, session history stitching, extraction of tagged facts from model
// output, and usage-weighted eviction. Engine ties them into the query flow.
package engine

import (
	"context"
	"fmt"

	"github.com/scrypster/persona/internal/config"
)

// Embedder turns text into a unit-length vector of fixed dimension.
// embedding.Service is the production implementation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds the tuning constants of the memory core.
type Config struct {
	// TopN is how many vector-search candidates are reranked (default: 20).
	TopN int

	// TopK is the most entries retrieval returns (default: 5).
	TopK int

	// SimThreshold is the cosine similarity a query tag must exceed against
	// an entry tag to count towards the tag score (default: 0.75).
	SimThreshold float64

	// TagWeight multiplies the tag score in the final score (default: 1.0).
	TagWeight float64

	// MinScore is the final score an entry needs to be selected (default: 18).
	MinScore float64

	// HistoryMaxChars bounds the session transcript fed to the model, keeping
	// the trailing characters (default: 50000).
	HistoryMaxChars int

	// MaxEntries is the per-user memory bound (default: 100). Eviction starts
	// at 90% of it and removes 20% of it per run.
	MaxEntries int

	// Seed drives the random eviction fallback (default: 42).
	Seed uint64
}

// DefaultConfig returns the constants the scoring formulas were tuned with.
func DefaultConfig() Config {
	return Config{
		TopN:            20,
		TopK:            5,
		SimThreshold:    0.75,
		TagWeight:       1.0,
		MinScore:        18,
		HistoryMaxChars: 50000,
		MaxEntries:      100,
		Seed:            42,
	}
}

// ConfigFrom maps the service configuration onto engine constants.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TopN:            cfg.Retrieval.TopN,
		TopK:            cfg.Retrieval.TopK,
		SimThreshold:    cfg.Retrieval.SimThreshold,
		TagWeight:       cfg.Retrieval.TagWeight,
		MinScore:        cfg.Retrieval.MinScore,
		HistoryMaxChars: cfg.History.MaxChars,
		MaxEntries:      cfg.Eviction.MaxEntries,
		Seed:            cfg.Eviction.Seed,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.TopN < 1 {
		return fmt.Errorf("TopN must be >= 1, got %d", c.TopN)
	}
	if c.TopK < 1 || c.TopK > c.TopN {
		return fmt.Errorf("TopK must be in [1, TopN], got %d", c.TopK)
	}
	if c.SimThreshold < -1 || c.SimThreshold > 1 {
		return fmt.Errorf("SimThreshold must be in [-1, 1], got %v", c.SimThreshold)
	}
	if c.TagWeight < 0 {
		return fmt.Errorf("TagWeight must be >= 0, got %v", c.TagWeight)
	}
	if c.HistoryMaxChars < 1 {
		return fmt.Errorf("HistoryMaxChars must be >= 1, got %d", c.HistoryMaxChars)
	}
	if c.MaxEntries < 5 {
		return fmt.Errorf("MaxEntries must be >= 5, got %d", c.MaxEntries)
	}
	return nil
}

// EvictionThreshold is the entry count at which eviction starts: 90% of
// MaxEntries, rounded up so that counts below the exact 90% mark never evict.
func (c *Config) EvictionThreshold() int {
	return (c.MaxEntries*9 + 9) / 10
}

// RemoveCount is how many entries one eviction run deletes: 20% of MaxEntries.
func (c *Config) RemoveCount() int {
	return c.MaxEntries / 5
}

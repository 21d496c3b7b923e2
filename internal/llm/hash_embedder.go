package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, offline EmbeddingGenerator. Each token
// seeds a pseudo-random vector from its FNV-1a hash; a text's embedding is
// the normalized sum of its token vectors, so texts that share words land
// close together. It needs no model server, which makes it the embedder for
// tests and air-gapped demos.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hashing embedder. dimensions <= 0 means 384,
// the size of all-MiniLM-L6-v2.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed returns the unit-length embedding of text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		tokens = []string{text}
	}

	sum := make([]float64, h.dimensions)
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		seed := f.Sum64()
		for i := range sum {
			// Knuth's MMIX LCG
			seed = seed*6364136223846793005 + 1442695040888963407
			sum[i] += float64(int64(seed)) / math.MaxInt64
		}
	}

	var norm float64
	for _, x := range sum {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	out := make([]float32, h.dimensions)
	for i, x := range sum {
		if norm > 0 {
			x /= norm
		}
		out[i] = float32(x)
	}
	return out, nil
}

// Dimensions returns the embedding size.
func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

// GetModel identifies the embedder.
func (h *HashEmbedder) GetModel() string {
	return "hash"
}

var _ EmbeddingGenerator = (*HashEmbedder)(nil)

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

// Extractor asks the model what a query reveals about the user and stores
// the answer as memory entries.
type Extractor struct {
	gen      llm.TextGenerator
	embedder Embedder
	store    storage.MemoryStore
	history  *History
	logger   *slog.Logger
	now      func() time.Time
}

// NewExtractor creates an Extractor. A nil logger means slog.Default().
func NewExtractor(gen llm.TextGenerator, embedder Embedder, store storage.MemoryStore, history *History, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		gen:      gen,
		embedder: embedder,
		store:    store,
		history:  history,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Extract runs extraction for query in the given session. The model output
// is parsed and every fact embedded before anything is written; the entries
// are then committed in one batch, so a failure leaves the store untouched.
func (x *Extractor) Extract(ctx context.Context, userID, sessionID, query string) (*Extraction, error) {
	history, ok, err := x.history.Load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	output, err := x.gen.Complete(ctx, llm.ExtractionPrompt(query, history, ok))
	if err != nil {
		return nil, fmt.Errorf("%w: extraction: %w", ErrGenerationFailure, err)
	}

	ext, err := ParseExtraction(output)
	if err != nil {
		return nil, err
	}

	now := x.now()
	entries := make([]*types.MemoryEntry, 0, len(ext.Facts))
	for _, f := range ext.Facts {
		vec, err := x.embedder.Embed(ctx, f.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: fact %q: %w", ErrEmbeddingFailure, f.Text, err)
		}
		entries = append(entries, &types.MemoryEntry{
			UserID:    userID,
			Text:      f.Text,
			Vector:    vec,
			Tags:      f.Tags,
			LastUsed:  now,
			Source:    types.SourceExtraction,
			CreatedAt: now,
		})
	}

	if len(entries) > 0 {
		if err := x.store.InsertBatch(ctx, entries); err != nil {
			return nil, fmt.Errorf("%w: commit extraction: %w", ErrStoreUnavailable, err)
		}
	}

	ext.Entries = make([]types.MemoryEntry, len(entries))
	for i, e := range entries {
		ext.Entries[i] = *e
	}

	x.logger.Info("extracted personal info",
		"user_id", userID, "session_id", sessionID, "facts", len(entries), "tags", len(ext.Tags))
	return ext, nil
}

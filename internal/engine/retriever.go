package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

// ScoredEntry is a vector-search candidate with its reranking scores.
type ScoredEntry struct {
	Entry      types.MemoryEntry
	Similarity float64
	RankScore  float64
	TagScore   float64
	FinalScore float64
}

// Retriever selects the memory entries most relevant to a query.
//
// Candidates come from a vector search limited to TopN and are scored as
//
//	rank  = TopN - position            (best hit = TopN)
//	tag   = |{q in queryTags : max_t cos(q, t) > SimThreshold}|
//	final = rank + TagWeight * tag
//
// where t ranges over the candidate's tags. Candidates are stably sorted by
// final score and those scoring at least MinScore are kept, at most TopK.
type Retriever struct {
	store    storage.MemoryStore
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetriever creates a Retriever. A nil logger means slog.Default().
func NewRetriever(store storage.MemoryStore, embedder Embedder, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Rank returns every candidate for the query, scored and sorted by final
// score, before the MinScore cutoff. condensed is embedded instead of query
// when tags are present and condensed is not blank.
func (r *Retriever) Rank(ctx context.Context, userID, query, condensed string, tags []string) ([]ScoredEntry, error) {
	tags = types.NormalizeTags(tags)

	text := query
	if len(tags) > 0 && strings.TrimSpace(condensed) != "" {
		text = condensed
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrEmbeddingFailure, err)
	}

	results, err := r.store.Search(ctx, vec, storage.Filter{UserID: userID}, r.cfg.TopN)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrStoreUnavailable, err)
	}

	scored := make([]ScoredEntry, len(results))
	for i, res := range results {
		rank := float64(r.cfg.TopN - i)
		scored[i] = ScoredEntry{
			Entry:      res.Entry,
			Similarity: res.Similarity,
			RankScore:  rank,
			FinalScore: rank,
		}
	}

	if len(tags) > 0 && len(scored) > 0 {
		r.applyTagScores(ctx, scored, tags)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].FinalScore > scored[j].FinalScore
	})
	return scored, nil
}

// applyTagScores fills TagScore and FinalScore. Embedding failures score 0
// rather than failing the retrieval.
func (r *Retriever) applyTagScores(ctx context.Context, scored []ScoredEntry, tags []string) {
	queryTags := make([][]float32, 0, len(tags))
	for _, tag := range tags {
		vec, err := r.embedder.Embed(ctx, tag)
		if err != nil {
			r.logger.Warn("retrieval: failed to embed query tag, skipping tag scores", "tag", tag, "error", err)
			return
		}
		queryTags = append(queryTags, vec)
	}

	for i := range scored {
		entryTags, err := r.embedTags(ctx, scored[i].Entry.Tags)
		if err != nil {
			r.logger.Warn("retrieval: failed to embed entry tags",
				"entry_id", scored[i].Entry.ID, "error", err)
			continue
		}
		score := tagScore(queryTags, entryTags, r.cfg.SimThreshold)
		scored[i].TagScore = float64(score)
		scored[i].FinalScore = scored[i].RankScore + r.cfg.TagWeight*float64(score)
	}
}

func (r *Retriever) embedTags(ctx context.Context, tags []string) ([][]float32, error) {
	out := make([][]float32, 0, len(tags))
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			continue
		}
		vec, err := r.embedder.Embed(ctx, tag)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// tagScore counts the query tags whose best match among entryTags exceeds threshold.
func tagScore(queryTags, entryTags [][]float32, threshold float64) int {
	if len(entryTags) == 0 {
		return 0
	}
	count := 0
	for _, q := range queryTags {
		best := -1.0
		for _, t := range entryTags {
			if sim := storage.CosineSimilarity(q, t); sim > best {
				best = sim
			}
		}
		if best > threshold {
			count++
		}
	}
	return count
}

// Select applies the MinScore cutoff and the TopK limit to ranked candidates.
func (r *Retriever) Select(ranked []ScoredEntry) []ScoredEntry {
	out := make([]ScoredEntry, 0, r.cfg.TopK)
	for _, s := range ranked {
		if len(out) == r.cfg.TopK {
			break
		}
		if s.FinalScore >= r.cfg.MinScore {
			out = append(out, s)
		}
	}
	return out
}

// Retrieve returns the texts of the selected entries and records a usage hit
// on each. It never fails: when the store or the embedder is unavailable, or
// the user has no entries, it returns the single llm.NoPersonalInfo text.
func (r *Retriever) Retrieve(ctx context.Context, userID, query, condensed string, tags []string) []string {
	ranked, err := r.Rank(ctx, userID, query, condensed, tags)
	if err != nil {
		r.logger.Warn("retrieval failed", "user_id", userID, "error", err)
		return []string{llm.NoPersonalInfo}
	}
	if len(ranked) == 0 {
		return []string{llm.NoPersonalInfo}
	}

	selected := r.Select(ranked)
	texts := make([]string, len(selected))
	ids := make([]string, len(selected))
	for i, s := range selected {
		texts[i] = s.Entry.Text
		ids[i] = s.Entry.ID
	}

	if len(ids) > 0 {
		if err := r.store.IncrementUsage(ctx, ids, r.now()); err != nil {
			r.logger.Warn("retrieval: failed to record usage", "user_id", userID, "error", err)
		}
	}

	r.logger.Debug("retrieved personal info",
		"user_id", userID, "candidates", len(ranked), "selected", len(selected))
	return texts
}

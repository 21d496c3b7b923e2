package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/internal/storage/storagetest"
	"github.com/scrypster/persona/pkg/types"
)

func tagEmbedder() *mapEmbedder {
	return &mapEmbedder{vecs: map[string][]float32{
		"condensed": axis(0),
		"raw":       axis(0),
		"planes":    axis(2),
		"aviation":  storagetest.Vec(2, 0.2), // cos to planes ~0.98
		"cooking":   axis(3),
		"a":         axis(1),
		"b":         axis(2),
		"c":         axis(3),
	}}
}

// entryAt returns an entry whose similarity to axis(0) falls as i grows.
func entryAt(user string, i int, tags ...string) *types.MemoryEntry {
	return storagetest.Entry(user, fmt.Sprintf("fact %02d", i), storagetest.Vec(0, 0.05*float32(i)), tags...)
}

func TestRetriever_ScoreFormula(t *testing.T) {
	s := newStore(t, storagetest.Dimension)
	insert(t, s,
		entryAt("u", 1, "cooking"),
		entryAt("u", 2, "cooking"),
		entryAt("u", 3, "aviation"),
		entryAt("u", 4, "planes"),
		entryAt("u", 5, "cooking"),
	)
	r := NewRetriever(s, tagEmbedder(), DefaultConfig(), nil)

	ranked, err := r.Rank(context.Background(), "u", "raw", "condensed", []string{"planes"})
	require.NoError(t, err)
	require.Len(t, ranked, 5)

	wantRank := map[string]float64{"fact 01": 20, "fact 02": 19, "fact 03": 18, "fact 04": 17, "fact 05": 16}
	wantTag := map[string]float64{"fact 03": 1, "fact 04": 1}
	for _, s := range ranked {
		assert.Equal(t, wantRank[s.Entry.Text], s.RankScore, s.Entry.Text)
		assert.Equal(t, wantTag[s.Entry.Text], s.TagScore, s.Entry.Text)
		assert.Equal(t, s.RankScore+1.0*s.TagScore, s.FinalScore, s.Entry.Text)
	}

	var order []string
	for _, s := range ranked {
		order = append(order, s.Entry.Text)
	}
	// fact 02 and fact 03 tie at 19; the stable sort keeps search order.
	assert.Equal(t, []string{"fact 01", "fact 02", "fact 03", "fact 04", "fact 05"}, order)

	selected := r.Select(ranked)
	require.Len(t, selected, 4)
	for _, s := range selected {
		assert.GreaterOrEqual(t, s.FinalScore, 18.0)
	}
}

func TestRetriever_TagBoostReorders(t *testing.T) {
	s := newStore(t, storagetest.Dimension)
	insert(t, s,
		entryAt("u", 1, "cooking"),
		entryAt("u", 2, "planes"),
	)
	r := NewRetriever(s, tagEmbedder(), DefaultConfig(), nil)

	ranked, err := r.Rank(context.Background(), "u", "raw", "condensed", []string{"planes", "aviation"})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "fact 02", ranked[0].Entry.Text)
	assert.Equal(t, 21.0, ranked[0].FinalScore) // 19 + two matching query tags
	assert.Equal(t, 20.0, ranked[1].FinalScore)
}

func TestRetriever_NeverMoreThanTopK(t *testing.T) {
	s := newStore(t, storagetest.Dimension)
	for i := 1; i <= 20; i++ {
		insert(t, s, entryAt("u", i, "a", "b", "c"))
	}
	r := NewRetriever(s, tagEmbedder(), DefaultConfig(), nil)
	ctx := context.Background()

	ranked, err := r.Rank(ctx, "u", "raw", "condensed", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, ranked, 20)
	for i, s := range ranked {
		assert.Equal(t, float64(20-i), s.RankScore)
		assert.Equal(t, 3.0, s.TagScore)
	}

	// Finals run 23, 22, ... so six entries clear 18; only five are returned.
	texts := r.Retrieve(ctx, "u", "raw", "condensed", []string{"a", "b", "c"})
	assert.Equal(t, []string{"fact 01", "fact 02", "fact 03", "fact 04", "fact 05"}, texts)

	require.Len(t, s.increments, 1)
	assert.Len(t, s.increments[0], 5)

	entries, err := s.List(ctx, storage.Filter{UserID: "u"})
	require.NoError(t, err)
	used := 0
	for _, e := range entries {
		if e.UsageCount == 1 {
			used++
			assert.Contains(t, texts, e.Text)
		} else {
			assert.Equal(t, 0, e.UsageCount)
		}
	}
	assert.Equal(t, 5, used)
}

func TestRetriever_EmbedsCondensedOnlyWithTags(t *testing.T) {
	s := newStore(t, storagetest.Dimension)
	insert(t, s, entryAt("u", 1))
	emb := &mapEmbedder{vecs: map[string][]float32{"raw": axis(0)}}
	r := NewRetriever(s, emb, DefaultConfig(), nil)
	ctx := context.Background()

	// No tags: the raw query is embedded even though condensed is set.
	assert.Equal(t, []string{"fact 01"}, r.Retrieve(ctx, "u", "raw", "condensed", nil))

	// Tags with a blank condensed query also fall back to the raw query.
	_, err := r.Rank(ctx, "u", "raw", "  ", []string{"x"})
	assert.NoError(t, err)

	// Tags with a condensed query embed the condensed query.
	_, err = r.Rank(ctx, "u", "raw", "condensed", []string{"x"})
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
}

func TestRetriever_TagEmbeddingFailuresScoreZero(t *testing.T) {
	s := newStore(t, storagetest.Dimension)
	insert(t, s,
		entryAt("u", 1, "mystery"),
		entryAt("u", 2, "planes"),
	)
	r := NewRetriever(s, tagEmbedder(), DefaultConfig(), nil)
	ctx := context.Background()

	// fact 01 (20 + 0) ties with fact 02 (19 + 1) and keeps its rank order.
	ranked, err := r.Rank(ctx, "u", "raw", "condensed", []string{"planes"})
	require.NoError(t, err)
	assert.Equal(t, "fact 01", ranked[0].Entry.Text)
	assert.Equal(t, 0.0, ranked[0].TagScore)
	assert.Equal(t, "fact 02", ranked[1].Entry.Text)
	assert.Equal(t, 20.0, ranked[1].FinalScore)
	assert.Equal(t, 1.0, ranked[1].TagScore)

	ranked, err = r.Rank(ctx, "u", "raw", "condensed", []string{"unknown-tag"})
	require.NoError(t, err)
	assert.Equal(t, 20.0, ranked[0].FinalScore)
	assert.Equal(t, 19.0, ranked[1].FinalScore)
}

func TestRetriever_TagEmbeddingFailureLosesPosition(t *testing.T) {
	s := newStore(t, storagetest.Dimension)
	insert(t, s,
		entryAt("u", 1, "mystery"),
		entryAt("u", 2, "planes", "aviation"),
	)
	r := NewRetriever(s, tagEmbedder(), DefaultConfig(), nil)

	ranked, err := r.Rank(context.Background(), "u", "raw", "condensed", []string{"planes", "aviation"})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "fact 02", ranked[0].Entry.Text)
	assert.Equal(t, 21.0, ranked[0].FinalScore)
	assert.Equal(t, "fact 01", ranked[1].Entry.Text)
	assert.Equal(t, 20.0, ranked[1].FinalScore)
}

func TestRetriever_Sentinel(t *testing.T) {
	ctx := context.Background()

	t.Run("no entries", func(t *testing.T) {
		s := newStore(t, storagetest.Dimension)
		r := NewRetriever(s, tagEmbedder(), DefaultConfig(), nil)
		assert.Equal(t, []string{llm.NoPersonalInfo}, r.Retrieve(ctx, "u", "raw", "", nil))
	})

	t.Run("store failure", func(t *testing.T) {
		s := newStore(t, storagetest.Dimension)
		insert(t, s, entryAt("u", 1))
		s.searchErr = errors.New("disk on fire")
		r := NewRetriever(s, tagEmbedder(), DefaultConfig(), nil)
		assert.Equal(t, []string{llm.NoPersonalInfo}, r.Retrieve(ctx, "u", "raw", "", nil))

		_, err := r.Rank(ctx, "u", "raw", "", nil)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})

	t.Run("embedding failure", func(t *testing.T) {
		s := newStore(t, storagetest.Dimension)
		insert(t, s, entryAt("u", 1))
		r := NewRetriever(s, &mapEmbedder{}, DefaultConfig(), nil)
		assert.Equal(t, []string{llm.NoPersonalInfo}, r.Retrieve(ctx, "u", "raw", "", nil))
		assert.Empty(t, s.increments)
	})
}

func TestRetriever_BelowCutoffIsEmpty(t *testing.T) {
	s := newStore(t, storagetest.Dimension)
	insert(t, s, entryAt("u", 1))
	cfg := DefaultConfig()
	cfg.MinScore = 21
	r := NewRetriever(s, tagEmbedder(), cfg, nil)

	texts := r.Retrieve(context.Background(), "u", "raw", "", nil)
	assert.Empty(t, texts)
	assert.Empty(t, s.increments)
}

func TestRetriever_UserScoped(t *testing.T) {
	s := newStore(t, storagetest.Dimension)
	insert(t, s, entryAt("alice", 1), entryAt("bob' OR '1'='1", 2))
	r := NewRetriever(s, tagEmbedder(), DefaultConfig(), nil)

	assert.Equal(t, []string{"fact 01"}, r.Retrieve(context.Background(), "alice", "raw", "", nil))
}

func TestRetriever_SingleEntryEndToEnd(t *testing.T) {
	const dim = 64
	s := newStore(t, dim)
	emb := llm.NewHashEmbedder(dim)
	ctx := context.Background()

	vec, err := emb.Embed(ctx, "user is interested in planes")
	require.NoError(t, err)
	insert(t, s, &types.MemoryEntry{
		UserID: "u",
		Text:   "user is interested in planes",
		Vector: vec,
		Tags:   []string{"planes"},
	})

	r := NewRetriever(s, emb, DefaultConfig(), nil)

	ranked, err := r.Rank(ctx, "u", "who built the first plane?", "", []string{"planes"})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, 20.0, ranked[0].RankScore)
	assert.Equal(t, 1.0, ranked[0].TagScore)
	assert.Equal(t, 21.0, ranked[0].FinalScore)

	texts := r.Retrieve(ctx, "u", "who built the first plane?", "", []string{"planes"})
	assert.Equal(t, []string{"user is interested in planes"}, texts)

	entries, err := s.List(ctx, storage.Filter{UserID: "u"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].UsageCount)
}

func TestTagScore(t *testing.T) {
	q := [][]float32{axis(0), axis(1)}
	assert.Equal(t, 0, tagScore(q, nil, 0.75))
	assert.Equal(t, 1, tagScore(q, [][]float32{axis(0)}, 0.75))
	assert.Equal(t, 2, tagScore(q, [][]float32{axis(1), axis(0)}, 0.75))
	// cos = 0.6, below the threshold.
	assert.Equal(t, 0, tagScore([][]float32{{1, 0}}, [][]float32{{0.6, 0.8}}, 0.75))
}

// Package storagetest provides a behavioural test suite shared by every
// storage.Store implementation.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

// Dimension is the vector length used by the suite.
const Dimension = 4

// Factory returns a fresh, empty store. It should register its own cleanup.
type Factory func(t *testing.T) storage.Store

// Vec returns a unit vector along axis i (mod Dimension), tilted slightly
// toward the next axis by tilt so that distinct vectors are never identical.
func Vec(i int, tilt float32) []float32 {
	v := make([]float32, Dimension)
	v[i%Dimension] = 1
	v[(i+1)%Dimension] = tilt
	return storage.Normalize(v)
}

// Entry builds a valid entry for userID.
func Entry(userID, text string, vec []float32, tags ...string) *types.MemoryEntry {
	return &types.MemoryEntry{
		UserID: userID,
		Text:   text,
		Vector: vec,
		Tags:   tags,
	}
}

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndList", func(t *testing.T) { testInsertAndList(t, newStore(t)) })
	t.Run("InsertRejectsInvalid", func(t *testing.T) { testInsertRejectsInvalid(t, newStore(t)) })
	t.Run("InsertBatchIsAtomic", func(t *testing.T) { testInsertBatchIsAtomic(t, newStore(t)) })
	t.Run("SearchOrdersBySimilarity", func(t *testing.T) { testSearchOrder(t, newStore(t)) })
	t.Run("SearchIsUserScoped", func(t *testing.T) { testSearchUserScoped(t, newStore(t)) })
	t.Run("SearchLimit", func(t *testing.T) { testSearchLimit(t, newStore(t)) })
	t.Run("CountAndUsers", func(t *testing.T) { testCountAndUsers(t, newStore(t)) })
	t.Run("IncrementUsage", func(t *testing.T) { testIncrementUsage(t, newStore(t)) })
	t.Run("IncrementUsageConcurrent", func(t *testing.T) { testIncrementUsageConcurrent(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ReplaceBySource", func(t *testing.T) { testReplaceBySource(t, newStore(t)) })
	t.Run("SessionAppend", func(t *testing.T) { testSessionAppend(t, newStore(t)) })
	t.Run("SessionAppendConcurrent", func(t *testing.T) { testSessionAppendConcurrent(t, newStore(t)) })
	t.Run("ListSessions", func(t *testing.T) { testListSessions(t, newStore(t)) })
	t.Run("Compact", func(t *testing.T) { testCompact(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { assert.NoError(t, newStore(t).Ping(context.Background())) })
}

func testInsertAndList(t *testing.T, s storage.Store) {
	ctx := context.Background()

	e := Entry("u1", "user is interested in planes", Vec(0, 0.1), "planes", "aviation")
	require.NoError(t, s.Insert(ctx, e))
	require.NotEmpty(t, e.ID)

	got, err := s.List(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, "user is interested in planes", got[0].Text)
	assert.ElementsMatch(t, []string{"planes", "aviation"}, got[0].Tags)
	assert.Equal(t, 0, got[0].UsageCount)
	assert.Equal(t, types.SourceExtraction, got[0].Source)
	assert.Len(t, got[0].Vector, Dimension)
	assert.InDelta(t, 1.0, storage.Norm(got[0].Vector), 1e-5)
	assert.WithinDuration(t, time.Now(), got[0].LastUsed, time.Minute)
}

func testInsertRejectsInvalid(t *testing.T, s storage.Store) {
	ctx := context.Background()
	assert.ErrorIs(t, s.Insert(ctx, Entry("", "x", Vec(0, 0))), storage.ErrInvalidInput)
	assert.ErrorIs(t, s.Insert(ctx, Entry("u1", "", Vec(0, 0))), storage.ErrInvalidInput)
	assert.ErrorIs(t, s.Insert(ctx, Entry("u1", "x", []float32{1, 0})), storage.ErrInvalidInput)

	_, err := s.List(ctx, storage.Filter{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func testInsertBatchIsAtomic(t *testing.T, s storage.Store) {
	ctx := context.Background()

	batch := []*types.MemoryEntry{
		Entry("u1", "first", Vec(0, 0.1)),
		Entry("u1", "second", Vec(1, 0.1)),
		Entry("u1", "bad", []float32{1}),
	}
	require.Error(t, s.InsertBatch(ctx, batch))

	n, err := s.Count(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a failed batch must not leave partial entries")

	require.NoError(t, s.InsertBatch(ctx, batch[:2]))
	n, err = s.Count(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testSearchOrder(t *testing.T, s storage.Store) {
	ctx := context.Background()

	near := Entry("u1", "near", Vec(0, 0.1))
	mid := Entry("u1", "mid", Vec(0, 0.9))
	far := Entry("u1", "far", Vec(2, 0.1))
	require.NoError(t, s.InsertBatch(ctx, []*types.MemoryEntry{far, mid, near}))

	res, err := s.Search(ctx, Vec(0, 0), storage.Filter{UserID: "u1"}, 20)
	require.NoError(t, err)
	require.Len(t, res, 3)

	assert.Equal(t, "near", res[0].Entry.Text)
	assert.Equal(t, "mid", res[1].Entry.Text)
	assert.Equal(t, "far", res[2].Entry.Text)
	assert.GreaterOrEqual(t, res[0].Similarity, res[1].Similarity)
	assert.GreaterOrEqual(t, res[1].Similarity, res[2].Similarity)
}

func testSearchUserScoped(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, Entry("u1", "mine", Vec(0, 0.1))))
	require.NoError(t, s.Insert(ctx, Entry("u2", "theirs", Vec(0, 0.05))))
	// a user id that would widen an interpolated filter
	require.NoError(t, s.Insert(ctx, Entry("x' OR '1'='1", "tricky", Vec(0, 0.05))))

	res, err := s.Search(ctx, Vec(0, 0), storage.Filter{UserID: "u1"}, 20)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "mine", res[0].Entry.Text)

	res, err = s.Search(ctx, Vec(0, 0), storage.Filter{UserID: "x' OR '1'='1"}, 20)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "tricky", res[0].Entry.Text)

	res, err = s.Search(ctx, Vec(0, 0), storage.Filter{UserID: "nobody"}, 20)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func testSearchLimit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		require.NoError(t, s.Insert(ctx, Entry("u1", fmt.Sprintf("fact %d", i), Vec(i, float32(i)/100))))
	}
	res, err := s.Search(ctx, Vec(0, 0), storage.Filter{UserID: "u1"}, 20)
	require.NoError(t, err)
	assert.Len(t, res, 20)
}

func testCountAndUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, Entry("u1", "a", Vec(0, 0.1))))
	require.NoError(t, s.Insert(ctx, Entry("u1", "b", Vec(1, 0.1))))
	answer := Entry("u1", "c", Vec(2, 0.1))
	answer.Source = types.SourceAnswer
	require.NoError(t, s.Insert(ctx, answer))
	require.NoError(t, s.Insert(ctx, Entry("u2", "d", Vec(3, 0.1))))

	n, err := s.Count(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.Count(ctx, storage.Filter{UserID: "u1", Source: types.SourceAnswer})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)
}

func testIncrementUsage(t *testing.T, s storage.Store) {
	ctx := context.Background()

	a := Entry("u1", "a", Vec(0, 0.1))
	b := Entry("u1", "b", Vec(1, 0.1))
	require.NoError(t, s.InsertBatch(ctx, []*types.MemoryEntry{a, b}))

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	require.NoError(t, s.IncrementUsage(ctx, []string{a.ID}, at))
	require.NoError(t, s.IncrementUsage(ctx, []string{a.ID, "missing"}, at))

	got, err := s.List(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	byText := map[string]types.MemoryEntry{}
	for _, e := range got {
		byText[e.Text] = e
	}
	assert.Equal(t, 2, byText["a"].UsageCount)
	assert.True(t, at.Equal(byText["a"].LastUsed), "last_used %v != %v", byText["a"].LastUsed, at)
	assert.Equal(t, 0, byText["b"].UsageCount)
}

func testIncrementUsageConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()

	e := Entry("u1", "hot", Vec(0, 0.1))
	require.NoError(t, s.Insert(ctx, e))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementUsage(ctx, []string{e.ID}, time.Now()))
		}()
	}
	wg.Wait()

	got, err := s.List(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, workers, got[0].UsageCount)
}

func testDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()

	a := Entry("u1", "same text", Vec(0, 0.1))
	b := Entry("u1", "same text", Vec(1, 0.1))
	require.NoError(t, s.InsertBatch(ctx, []*types.MemoryEntry{a, b}))

	n, err := s.Delete(ctx, []string{a.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.List(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1, "deletion is by id, not by text")
	assert.Equal(t, b.ID, got[0].ID)

	n, err = s.Delete(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testReplaceBySource(t *testing.T, s storage.Store) {
	ctx := context.Background()

	keep := Entry("u1", "extracted fact", Vec(0, 0.1))
	require.NoError(t, s.Insert(ctx, keep))

	first := Entry("u1", "Ada, engineer", Vec(1, 0.1))
	first.Source = types.SourceProfile
	require.NoError(t, s.ReplaceBySource(ctx, first))

	second := Entry("u1", "Ada, pilot", Vec(2, 0.1))
	second.Source = types.SourceProfile
	require.NoError(t, s.ReplaceBySource(ctx, second))

	profiles, err := s.List(ctx, storage.Filter{UserID: "u1", Source: types.SourceProfile})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "Ada, pilot", profiles[0].Text)

	n, err := s.Count(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testSessionAppend(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetSession(ctx, "u1", "1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.AppendSession(ctx, "u1", "1", "Query: hi\nResponse: hello"))
	require.NoError(t, s.AppendSession(ctx, "u1", "1", "Query: again\nResponse: yes"))

	rec, err := s.GetSession(ctx, "u1", "1")
	require.NoError(t, err)
	assert.Equal(t, "Query: hi\nResponse: hello Query: again\nResponse: yes", rec.History)
	assert.False(t, rec.UpdatedAt.IsZero())

	_, err = s.GetSession(ctx, "u1", "2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetSession(ctx, "u2", "1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, s.AppendSession(ctx, "", "1", "x"), storage.ErrInvalidInput)
}

func testSessionAppendConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendSession(ctx, "u1", "s", "x"))
		}()
	}
	wg.Wait()

	rec, err := s.GetSession(ctx, "u1", "s")
	require.NoError(t, err)
	// one record, every append kept
	assert.Len(t, rec.History, writers*2-1)
}

func testListSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendSession(ctx, "u1", "a", "one"))
	require.NoError(t, s.AppendSession(ctx, "u1", "b", "two"))
	require.NoError(t, s.AppendSession(ctx, "u2", "a", "other"))

	got, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{got[0].SessionID, got[1].SessionID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func testCompact(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendSession(ctx, "u1", "1", "history"))
	require.NoError(t, s.Compact(ctx))

	rec, err := s.GetSession(ctx, "u1", "1")
	require.NoError(t, err)
	assert.Equal(t, "history", rec.History)
}

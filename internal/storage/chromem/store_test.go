package chromem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/internal/storage/storagetest"
	"github.com/scrypster/persona/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s := NewStore(storagetest.Dimension)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSuite(t *testing.T) {
	storagetest.Run(t, newTestStore)
}

func TestSearch_SourceFilter(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storagetest.Dimension)

	fact := storagetest.Entry("u1", "fact", storagetest.Vec(0, 0.1))
	answer := storagetest.Entry("u1", "answer", storagetest.Vec(0, 0.2))
	answer.Source = types.SourceAnswer
	require.NoError(t, s.InsertBatch(ctx, []*types.MemoryEntry{fact, answer}))

	res, err := s.Search(ctx, storagetest.Vec(0, 0), storage.Filter{UserID: "u1", Source: types.SourceAnswer}, 20)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "answer", res[0].Entry.Text)
}

func TestList_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storagetest.Dimension)
	require.NoError(t, s.Insert(ctx, storagetest.Entry("u1", "fact", storagetest.Vec(0, 0.1), "a")))

	got, err := s.List(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	got[0].Tags[0] = "mutated"

	again, err := s.List(ctx, storage.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again[0].Tags)
}

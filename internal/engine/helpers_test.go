package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/internal/storage/chromem"
	"github.com/scrypster/persona/internal/storage/storagetest"
	"github.com/scrypster/persona/pkg/types"
)

var errEmbed = errors.New("embedder offline")

// mapEmbedder returns fixed vectors for known texts and fails for the rest.
type mapEmbedder struct {
	vecs map[string][]float32
}

func (m *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := m.vecs[text]
	if !ok {
		return nil, errEmbed
	}
	return append([]float32(nil), v...), nil
}

// axis returns the unit vector along axis i of the suite dimension.
func axis(i int) []float32 {
	return storagetest.Vec(i, 0)
}

// scriptedGenerator answers extraction prompts with extraction and every
// other prompt with response.
type scriptedGenerator struct {
	mu            sync.Mutex
	extraction    string
	extractionErr error
	response      string
	responseErr   error
	prompts       []string
}

func (g *scriptedGenerator) Complete(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if strings.Contains(prompt, "extracts structured information") {
		return g.extraction, g.extractionErr
	}
	return g.response, g.responseErr
}

func (g *scriptedGenerator) GetModel() string { return "scripted" }

func (g *scriptedGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

// faultyStore injects failures into a real store.
type faultyStore struct {
	storage.Store
	searchErr  error
	getErr     error
	batchErr   error
	compacts   int
	increments [][]string
}

func (f *faultyStore) Search(ctx context.Context, v []float32, filter storage.Filter, limit int) ([]storage.SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.Store.Search(ctx, v, filter, limit)
}

func (f *faultyStore) GetSession(ctx context.Context, userID, sessionID string) (*types.SessionRecord, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Store.GetSession(ctx, userID, sessionID)
}

func (f *faultyStore) InsertBatch(ctx context.Context, entries []*types.MemoryEntry) error {
	if f.batchErr != nil {
		return f.batchErr
	}
	return f.Store.InsertBatch(ctx, entries)
}

func (f *faultyStore) IncrementUsage(ctx context.Context, ids []string, at time.Time) error {
	f.increments = append(f.increments, ids)
	return f.Store.IncrementUsage(ctx, ids, at)
}

func (f *faultyStore) Compact(ctx context.Context) error {
	f.compacts++
	return f.Store.Compact(ctx)
}

func newStore(t *testing.T, dim int) *faultyStore {
	t.Helper()
	s := chromem.NewStore(dim)
	t.Cleanup(func() { _ = s.Close() })
	return &faultyStore{Store: s}
}

func insert(t *testing.T, s storage.Store, entries ...*types.MemoryEntry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, s.Insert(context.Background(), e))
	}
}

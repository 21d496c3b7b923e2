package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/storage"
)

type fakeGenerator struct {
	vec   []float32
	err   error
	calls atomic.Int32
}

func (f *fakeGenerator) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float32, len(f.vec))
	copy(out, f.vec)
	return out, nil
}

func (f *fakeGenerator) GetModel() string { return "fake" }

func TestService_NormalizesVectors(t *testing.T) {
	svc, err := NewService(&fakeGenerator{vec: []float32{3, 4}}, 2)
	require.NoError(t, err)

	vec, err := svc.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
	assert.InDelta(t, 1.0, storage.Norm(vec), 1e-6)
}

func TestService_DimensionMismatch(t *testing.T) {
	svc, err := NewService(&fakeGenerator{vec: []float32{1, 2, 3}}, 2)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestService_RejectsZeroVector(t *testing.T) {
	svc, err := NewService(&fakeGenerator{vec: []float32{0, 0}}, 2)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestService_WrapsProviderErrors(t *testing.T) {
	boom := errors.New("connection refused")
	svc, err := NewService(&fakeGenerator{err: boom}, 2)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fake")
}

func TestService_CachesByText(t *testing.T) {
	gen := &fakeGenerator{vec: []float32{1, 1}}
	svc, err := NewService(gen, 2, WithCache(100))
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	first, err := svc.Embed(ctx, "planes")
	require.NoError(t, err)
	svc.cache.Wait()

	first[0] = 42 // callers own their copy

	second, err := svc.Embed(ctx, "planes")
	require.NoError(t, err)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.InDelta(t, 0.7071, second[0], 1e-3)

	_, err = svc.Embed(ctx, "trains")
	require.NoError(t, err)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestService_EmbedAll(t *testing.T) {
	svc, err := NewService(llm.NewHashEmbedder(16), 16)
	require.NoError(t, err)

	vecs, err := svc.EmbedAll(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 16)
	}
	assert.Equal(t, "hash", svc.Model())
	assert.Equal(t, 16, svc.Dimension())
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, 2)
	assert.Error(t, err)

	_, err = NewService(&fakeGenerator{}, 0)
	assert.Error(t, err)
}

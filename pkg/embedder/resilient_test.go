package embedder_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-labs/engram-go/pkg/embedder"
	"github.com/engram-labs/engram-go/pkg/embedder/fallback"
)

// failingProvider simulates an unreachable remote embedding API.
type failingProvider struct {
	calls int
}

func (f *failingProvider) Embed(context.Context, string) ([]float64, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func (f *failingProvider) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func (f *failingProvider) Dimensions() int { return 64 }
func (f *failingProvider) Close() error    { return nil }

// fixedProvider returns a constant vector.
type fixedProvider struct {
	vec []float64
}

func (f *fixedProvider) Embed(context.Context, string) ([]float64, error) {
	return f.vec, nil
}

func (f *fixedProvider) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fixedProvider) Dimensions() int { return len(f.vec) }
func (f *fixedProvider) Close() error    { return nil }

func TestResilient_UsesRemoteWhenHealthy(t *testing.T) {
	remote := &fixedProvider{vec: []float64{1, 0, 0, 0}}
	r := embedder.NewResilient(remote, fallback.New(4))

	vec, err := r.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 0, 0}, vec)
}

func TestResilient_DegradesToFallbackOnError(t *testing.T) {
	remote := &failingProvider{}
	local := fallback.New(64)
	r := embedder.NewResilient(remote, local)
	ctx := context.Background()

	vec, err := r.Embed(ctx, "my cat is called Whiskers")
	require.NoError(t, err, "embedding must never fail")
	require.Len(t, vec, 64)
	assert.Greater(t, remote.calls, 0, "the remote was tried first")

	// Degraded embeddings stay repeatable for identical input.
	expected, err := local.Embed(ctx, "my cat is called Whiskers")
	require.NoError(t, err)
	assert.Equal(t, expected, vec)
}

func TestResilient_NilRemoteGoesStraightToFallback(t *testing.T) {
	local := fallback.New(32)
	r := embedder.NewResilient(nil, local)

	vec, err := r.Embed(context.Background(), "no remote configured")
	require.NoError(t, err)
	assert.Len(t, vec, 32)
}

func TestResilient_EmbedBatchDegrades(t *testing.T) {
	remote := &failingProvider{}
	local := fallback.New(16)
	r := embedder.NewResilient(remote, local)
	ctx := context.Background()

	vecs, err := r.EmbedBatch(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	expected, err := local.Embed(ctx, "two")
	require.NoError(t, err)
	assert.Equal(t, expected, vecs[1])
}

func TestResilient_DimensionsComeFromFallback(t *testing.T) {
	r := embedder.NewResilient(&failingProvider{}, fallback.New(256))
	assert.Equal(t, 256, r.Dimensions())
}

func TestResilient_Close(t *testing.T) {
	r := embedder.NewResilient(&failingProvider{}, fallback.New(8))
	assert.NoError(t, r.Close())
}

package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/engram-labs/engram-go/pkg/category"
	"github.com/engram-labs/engram-go/pkg/storage"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, storage.CosineSimilarity([]float64{1, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, storage.CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, storage.CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	// Mismatched dimensions and zero vectors degrade to 0.
	assert.Equal(t, 0.0, storage.CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}))
	assert.Equal(t, 0.0, storage.CosineSimilarity([]float64{0, 0}, []float64{1, 0}))
}

func TestAdjustedScore(t *testing.T) {
	m := &storage.Memory{Score: 0.6, Category: category.CoreIdentity}
	assert.InDelta(t, 1.1, storage.AdjustedScore(m), 1e-9)

	m = &storage.Memory{Score: 0.6, Category: category.Archive}
	assert.InDelta(t, 0.4, storage.AdjustedScore(m), 1e-9)
}

func TestSortRanked(t *testing.T) {
	memories := []*storage.Memory{
		{ID: 1, Score: 0.9, Category: category.Archive},       // 0.7
		{ID: 2, Score: 0.5, Category: category.CoreIdentity},  // 1.0
		{ID: 3, Score: 0.6, Category: category.General},       // 0.6
	}

	sorted := storage.SortRanked(memories, 2)
	assert.Len(t, sorted, 2)
	assert.Equal(t, int64(2), sorted[0].ID)
	assert.Equal(t, int64(1), sorted[1].ID)
}

func TestSearchOptions_MatchTimeWindow(t *testing.T) {
	now := time.Now().UTC()
	m := &storage.Memory{CreatedAt: now}

	opts := &storage.SearchOptions{Since: now.Add(-time.Hour), Until: now.Add(time.Hour)}
	assert.True(t, opts.Match(m))

	opts = &storage.SearchOptions{Since: now.Add(time.Minute)}
	assert.False(t, opts.Match(m))

	opts = &storage.SearchOptions{Until: now.Add(-time.Minute)}
	assert.False(t, opts.Match(m))
}

func TestSearchOptions_MatchCategories(t *testing.T) {
	m := &storage.Memory{Category: category.Relationship, Key: "pet_name"}

	include := &storage.SearchOptions{IncludeCategories: []string{category.Relationship}}
	assert.True(t, include.Match(m))

	// Key-pattern match works for include filters too.
	include = &storage.SearchOptions{IncludeCategories: []string{"pet"}}
	assert.True(t, include.Match(m))

	include = &storage.SearchOptions{IncludeCategories: []string{category.Learning}}
	assert.False(t, include.Match(m))

	exclude := &storage.SearchOptions{ExcludeCategories: []string{category.Relationship}}
	assert.False(t, exclude.Match(m))
}

func TestSearchOptions_MatchScopeToken(t *testing.T) {
	scoped := &storage.Memory{Metadata: map[string]interface{}{storage.ScopeMetadataKey: "run_1"}}
	unscoped := &storage.Memory{}

	opts := &storage.SearchOptions{ScopeToken: "run_1"}
	assert.True(t, opts.Match(scoped))
	assert.True(t, opts.Match(unscoped), "rows without a token always pass")

	opts = &storage.SearchOptions{ScopeToken: "run_2"}
	assert.False(t, opts.Match(scoped))

	// No requested scope: everything passes.
	opts = &storage.SearchOptions{}
	assert.True(t, opts.Match(scoped))
}

func TestOverFetch(t *testing.T) {
	assert.Equal(t, 100, storage.OverFetch(1))
	assert.Equal(t, 100, storage.OverFetch(33))
	assert.Equal(t, 120, storage.OverFetch(40))
}

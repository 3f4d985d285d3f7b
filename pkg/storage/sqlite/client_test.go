package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-labs/engram-go/pkg/category"
	"github.com/engram-labs/engram-go/pkg/storage"
	sqliteStore "github.com/engram-labs/engram-go/pkg/storage/sqlite"
)

func setupSQLiteTest(t *testing.T) storage.Store {
	t.Helper()

	config := &sqliteStore.Config{
		DBPath:             filepath.Join(t.TempDir(), "engram_test.db"),
		CollectionName:     "memories",
		EmbeddingModelDims: 3,
	}

	store, err := sqliteStore.NewClient(config)
	require.NoError(t, err)
	require.NotNil(t, store)

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteClient_UpsertAndGet(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	memory := &storage.Memory{
		ID:        100,
		UserID:    "u1",
		Key:       "pet_name",
		Content:   "My dog is called Rex",
		Embedding: []float64{0.1, 0.2, 0.3},
		Category:  category.Relationship,
		Metadata:  map[string]interface{}{"source": "chat"},
	}

	require.NoError(t, store.Upsert(ctx, memory))
	assert.Equal(t, int64(100), memory.ID)

	retrieved, err := store.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "u1", retrieved.UserID)
	assert.Equal(t, "pet_name", retrieved.Key)
	assert.Equal(t, "My dog is called Rex", retrieved.Content)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, retrieved.Embedding)
	assert.Equal(t, category.Relationship, retrieved.Category)
	assert.Equal(t, "chat", retrieved.Metadata["source"])
	assert.False(t, retrieved.CreatedAt.IsZero())
}

func TestSQLiteClient_UpsertIsIdempotentPerUserKey(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	first := &storage.Memory{
		ID:        1,
		UserID:    "u1",
		Key:       "pet_name",
		Content:   "Fluffy",
		Embedding: []float64{1, 0, 0},
	}
	require.NoError(t, store.Upsert(ctx, first))

	second := &storage.Memory{
		ID:        2,
		UserID:    "u1",
		Key:       "pet_name",
		Content:   "Rex",
		Embedding: []float64{0, 1, 0},
	}
	require.NoError(t, store.Upsert(ctx, second))

	// The existing row keeps its id; the caller sees the canonical one.
	assert.Equal(t, int64(1), second.ID)

	all, err := store.GetAll(ctx, &storage.ListOptions{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Rex", all[0].Content)
	assert.Equal(t, []float64{0, 1, 0}, all[0].Embedding)
}

func TestSQLiteClient_UpsertSameKeyDifferentUsers(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 1, UserID: "u1", Key: "pet_name", Content: "Rex", Embedding: []float64{1, 0, 0},
	}))
	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 2, UserID: "u2", Key: "pet_name", Content: "Whiskers", Embedding: []float64{0, 1, 0},
	}))

	u1, err := store.GetAll(ctx, &storage.ListOptions{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, u1, 1)
	assert.Equal(t, "Rex", u1[0].Content)
}

func TestSQLiteClient_RankedSearchOrdersByAdjustedSimilarity(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	// Same raw similarity to the query, different tiers: the higher tier
	// must rank first.
	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 1, UserID: "u1", Key: "course_math", Content: "algebra",
		Embedding: []float64{1, 0, 0}, Category: category.Learning,
	}))
	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 2, UserID: "u1", Key: "name_user", Content: "Alice",
		Embedding: []float64{1, 0, 0}, Category: category.CoreIdentity,
	}))

	results, err := store.RankedSearch(ctx, []float64{1, 0, 0}, &storage.SearchOptions{
		UserID: "u1",
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, int64(2), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9, "Score stays the raw similarity")
}

func TestSQLiteClient_RankedSearchScopedToUser(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 1, UserID: "u1", Key: "a", Content: "mine", Embedding: []float64{1, 0, 0},
	}))
	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 2, UserID: "u2", Key: "b", Content: "theirs", Embedding: []float64{1, 0, 0},
	}))

	results, err := store.RankedSearch(ctx, []float64{1, 0, 0}, &storage.SearchOptions{
		UserID: "u1",
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].ID)
}

func TestSQLiteClient_RankedSearchCategoryFilters(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 1, UserID: "u1", Key: "pet_name", Content: "Rex",
		Embedding: []float64{1, 0, 0}, Category: category.Relationship,
	}))
	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 2, UserID: "u1", Key: "course_math", Content: "algebra",
		Embedding: []float64{1, 0, 0}, Category: category.Learning,
	}))

	included, err := store.RankedSearch(ctx, []float64{1, 0, 0}, &storage.SearchOptions{
		UserID:            "u1",
		Limit:             10,
		IncludeCategories: []string{category.Relationship},
	})
	require.NoError(t, err)
	require.Len(t, included, 1)
	assert.Equal(t, int64(1), included[0].ID)

	excluded, err := store.RankedSearch(ctx, []float64{1, 0, 0}, &storage.SearchOptions{
		UserID:            "u1",
		Limit:             10,
		ExcludeCategories: []string{category.Learning},
	})
	require.NoError(t, err)
	require.Len(t, excluded, 1)
	assert.Equal(t, int64(1), excluded[0].ID)
}

func TestSQLiteClient_RankedSearchScopeToken(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 1, UserID: "u1", Key: "a", Content: "scoped", Embedding: []float64{1, 0, 0},
		Metadata: map[string]interface{}{storage.ScopeMetadataKey: "run_1"},
	}))
	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 2, UserID: "u1", Key: "b", Content: "other run", Embedding: []float64{1, 0, 0},
		Metadata: map[string]interface{}{storage.ScopeMetadataKey: "run_2"},
	}))
	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 3, UserID: "u1", Key: "c", Content: "unscoped", Embedding: []float64{1, 0, 0},
	}))

	results, err := store.RankedSearch(ctx, []float64{1, 0, 0}, &storage.SearchOptions{
		UserID:     "u1",
		Limit:      10,
		ScopeToken: "run_1",
	})
	require.NoError(t, err)

	ids := make(map[int64]bool)
	for _, m := range results {
		ids[m.ID] = true
	}
	assert.True(t, ids[1], "matching token passes")
	assert.False(t, ids[2], "foreign token is filtered")
	assert.True(t, ids[3], "rows without a token always pass")
}

func TestSQLiteClient_GetAllOrderedByRecency(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Upsert(ctx, &storage.Memory{
			ID:        int64(i + 1),
			UserID:    "u1",
			Key:       string(rune('a' + i)),
			Content:   "c",
			Embedding: []float64{1, 0, 0},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := store.GetAll(ctx, &storage.ListOptions{UserID: "u1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(5), all[0].ID)
	assert.Equal(t, int64(4), all[1].ID)
	assert.Equal(t, int64(3), all[2].ID)

	page2, err := store.GetAll(ctx, &storage.ListOptions{UserID: "u1", Limit: 3, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, int64(2), page2[0].ID)
}

func TestSQLiteClient_GetByIDsPreservesOrder(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Upsert(ctx, &storage.Memory{
			ID: int64(i), UserID: "u1", Key: string(rune('a' + i)), Content: "c",
			Embedding: []float64{1, 0, 0},
		}))
	}

	memories, err := store.GetByIDs(ctx, []int64{3, 99, 1})
	require.NoError(t, err)
	require.Len(t, memories, 2, "missing IDs are skipped")
	assert.Equal(t, int64(3), memories[0].ID)
	assert.Equal(t, int64(1), memories[1].ID)
}

func TestSQLiteClient_GetNotFound(t *testing.T) {
	store := setupSQLiteTest(t)

	_, err := store.Get(context.Background(), 12345)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLiteClient_DeleteAndDeleteAll(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 1, UserID: "u1", Key: "a", Content: "c", Embedding: []float64{1, 0, 0},
	}))
	require.NoError(t, store.Upsert(ctx, &storage.Memory{
		ID: 2, UserID: "u1", Key: "b", Content: "c", Embedding: []float64{1, 0, 0},
	}))

	require.NoError(t, store.Delete(ctx, 1))
	assert.ErrorIs(t, store.Delete(ctx, 1), storage.ErrNotFound)

	require.NoError(t, store.DeleteAll(ctx, "u1"))
	all, err := store.GetAll(ctx, &storage.ListOptions{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteClient_SnapshotRoundTrip(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	loaded, err := store.LoadSnapshot(ctx, "memories")
	require.NoError(t, err)
	assert.Nil(t, loaded, "no snapshot yet")

	snap := &storage.IndexSnapshot{
		Name:           "memories",
		Dimension:      3,
		VectorCount:    2,
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		Blob:           []byte{0x1, 0x2, 0x3},
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	loaded, err = store.LoadSnapshot(ctx, "memories")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 3, loaded.Dimension)
	assert.Equal(t, 2, loaded.VectorCount)
	assert.Equal(t, []byte{0x1, 0x2, 0x3}, loaded.Blob)

	// Saving again replaces the row.
	snap.Dimension = 8
	snap.Blob = []byte{0x9}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	loaded, err = store.LoadSnapshot(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.Dimension)
	assert.Equal(t, []byte{0x9}, loaded.Blob)
}

func TestSQLiteClient_LabelMirrorRoundTrip(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	labels, err := store.LoadLabels(ctx, "memories")
	require.NoError(t, err)
	assert.Empty(t, labels)

	require.NoError(t, store.SaveLabels(ctx, "memories", map[uint32]int64{
		0: 100,
		1: 200,
	}))

	labels, err = store.LoadLabels(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, map[uint32]int64{0: 100, 1: 200}, labels)

	// Saving replaces the whole mirror.
	require.NoError(t, store.SaveLabels(ctx, "memories", map[uint32]int64{
		5: 500,
	}))

	labels, err = store.LoadLabels(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, map[uint32]int64{5: 500}, labels)
}

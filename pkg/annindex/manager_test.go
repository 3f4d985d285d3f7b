package annindex_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-labs/engram-go/pkg/annindex"
	"github.com/engram-labs/engram-go/pkg/storage"
)

// memorySnapshotStore is an in-memory storage.SnapshotStore for tests.
type memorySnapshotStore struct {
	snap     *storage.IndexSnapshot
	labels   map[uint32]int64
	failLoad bool
}

func (s *memorySnapshotStore) SaveSnapshot(_ context.Context, snap *storage.IndexSnapshot) error {
	copied := *snap
	s.snap = &copied
	return nil
}

func (s *memorySnapshotStore) LoadSnapshot(context.Context, string) (*storage.IndexSnapshot, error) {
	if s.failLoad {
		return nil, errors.New("snapshot table unavailable")
	}
	return s.snap, nil
}

func (s *memorySnapshotStore) SaveLabels(_ context.Context, _ string, labels map[uint32]int64) error {
	s.labels = make(map[uint32]int64, len(labels))
	for k, v := range labels {
		s.labels[k] = v
	}
	return nil
}

func (s *memorySnapshotStore) LoadLabels(context.Context, string) (map[uint32]int64, error) {
	out := make(map[uint32]int64, len(s.labels))
	for k, v := range s.labels {
		out[k] = v
	}
	return out, nil
}

// memoryFetcher is an in-memory annindex.RecordFetcher for tests.
type memoryFetcher struct {
	records map[int64]*storage.Memory
}

func (f *memoryFetcher) GetByIDs(_ context.Context, ids []int64) ([]*storage.Memory, error) {
	var out []*storage.Memory
	for _, id := range ids {
		if m, ok := f.records[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func newReadyManager(t *testing.T, dims int, snapshots *memorySnapshotStore) *annindex.Manager {
	t.Helper()
	m := annindex.NewManager(annindex.Config{Dimensions: dims}, snapshots, nil)
	m.Load(context.Background(), nil)
	require.True(t, m.Ready())
	return m
}

// basis returns a unit vector along one axis.
func basis(dims, axis int) []float64 {
	v := make([]float64, dims)
	v[axis] = 1
	return v
}

func TestManager_NotReadyBeforeLoad(t *testing.T) {
	m := annindex.NewManager(annindex.Config{Dimensions: 4}, &memorySnapshotStore{}, nil)
	assert.Equal(t, annindex.StateUninitialized, m.State())

	err := m.Add(1, basis(4, 0))
	assert.ErrorIs(t, err, annindex.ErrNotReady)

	_, err = m.Search(basis(4, 0), 3)
	assert.ErrorIs(t, err, annindex.ErrNotReady)
}

func TestManager_EmptyIndexIsSearchable(t *testing.T) {
	m := newReadyManager(t, 4, &memorySnapshotStore{})

	results, err := m.Search(basis(4, 0), 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestManager_AddAndSearch(t *testing.T) {
	m := newReadyManager(t, 4, &memorySnapshotStore{})

	require.NoError(t, m.Add(10, basis(4, 0)))
	require.NoError(t, m.Add(20, basis(4, 1)))
	require.NoError(t, m.Add(30, basis(4, 2)))

	results, err := m.Search([]float64{0.9, 0.1, 0, 0}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, int64(10), results[0].RecordID)
	assert.InDelta(t, 1.0, results[0].Similarity, 0.05)
}

func TestManager_ReAddSupersedesOldVector(t *testing.T) {
	m := newReadyManager(t, 4, &memorySnapshotStore{})

	require.NoError(t, m.Add(10, basis(4, 0)))
	require.NoError(t, m.Add(10, basis(4, 3)))
	assert.Equal(t, 1, m.Len())

	// The record surfaces once, under its newest vector.
	results, err := m.Search(basis(4, 3), 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(10), results[0].RecordID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
}

func TestManager_RemoveRetiresRecord(t *testing.T) {
	m := newReadyManager(t, 4, &memorySnapshotStore{})

	require.NoError(t, m.Add(10, basis(4, 0)))
	require.NoError(t, m.Add(20, basis(4, 1)))

	m.Remove(10)
	assert.Equal(t, 1, m.Len())

	results, err := m.Search(basis(4, 0), 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, int64(10), r.RecordID)
	}
}

func TestManager_CapacityIsSoftLimit(t *testing.T) {
	m := annindex.NewManager(annindex.Config{Dimensions: 4, Capacity: 2}, &memorySnapshotStore{}, nil)
	m.Load(context.Background(), nil)

	require.NoError(t, m.Add(1, basis(4, 0)))
	require.NoError(t, m.Add(2, basis(4, 1)))

	err := m.Add(3, basis(4, 2))
	assert.ErrorIs(t, err, annindex.ErrCapacityExceeded)
	assert.Equal(t, 2, m.Len())
}

func TestManager_SearchDimensionMismatch(t *testing.T) {
	m := newReadyManager(t, 4, &memorySnapshotStore{})
	require.NoError(t, m.Add(1, basis(4, 1)))

	_, err := m.Search([]float64{1, 0}, 3)
	assert.ErrorIs(t, err, annindex.ErrDimensionMismatch)

	assert.ErrorIs(t, m.Add(2, []float64{1, 0}), annindex.ErrDimensionMismatch)
}

func TestManager_PersistAndReload(t *testing.T) {
	snapshots := &memorySnapshotStore{}
	ctx := context.Background()

	m := newReadyManager(t, 4, snapshots)
	require.NoError(t, m.Add(10, basis(4, 0)))
	require.NoError(t, m.Add(20, basis(4, 1)))
	require.NoError(t, m.Persist(ctx))

	require.NotNil(t, snapshots.snap)
	assert.Equal(t, 4, snapshots.snap.Dimension)
	assert.Equal(t, 2, snapshots.snap.VectorCount)

	reloaded := annindex.NewManager(annindex.Config{Dimensions: 4}, snapshots, nil)
	reloaded.Load(ctx, nil)
	require.True(t, reloaded.Ready())
	assert.Equal(t, 2, reloaded.Len())

	results, err := reloaded.Search(basis(4, 1), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(20), results[0].RecordID)
}

func TestManager_PersistSkipsWhenClean(t *testing.T) {
	snapshots := &memorySnapshotStore{}
	ctx := context.Background()

	m := newReadyManager(t, 4, snapshots)
	require.NoError(t, m.Persist(ctx))
	assert.Nil(t, snapshots.snap, "an unchanged empty index writes nothing")
}

func TestManager_DimensionMismatchDiscardsSnapshot(t *testing.T) {
	snapshots := &memorySnapshotStore{}
	ctx := context.Background()

	m := newReadyManager(t, 4, snapshots)
	require.NoError(t, m.Add(10, basis(4, 0)))
	require.NoError(t, m.Persist(ctx))

	// Reload with a different configured dimension: the snapshot must be
	// discarded, never served, and the index comes up empty but ready.
	reloaded := annindex.NewManager(annindex.Config{Dimensions: 8}, snapshots, nil)
	reloaded.Load(ctx, &memoryFetcher{records: map[int64]*storage.Memory{
		10: {ID: 10, Embedding: basis(4, 0)},
	}})
	require.True(t, reloaded.Ready())
	assert.Equal(t, 0, reloaded.Len(), "old-dimension vectors cannot be rebuilt")

	results, err := reloaded.Search(basis(8, 0), 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestManager_WarmRebuildFromStore(t *testing.T) {
	snapshots := &memorySnapshotStore{}
	ctx := context.Background()

	// A label mirror exists but no snapshot blob: the index rebuilds
	// from the authoritative records.
	require.NoError(t, snapshots.SaveLabels(ctx, annindex.DefaultName, map[uint32]int64{
		0: 10,
		1: 20,
	}))

	fetcher := &memoryFetcher{records: map[int64]*storage.Memory{
		10: {ID: 10, Embedding: basis(4, 0)},
		20: {ID: 20, Embedding: basis(4, 1)},
	}}

	m := annindex.NewManager(annindex.Config{Dimensions: 4}, snapshots, nil)
	m.Load(ctx, fetcher)
	require.True(t, m.Ready())
	assert.Equal(t, 2, m.Len())

	results, err := m.Search(basis(4, 0), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(10), results[0].RecordID)
}

func TestManager_LoadFailureDegradesToEmptyIndex(t *testing.T) {
	snapshots := &memorySnapshotStore{failLoad: true}

	m := annindex.NewManager(annindex.Config{Dimensions: 4}, snapshots, nil)
	m.Load(context.Background(), nil)
	require.True(t, m.Ready())
	assert.Equal(t, 0, m.Len())
}

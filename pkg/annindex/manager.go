package annindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engram-labs/engram-go/pkg/storage"
)

var (
	// ErrNotReady is returned when the index is asked to serve before it
	// finished loading or while it is rebuilding.
	ErrNotReady = errors.New("index is not ready")

	// ErrDimensionMismatch is returned when a vector's dimension does not
	// match the dimension the index was built for.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrCapacityExceeded is returned when an add would push the index
	// past its configured capacity. Callers treat it as a soft failure:
	// the authoritative store still holds the record.
	ErrCapacityExceeded = errors.New("index capacity exceeded")
)

// State is the lifecycle state of the index manager.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}

const (
	// DefaultName is the snapshot name used when none is configured.
	DefaultName = "memories"

	// DefaultCapacity bounds the number of vectors the index accepts.
	DefaultCapacity = 100_000

	// Default HNSW construction parameters.
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 100

	// DefaultPersistInterval is how often the persist loop snapshots a
	// dirty index.
	DefaultPersistInterval = time.Hour
)

// Config configures the index manager.
type Config struct {
	// Name identifies the snapshot row in the snapshot store.
	Name string

	// Dimensions is the embedding dimension the index serves. Snapshots
	// built with a different dimension are discarded on load.
	Dimensions int

	// M, EfConstruction and EfSearch are HNSW construction parameters.
	M              int
	EfConstruction int
	EfSearch       int

	// Capacity caps the number of vectors; zero means DefaultCapacity.
	Capacity int

	// PersistInterval is the snapshot period for the persist loop.
	PersistInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.M <= 0 {
		c.M = DefaultM
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = DefaultEfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = DefaultEfSearch
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = DefaultPersistInterval
	}
}

// RecordFetcher supplies authoritative records for warm rebuilds. The full
// storage.Store satisfies it.
type RecordFetcher interface {
	GetByIDs(ctx context.Context, ids []int64) ([]*storage.Memory, error)
}

// Result is one approximate search hit.
type Result struct {
	// RecordID is the authoritative store row id.
	RecordID int64

	// Similarity is the raw cosine similarity to the query.
	Similarity float64
}

// Manager owns the in-memory HNSW graph, the label-to-record mirror, and
// snapshot persistence.
//
// Writes are serialized through a single write lock; searches take the read
// lock and never mutate the graph.
type Manager struct {
	mu        sync.RWMutex
	state     State
	cfg       Config
	graph     *graph
	labels    map[uint32]int64
	records   map[int64]uint32
	nextLabel uint32
	gen       uint64
	savedGen  uint64

	snapshots storage.SnapshotStore
	logger    *zap.Logger
}

// NewManager creates an index manager in the uninitialized state. Call Load
// before serving.
func NewManager(cfg Config, snapshots storage.SnapshotStore, logger *zap.Logger) *Manager {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		state:     StateUninitialized,
		cfg:       cfg,
		labels:    make(map[uint32]int64),
		records:   make(map[int64]uint32),
		snapshots: snapshots,
		logger:    logger,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Ready reports whether the index can serve searches.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// Len returns the number of live records in the index.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Load restores the index from its persisted snapshot, or rebuilds it from
// the authoritative store via the label mirror when no usable snapshot
// exists. A snapshot whose dimension differs from the configured embedding
// dimension is discarded, never served.
//
// Load never fails hard: any loss here degrades to an empty index, and the
// primary store keeps serving searches alone.
func (m *Manager) Load(ctx context.Context, fetcher RecordFetcher) {
	m.mu.Lock()
	m.state = StateLoading
	m.mu.Unlock()

	snap, err := m.snapshots.LoadSnapshot(ctx, m.cfg.Name)
	if err != nil {
		m.logger.Warn("index snapshot load failed, rebuilding",
			zap.String("index", m.cfg.Name), zap.Error(err))
		m.rebuild(ctx, fetcher)
		return
	}
	if snap == nil {
		m.rebuild(ctx, fetcher)
		return
	}
	if snap.Dimension != m.cfg.Dimensions {
		m.logger.Warn("index snapshot dimension mismatch, discarding",
			zap.String("index", m.cfg.Name),
			zap.Int("snapshot_dimensions", snap.Dimension),
			zap.Int("configured_dimensions", m.cfg.Dimensions))
		m.rebuild(ctx, fetcher)
		return
	}

	g, err := decodeGraph(snap.Blob, time.Now().UnixNano())
	if err != nil {
		m.logger.Warn("index snapshot decode failed, rebuilding",
			zap.String("index", m.cfg.Name), zap.Error(err))
		m.rebuild(ctx, fetcher)
		return
	}

	labels, err := m.snapshots.LoadLabels(ctx, m.cfg.Name)
	if err != nil {
		m.logger.Warn("index label mirror load failed, rebuilding",
			zap.String("index", m.cfg.Name), zap.Error(err))
		m.rebuild(ctx, fetcher)
		return
	}

	records := make(map[int64]uint32, len(labels))
	var next uint32
	for label, recordID := range labels {
		records[recordID] = label
		if label >= next {
			next = label + 1
		}
	}

	m.mu.Lock()
	m.graph = g
	m.labels = labels
	m.records = records
	m.nextLabel = next
	m.state = StateReady
	m.mu.Unlock()

	m.logger.Info("index loaded from snapshot",
		zap.String("index", m.cfg.Name),
		zap.Int("vectors", g.len()))
}

// rebuild reconstructs the graph from the authoritative store using the
// persisted label mirror, then serves. With no mirror (or no fetcher) the
// result is an empty, ready index.
func (m *Manager) rebuild(ctx context.Context, fetcher RecordFetcher) {
	m.mu.Lock()
	m.state = StateRebuilding
	m.mu.Unlock()

	g := newGraph(m.cfg.Dimensions, m.cfg.M, m.cfg.EfConstruction, m.cfg.EfSearch, time.Now().UnixNano())
	labels := make(map[uint32]int64)
	records := make(map[int64]uint32)
	var next uint32

	if fetcher != nil {
		if mirror, err := m.snapshots.LoadLabels(ctx, m.cfg.Name); err != nil {
			m.logger.Warn("index label mirror load failed during rebuild",
				zap.String("index", m.cfg.Name), zap.Error(err))
		} else if len(mirror) > 0 {
			ids := make([]int64, 0, len(mirror))
			for _, recordID := range mirror {
				ids = append(ids, recordID)
			}

			memories, err := fetcher.GetByIDs(ctx, ids)
			if err != nil {
				m.logger.Warn("index rebuild fetch failed",
					zap.String("index", m.cfg.Name), zap.Error(err))
				memories = nil
			}

			for _, memory := range memories {
				if len(memory.Embedding) != m.cfg.Dimensions {
					continue
				}
				if err := g.add(next, memory.Embedding); err != nil {
					m.logger.Warn("index rebuild add failed",
						zap.Int64("record_id", memory.ID), zap.Error(err))
					continue
				}
				labels[next] = memory.ID
				records[memory.ID] = next
				next++
			}
		}
	}

	m.mu.Lock()
	m.graph = g
	m.labels = labels
	m.records = records
	m.nextLabel = next
	if next > 0 {
		m.gen++
	}
	m.state = StateReady
	m.mu.Unlock()

	m.logger.Info("index rebuilt",
		zap.String("index", m.cfg.Name),
		zap.Int("vectors", g.len()))
}

// Add mirrors an authoritative record into the index.
//
// Re-adding an existing record id retires the old label and inserts the new
// vector under a fresh one; the retired graph node stays until the next
// rebuild but can no longer surface in results.
func (m *Manager) Add(recordID int64, vector []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReady {
		return fmt.Errorf("Add: %w (state %s)", ErrNotReady, m.state)
	}
	if len(vector) != m.cfg.Dimensions {
		return fmt.Errorf("Add: %w (got %d, want %d)", ErrDimensionMismatch, len(vector), m.cfg.Dimensions)
	}
	if len(m.records) >= m.cfg.Capacity {
		return fmt.Errorf("Add: %w (capacity %d)", ErrCapacityExceeded, m.cfg.Capacity)
	}

	label := m.nextLabel
	if err := m.graph.add(label, vector); err != nil {
		return fmt.Errorf("Add: %w", err)
	}
	m.nextLabel++

	if old, ok := m.records[recordID]; ok {
		delete(m.labels, old)
	}
	m.labels[label] = recordID
	m.records[recordID] = label
	m.gen++

	return nil
}

// Remove retires a record from the index. The graph node stays until the
// next rebuild; retiring the label is enough to stop it from surfacing.
func (m *Manager) Remove(recordID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if label, ok := m.records[recordID]; ok {
		delete(m.labels, label)
		delete(m.records, recordID)
		m.gen++
	}
}

// Search returns up to k record hits nearest to the query, best first.
func (m *Manager) Search(query []float64, k int) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateReady {
		return nil, fmt.Errorf("Search: %w (state %s)", ErrNotReady, m.state)
	}
	if len(query) != m.cfg.Dimensions {
		return nil, fmt.Errorf("Search: %w (got %d, want %d)", ErrDimensionMismatch, len(query), m.cfg.Dimensions)
	}

	// Over-ask to compensate for retired labels that get skipped below.
	hits, dists, err := m.graph.search(query, k*2)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	results := make([]Result, 0, k)
	seen := make(map[int64]bool, k)
	for i, label := range hits {
		recordID, ok := m.labels[label]
		if !ok || seen[recordID] {
			continue
		}
		seen[recordID] = true
		results = append(results, Result{RecordID: recordID, Similarity: 1 - dists[i]})
		if len(results) >= k {
			break
		}
	}
	return results, nil
}

// Persist snapshots the graph and label mirror when they changed since the
// last successful persist. Serialization happens under the read lock; the
// database writes happen outside it.
func (m *Manager) Persist(ctx context.Context) error {
	m.mu.RLock()
	if m.state != StateReady || m.gen == m.savedGen {
		m.mu.RUnlock()
		return nil
	}
	gen := m.gen
	blob, err := encodeGraph(m.graph)
	if err != nil {
		m.mu.RUnlock()
		return fmt.Errorf("Persist: %w", err)
	}
	labels := make(map[uint32]int64, len(m.labels))
	for label, recordID := range m.labels {
		labels[label] = recordID
	}
	snap := &storage.IndexSnapshot{
		Name:           m.cfg.Name,
		Dimension:      m.cfg.Dimensions,
		VectorCount:    len(labels),
		M:              m.cfg.M,
		EfConstruction: m.cfg.EfConstruction,
		EfSearch:       m.cfg.EfSearch,
		Blob:           blob,
		UpdatedAt:      time.Now().UTC(),
	}
	m.mu.RUnlock()

	if err := m.snapshots.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("Persist: %w", err)
	}
	if err := m.snapshots.SaveLabels(ctx, m.cfg.Name, labels); err != nil {
		return fmt.Errorf("Persist: %w", err)
	}

	m.mu.Lock()
	if m.savedGen < gen {
		m.savedGen = gen
	}
	m.mu.Unlock()

	return nil
}

// PersistLoop periodically persists a dirty index until the context is
// canceled, then takes one final snapshot.
func (m *Manager) PersistLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Persist(ctx); err != nil {
				m.logger.Warn("index persist failed",
					zap.String("index", m.cfg.Name), zap.Error(err))
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.Persist(flushCtx); err != nil {
				m.logger.Warn("index final persist failed",
					zap.String("index", m.cfg.Name), zap.Error(err))
			}
			cancel()
			return
		}
	}
}

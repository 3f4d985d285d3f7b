// Package storage provides interfaces and types for vector storage backends.
//
// It defines the Store interface that all storage implementations must
// satisfy, along with the memory record type, search options, and the index
// snapshot types used by the approximate index.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested memory row does not exist.
var ErrNotFound = errors.New("memory not found")

// Memory represents a memory stored in the vector store.
//
// The pair (UserID, Key) is the canonical write target: repeated stores with
// the same logical key update the existing row in place. Legacy write paths
// may have produced multiple physical rows behind one effective logical key;
// the retention engine collapses those at read time.
type Memory struct {
	// ID is the unique identifier of the memory row.
	ID int64

	// UserID identifies the user who owns this memory.
	UserID string

	// Key is the stable logical fact identifier (e.g. "pet_name").
	Key string

	// Content is the text content of the memory.
	Content string

	// Embedding is the vector embedding for similarity search.
	Embedding []float64

	// Category is the tier category of the memory (may be empty on
	// legacy rows).
	Category string

	// Metadata contains additional structured information.
	Metadata map[string]interface{}

	// CreatedAt is when the memory was created.
	CreatedAt time.Time

	// UpdatedAt is when the memory was last updated.
	UpdatedAt time.Time

	// Score is the raw cosine similarity from search operations.
	Score float64
}

// IndexSnapshot is a persisted serialization of the approximate index.
//
// A snapshot whose Dimension differs from the configured embedding dimension
// must never be served; loaders discard it and rebuild an empty index.
type IndexSnapshot struct {
	// Name identifies the index (one snapshot row per name).
	Name string

	// Dimension is the embedding dimension the index was built with.
	Dimension int

	// VectorCount is the number of vectors in the snapshot.
	VectorCount int

	// M, EfConstruction and EfSearch are the HNSW construction parameters.
	M              int
	EfConstruction int
	EfSearch       int

	// Blob is the serialized graph.
	Blob []byte

	// UpdatedAt is when the snapshot was written.
	UpdatedAt time.Time
}

// SearchOptions contains options for ranked search operations.
type SearchOptions struct {
	// UserID scopes the search to a single user (required).
	UserID string

	// Limit is the caller's requested result count. Backends over-fetch
	// to OverFetch(Limit) candidates so the retention engine can apply
	// capping and dedup before the limit is honored.
	Limit int

	// IncludeCategories restricts results to the given categories
	// (category match or key-pattern match per requested category).
	IncludeCategories []string

	// ExcludeCategories removes matching results.
	ExcludeCategories []string

	// ScopeToken optionally scopes results to one conversation or run.
	// Empty means no scoping; rows without a token always pass.
	ScopeToken string

	// Since and Until bound CreatedAt when non-zero.
	Since time.Time
	Until time.Time
}

// ListOptions contains options for browsing (GetAll) operations.
type ListOptions struct {
	// UserID scopes the listing to a single user (required).
	UserID string

	// Limit and Offset paginate the listing.
	Limit  int
	Offset int

	// IncludeCategories, ExcludeCategories, ScopeToken, Since and Until
	// behave as in SearchOptions.
	IncludeCategories []string
	ExcludeCategories []string
	ScopeToken        string
	Since             time.Time
	Until             time.Time
}

// OverFetch returns the candidate count backends fetch for a requested
// limit. The surplus gives the retention engine room to cap and dedup
// without starving the final result.
func OverFetch(limit int) int {
	n := limit * 3
	if n < 100 {
		n = 100
	}
	return n
}

// SnapshotStore persists approximate-index snapshots and the label mirror.
//
// It is a narrow view of Store so the index manager does not depend on the
// full storage surface.
type SnapshotStore interface {
	// SaveSnapshot writes (or replaces) the snapshot row for its name.
	SaveSnapshot(ctx context.Context, snap *IndexSnapshot) error

	// LoadSnapshot returns the snapshot for the given name, or nil when
	// none exists.
	LoadSnapshot(ctx context.Context, name string) (*IndexSnapshot, error)

	// SaveLabels replaces the persisted label-to-record mirror.
	SaveLabels(ctx context.Context, name string, labels map[uint32]int64) error

	// LoadLabels returns the persisted label-to-record mirror (empty map
	// when none exists).
	LoadLabels(ctx context.Context, name string) (map[uint32]int64, error)
}

// Store defines the interface for authoritative vector storage backends.
//
// All storage implementations (SQLite, PostgreSQL, OceanBase) must implement
// this interface.
type Store interface {
	SnapshotStore

	// Upsert inserts a memory or, when a row with the same
	// (UserID, Key) exists, replaces its content, embedding, category and
	// metadata (last-write-wins). Concurrency safety is delegated to the
	// backend's native conflict handling. On return memory.ID holds the
	// canonical row id, which is the existing row's id when the write
	// replaced one.
	Upsert(ctx context.Context, memory *Memory) error

	// RankedSearch returns up to OverFetch(opts.Limit) candidates for the
	// user ordered by adjusted similarity, where
	// adjusted = cosine(query, embedding) + tier weight.
	RankedSearch(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*Memory, error)

	// GetAll retrieves memories without a query, ordered by recency, with
	// a uniform placeholder similarity so downstream ranking still has a
	// well-defined ordering key.
	GetAll(ctx context.Context, opts *ListOptions) ([]*Memory, error)

	// Get retrieves a memory by row ID.
	Get(ctx context.Context, id int64) (*Memory, error)

	// GetByIDs retrieves memories for the given row IDs. Missing IDs are
	// skipped, order follows the input.
	GetByIDs(ctx context.Context, ids []int64) ([]*Memory, error)

	// Delete removes a memory by row ID.
	Delete(ctx context.Context, id int64) error

	// DeleteAll removes all memories for a user (explicit purge path).
	DeleteAll(ctx context.Context, userID string) error

	// Close closes the store and releases resources.
	Close() error
}

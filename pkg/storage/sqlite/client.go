// Package sqlite provides the SQLite implementation of the vector store.
//
// SQLite is a lightweight, file-based database suitable for local
// development and small deployments. Vectors are stored as JSON strings in
// TEXT fields, and similarity search uses in-memory cosine similarity
// calculation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB

	// collectionName is the name of the table storing memories.
	collectionName string

	// dimensions is the dimension of embedding vectors.
	dimensions int
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CollectionName is the name of the table to use.
	CollectionName string

	// EmbeddingModelDims is the dimension of embedding vectors.
	EmbeddingModelDims int
}

// NewClient creates a new SQLite store client.
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{
		db:             db,
		collectionName: cfg.CollectionName,
		dimensions:     cfg.EmbeddingModelDims,
	}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the database table structure.
//
// SQLite stores vectors as JSON strings in TEXT fields. The memory table is
// unique on (user_id, key) so upserts resolve through the native conflict
// clause.
func (c *Client) initTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, key)
		)
	`, c.collectionName)

	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	indexQuery := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)
	`, c.collectionName, c.collectionName)
	if _, err := c.db.ExecContext(ctx, indexQuery); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	snapQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_index_snapshots (
			name TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL,
			vector_count INTEGER NOT NULL,
			m INTEGER NOT NULL,
			ef_construction INTEGER NOT NULL,
			ef_search INTEGER NOT NULL,
			blob BLOB,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`, c.collectionName)
	if _, err := c.db.ExecContext(ctx, snapQuery); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	labelQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_index_labels (
			name TEXT NOT NULL,
			label INTEGER NOT NULL,
			record_id INTEGER NOT NULL,
			PRIMARY KEY (name, label)
		)
	`, c.collectionName)
	if _, err := c.db.ExecContext(ctx, labelQuery); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	return nil
}

// Upsert inserts a memory or replaces the row sharing its (user_id, key).
//
// Last-write-wins on content, embedding, category and metadata. The existing
// row keeps its id and created_at.
func (c *Client) Upsert(ctx context.Context, memory *storage.Memory) error {
	embeddingJSON, err := json.Marshal(memory.Embedding)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}

	metadataJSON, err := json.Marshal(memory.Metadata)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, key, content, embedding, category, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding,
			category = excluded.category,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
		RETURNING id
	`, c.collectionName)

	now := time.Now().UTC()
	createdAt := memory.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	err = c.db.QueryRowContext(ctx, query,
		memory.ID,
		memory.UserID,
		memory.Key,
		memory.Content,
		string(embeddingJSON),
		memory.Category,
		string(metadataJSON),
		createdAt,
		now,
	).Scan(&memory.ID)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}

	return nil
}

// RankedSearch performs boosted vector similarity search.
//
// SQLite has no native vector operations, so the user's rows are scanned and
// cosine similarity is calculated in memory. Each candidate's ordering key
// is its raw similarity plus the canonical tier weight; the returned Score
// stays raw.
func (c *Client) RankedSearch(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	whereClause, args := buildUserWhere(opts.UserID, opts.Since, opts.Until)

	query := fmt.Sprintf(`
		SELECT id, user_id, key, content, embedding, category, metadata, created_at, updated_at
		FROM %s
		%s
		ORDER BY id
	`, c.collectionName, whereClause)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("RankedSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		memory, err := c.scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if !opts.Match(memory) {
			continue
		}
		memory.Score = storage.CosineSimilarity(embedding, memory.Embedding)
		memories = append(memories, memory)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return storage.SortRanked(memories, storage.OverFetch(opts.Limit)), nil
}

// GetAll retrieves memories without a query, most recent first.
//
// Every row carries a uniform placeholder similarity of zero so downstream
// ranking falls through to recency.
func (c *Client) GetAll(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	whereClause, args := buildUserWhere(opts.UserID, opts.Since, opts.Until)

	query := fmt.Sprintf(`
		SELECT id, user_id, key, content, embedding, category, metadata, created_at, updated_at
		FROM %s
		%s
		ORDER BY created_at DESC, id DESC
	`, c.collectionName, whereClause)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetAll: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		memory, err := c.scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if !opts.Match(memory) {
			continue
		}
		memory.Score = 0
		memories = append(memories, memory)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return paginate(memories, opts.Offset, opts.Limit), nil
}

// Get retrieves a memory by row ID.
func (c *Client) Get(ctx context.Context, id int64) (*storage.Memory, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, key, content, embedding, category, metadata, created_at, updated_at
		FROM %s
		WHERE id = ?
	`, c.collectionName)

	row := c.db.QueryRowContext(ctx, query, id)

	memory, err := c.scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	return memory, nil
}

// GetByIDs retrieves memories for the given row IDs, preserving input order.
// Missing IDs are skipped.
func (c *Client) GetByIDs(ctx context.Context, ids []int64) ([]*storage.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]interface{}, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, key, content, embedding, category, metadata, created_at, updated_at
		FROM %s
		WHERE id IN (%s)
	`, c.collectionName, placeholders)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetByIDs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[int64]*storage.Memory, len(ids))
	for rows.Next() {
		memory, err := c.scanMemory(rows)
		if err != nil {
			return nil, err
		}
		byID[memory.ID] = memory
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memories := make([]*storage.Memory, 0, len(byID))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			memories = append(memories, m)
		}
	}

	return memories, nil
}

// Delete deletes a memory by row ID.
func (c *Client) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", c.collectionName)

	result, err := c.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("Delete: %w", storage.ErrNotFound)
	}

	return nil
}

// DeleteAll deletes all memories for a user.
func (c *Client) DeleteAll(ctx context.Context, userID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", c.collectionName)

	if _, err := c.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("DeleteAll: %w", err)
	}

	return nil
}

// SaveSnapshot writes (or replaces) the index snapshot row for its name.
func (c *Client) SaveSnapshot(ctx context.Context, snap *storage.IndexSnapshot) error {
	query := fmt.Sprintf(`
		INSERT INTO %s_index_snapshots
		(name, dimension, vector_count, m, ef_construction, ef_search, blob, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			dimension = excluded.dimension,
			vector_count = excluded.vector_count,
			m = excluded.m,
			ef_construction = excluded.ef_construction,
			ef_search = excluded.ef_search,
			blob = excluded.blob,
			updated_at = excluded.updated_at
	`, c.collectionName)

	_, err := c.db.ExecContext(ctx, query,
		snap.Name,
		snap.Dimension,
		snap.VectorCount,
		snap.M,
		snap.EfConstruction,
		snap.EfSearch,
		snap.Blob,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("SaveSnapshot: %w", err)
	}

	return nil
}

// LoadSnapshot returns the snapshot for the given name, or nil when none
// exists.
func (c *Client) LoadSnapshot(ctx context.Context, name string) (*storage.IndexSnapshot, error) {
	query := fmt.Sprintf(`
		SELECT name, dimension, vector_count, m, ef_construction, ef_search, blob, updated_at
		FROM %s_index_snapshots
		WHERE name = ?
	`, c.collectionName)

	var snap storage.IndexSnapshot
	err := c.db.QueryRowContext(ctx, query, name).Scan(
		&snap.Name,
		&snap.Dimension,
		&snap.VectorCount,
		&snap.M,
		&snap.EfConstruction,
		&snap.EfSearch,
		&snap.Blob,
		&snap.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LoadSnapshot: %w", err)
	}

	return &snap, nil
}

// SaveLabels replaces the persisted label-to-record mirror for the index.
func (c *Client) SaveLabels(ctx context.Context, name string, labels map[uint32]int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveLabels: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteQuery := fmt.Sprintf("DELETE FROM %s_index_labels WHERE name = ?", c.collectionName)
	if _, err := tx.ExecContext(ctx, deleteQuery, name); err != nil {
		return fmt.Errorf("SaveLabels: %w", err)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s_index_labels (name, label, record_id) VALUES (?, ?, ?)
	`, c.collectionName)
	for label, recordID := range labels {
		if _, err := tx.ExecContext(ctx, insertQuery, name, label, recordID); err != nil {
			return fmt.Errorf("SaveLabels: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveLabels: %w", err)
	}

	return nil
}

// LoadLabels returns the persisted label-to-record mirror for the index.
func (c *Client) LoadLabels(ctx context.Context, name string) (map[uint32]int64, error) {
	query := fmt.Sprintf(`
		SELECT label, record_id FROM %s_index_labels WHERE name = ?
	`, c.collectionName)

	rows, err := c.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("LoadLabels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	labels := make(map[uint32]int64)
	for rows.Next() {
		var label uint32
		var recordID int64
		if err := rows.Scan(&label, &recordID); err != nil {
			return nil, fmt.Errorf("LoadLabels: %w", err)
		}
		labels[label] = recordID
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return labels, nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// scanMemory scans a memory from a database row or rows.
func (c *Client) scanMemory(scanner interface{}) (*storage.Memory, error) {
	var memory storage.Memory
	var embeddingStr string
	var metadataStr sql.NullString

	var err error
	switch s := scanner.(type) {
	case *sql.Row:
		err = s.Scan(
			&memory.ID,
			&memory.UserID,
			&memory.Key,
			&memory.Content,
			&embeddingStr,
			&memory.Category,
			&metadataStr,
			&memory.CreatedAt,
			&memory.UpdatedAt,
		)
	case *sql.Rows:
		err = s.Scan(
			&memory.ID,
			&memory.UserID,
			&memory.Key,
			&memory.Content,
			&embeddingStr,
			&memory.Category,
			&metadataStr,
			&memory.CreatedAt,
			&memory.UpdatedAt,
		)
	default:
		return nil, fmt.Errorf("unsupported scanner type")
	}

	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(embeddingStr), &memory.Embedding); err != nil {
		return nil, fmt.Errorf("parse embedding: %w", err)
	}

	if metadataStr.Valid && metadataStr.String != "" {
		if err := json.Unmarshal([]byte(metadataStr.String), &memory.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}

	return &memory, nil
}

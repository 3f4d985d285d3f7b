// Package postgres provides the PostgreSQL + pgvector implementation of the
// vector store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// Client is a PostgreSQL + pgvector client.
type Client struct {
	db             *sql.DB
	collectionName string
	dimensions     int
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int
	SSLMode            string
}

// NewClient creates a new PostgreSQL client.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
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

// initTables initializes the pgvector extension and table structure.
func (c *Client) initTables(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("initTables: create extension: %w", err)
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			key VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			category VARCHAR(64) NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, key)
		)
	`, c.collectionName, c.dimensions)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: create table: %w", err)
	}

	indexQuery := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)
	`, c.collectionName, c.collectionName)
	if _, err := c.db.ExecContext(ctx, indexQuery); err != nil {
		return fmt.Errorf("initTables: create index: %w", err)
	}

	snapQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_index_snapshots (
			name VARCHAR(128) PRIMARY KEY,
			dimension INT NOT NULL,
			vector_count INT NOT NULL,
			m INT NOT NULL,
			ef_construction INT NOT NULL,
			ef_search INT NOT NULL,
			blob BYTEA,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`, c.collectionName)
	if _, err := c.db.ExecContext(ctx, snapQuery); err != nil {
		return fmt.Errorf("initTables: create snapshot table: %w", err)
	}

	labelQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_index_labels (
			name VARCHAR(128) NOT NULL,
			label BIGINT NOT NULL,
			record_id BIGINT NOT NULL,
			PRIMARY KEY (name, label)
		)
	`, c.collectionName)
	if _, err := c.db.ExecContext(ctx, labelQuery); err != nil {
		return fmt.Errorf("initTables: create label table: %w", err)
	}

	return nil
}

// Upsert inserts a memory or replaces the row sharing its (user_id, key).
func (c *Client) Upsert(ctx context.Context, memory *storage.Memory) error {
	vectorStr := vectorToString(memory.Embedding)

	metadataJSON, err := json.Marshal(memory.Metadata)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, key, content, embedding, category, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, key) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			category = EXCLUDED.category,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
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
		vectorStr,
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

// RankedSearch performs boosted vector search using pgvector.
//
// The database orders candidates by raw cosine similarity (the coarse
// pre-filter); the canonical tier boost and the shared filter predicate are
// applied in-process so every backend scores and filters identically. The
// SQL window is twice the over-fetch size to leave room for rows the
// in-process filters drop.
func (c *Client) RankedSearch(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	queryVectorStr := vectorToString(embedding)
	overFetch := storage.OverFetch(opts.Limit)

	whereClause, filterArgs := buildUserWhere(opts.UserID, opts.Since, opts.Until, 2)

	query := fmt.Sprintf(`
		SELECT id, user_id, key, content, embedding, category, metadata,
		       created_at, updated_at,
		       1 - (embedding <=> $1) AS similarity
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, c.collectionName, whereClause, len(filterArgs)+2)

	allArgs := []interface{}{queryVectorStr}
	allArgs = append(allArgs, filterArgs...)
	allArgs = append(allArgs, overFetch*2)

	rows, err := c.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("RankedSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	memories, err := c.scanMemories(rows, true)
	if err != nil {
		return nil, err
	}

	filtered := memories[:0]
	for _, m := range memories {
		if opts.Match(m) {
			filtered = append(filtered, m)
		}
	}

	return storage.SortRanked(filtered, overFetch), nil
}

// GetAll retrieves memories without a query, most recent first, with a
// uniform placeholder similarity of zero.
func (c *Client) GetAll(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	whereClause, args := buildUserWhere(opts.UserID, opts.Since, opts.Until, 1)

	query := fmt.Sprintf(`
		SELECT id, user_id, key, content, embedding, category, metadata,
		       created_at, updated_at
		FROM %s
		%s
		ORDER BY created_at DESC, id DESC
	`, c.collectionName, whereClause)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetAll: %w", err)
	}
	defer func() { _ = rows.Close() }()

	memories, err := c.scanMemories(rows, false)
	if err != nil {
		return nil, err
	}

	filtered := memories[:0]
	for _, m := range memories {
		if opts.Match(m) {
			m.Score = 0
			filtered = append(filtered, m)
		}
	}

	return paginate(filtered, opts.Offset, opts.Limit), nil
}

// Get retrieves a memory by row ID.
func (c *Client) Get(ctx context.Context, id int64) (*storage.Memory, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, key, content, embedding, category, metadata,
		       created_at, updated_at
		FROM %s
		WHERE id = $1
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
func (c *Client) GetByIDs(ctx context.Context, ids []int64) ([]*storage.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]interface{}, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, key, content, embedding, category, metadata,
		       created_at, updated_at
		FROM %s
		WHERE id IN (%s)
	`, c.collectionName, placeholders)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetByIDs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	memories, err := c.scanMemories(rows, false)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*storage.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}

	ordered := make([]*storage.Memory, 0, len(byID))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
		}
	}

	return ordered, nil
}

// Delete deletes a memory by row ID.
func (c *Client) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", c.collectionName)

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
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", c.collectionName)

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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			dimension = EXCLUDED.dimension,
			vector_count = EXCLUDED.vector_count,
			m = EXCLUDED.m,
			ef_construction = EXCLUDED.ef_construction,
			ef_search = EXCLUDED.ef_search,
			blob = EXCLUDED.blob,
			updated_at = EXCLUDED.updated_at
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
		WHERE name = $1
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

	deleteQuery := fmt.Sprintf("DELETE FROM %s_index_labels WHERE name = $1", c.collectionName)
	if _, err := tx.ExecContext(ctx, deleteQuery, name); err != nil {
		return fmt.Errorf("SaveLabels: %w", err)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s_index_labels (name, label, record_id) VALUES ($1, $2, $3)
	`, c.collectionName)
	for label, recordID := range labels {
		if _, err := tx.ExecContext(ctx, insertQuery, name, int64(label), recordID); err != nil {
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
		SELECT label, record_id FROM %s_index_labels WHERE name = $1
	`, c.collectionName)

	rows, err := c.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("LoadLabels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	labels := make(map[uint32]int64)
	for rows.Next() {
		var label int64
		var recordID int64
		if err := rows.Scan(&label, &recordID); err != nil {
			return nil, fmt.Errorf("LoadLabels: %w", err)
		}
		labels[uint32(label)] = recordID
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

// scanMemory scans a single memory row.
func (c *Client) scanMemory(row *sql.Row) (*storage.Memory, error) {
	var memory storage.Memory
	var embeddingStr string
	var metadataJSON []byte

	err := row.Scan(
		&memory.ID,
		&memory.UserID,
		&memory.Key,
		&memory.Content,
		&embeddingStr,
		&memory.Category,
		&metadataJSON,
		&memory.CreatedAt,
		&memory.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if embeddingStr != "" {
		embedding, err := stringToVector(embeddingStr)
		if err != nil {
			return nil, err
		}
		memory.Embedding = embedding
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &memory.Metadata); err != nil {
			return nil, err
		}
	}

	return &memory, nil
}

// scanMemories scans multiple memory rows, optionally with a similarity
// column appended.
func (c *Client) scanMemories(rows *sql.Rows, hasScore bool) ([]*storage.Memory, error) {
	var memories []*storage.Memory

	for rows.Next() {
		var memory storage.Memory
		var embeddingStr string
		var metadataJSON []byte

		if hasScore {
			err := rows.Scan(
				&memory.ID,
				&memory.UserID,
				&memory.Key,
				&memory.Content,
				&embeddingStr,
				&memory.Category,
				&metadataJSON,
				&memory.CreatedAt,
				&memory.UpdatedAt,
				&memory.Score,
			)
			if err != nil {
				return nil, err
			}
		} else {
			err := rows.Scan(
				&memory.ID,
				&memory.UserID,
				&memory.Key,
				&memory.Content,
				&embeddingStr,
				&memory.Category,
				&metadataJSON,
				&memory.CreatedAt,
				&memory.UpdatedAt,
			)
			if err != nil {
				return nil, err
			}
		}

		if embeddingStr != "" {
			embedding, err := stringToVector(embeddingStr)
			if err != nil {
				return nil, err
			}
			memory.Embedding = embedding
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &memory.Metadata); err != nil {
				return nil, err
			}
		}

		memories = append(memories, &memory)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return memories, nil
}

// Package oceanbase provides the OceanBase implementation of the vector
// store, using OceanBase's native VECTOR columns and cosine_distance for
// server-side similarity.
package oceanbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// Client is an OceanBase client.
type Client struct {
	db             *sql.DB
	config         *Config
	collectionName string
}

// Config contains OceanBase configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int
}

// NewClient creates a new OceanBase client.
func NewClient(cfg *Config) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	client := &Client{
		db:             db,
		config:         cfg,
		collectionName: cfg.CollectionName,
	}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the database tables.
func (c *Client) initTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			user_id VARCHAR(128) NOT NULL,
			memory_key VARCHAR(255) NOT NULL,
			content LONGTEXT NOT NULL,
			embedding VECTOR(%d),
			category VARCHAR(64) NOT NULL DEFAULT '',
			metadata JSON,
			created_at DATETIME(6),
			updated_at DATETIME(6),
			UNIQUE KEY uk_user_key (user_id, memory_key),
			INDEX idx_user (user_id)
		)
	`, c.collectionName, c.config.EmbeddingModelDims)

	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	snapQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_index_snapshots (
			name VARCHAR(128) PRIMARY KEY,
			dimension INT NOT NULL,
			vector_count INT NOT NULL,
			m INT NOT NULL,
			ef_construction INT NOT NULL,
			ef_search INT NOT NULL,
			blob LONGBLOB,
			updated_at DATETIME(6)
		)
	`, c.collectionName)
	if _, err := c.db.ExecContext(ctx, snapQuery); err != nil {
		return fmt.Errorf("initTables: %w", err)
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
		return fmt.Errorf("initTables: %w", err)
	}

	return nil
}

// Upsert inserts a memory or replaces the row sharing its
// (user_id, memory_key).
func (c *Client) Upsert(ctx context.Context, memory *storage.Memory) error {
	vectorStr := vectorToString(memory.Embedding)

	metadataJSON, err := json.Marshal(memory.Metadata)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, memory_key, content, embedding, category, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id = LAST_INSERT_ID(id),
			content = VALUES(content),
			embedding = VALUES(embedding),
			category = VALUES(category),
			metadata = VALUES(metadata),
			updated_at = VALUES(updated_at)
	`, c.collectionName)

	now := time.Now().UTC()
	createdAt := memory.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	result, err := c.db.ExecContext(ctx, query,
		memory.ID,
		memory.UserID,
		memory.Key,
		memory.Content,
		vectorStr,
		memory.Category,
		metadataJSON,
		createdAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}

	// MySQL reports two affected rows when an existing row was updated; in
	// that case the existing row keeps its id and LAST_INSERT_ID carries it.
	if affected, err := result.RowsAffected(); err == nil && affected == 2 {
		if existing, err := result.LastInsertId(); err == nil && existing != 0 {
			memory.ID = existing
		}
	}

	return nil
}

// RankedSearch performs boosted vector search using OceanBase's
// cosine_distance.
//
// As with the PostgreSQL backend, the database handles the coarse raw
// similarity ordering and the canonical tier boost plus the shared filter
// predicate are applied in-process. The SQL window is twice the over-fetch
// size to leave room for rows the in-process filters drop.
func (c *Client) RankedSearch(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	queryVectorStr := vectorToString(embedding)
	overFetch := storage.OverFetch(opts.Limit)

	whereClause, args := buildUserWhere(opts.UserID, opts.Since, opts.Until)

	query := fmt.Sprintf(`
		SELECT id, user_id, memory_key, content, embedding, category, metadata,
		       created_at, updated_at,
		       cosine_distance(embedding, ?) AS distance
		FROM %s
		%s
		ORDER BY distance ASC
		LIMIT ?
	`, c.collectionName, whereClause)

	allArgs := append([]interface{}{queryVectorStr}, args...)
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
	whereClause, args := buildUserWhere(opts.UserID, opts.Since, opts.Until)

	query := fmt.Sprintf(`
		SELECT id, user_id, memory_key, content, embedding, category, metadata,
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
		SELECT id, user_id, memory_key, content, embedding, category, metadata,
		       created_at, updated_at
		FROM %s
		WHERE id = ?
	`, c.collectionName)

	rows, err := c.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	defer func() { _ = rows.Close() }()

	memories, err := c.scanMemories(rows, false)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if len(memories) == 0 {
		return nil, fmt.Errorf("Get: %w", storage.ErrNotFound)
	}

	return memories[0], nil
}

// GetByIDs retrieves memories for the given row IDs, preserving input order.
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
		SELECT id, user_id, memory_key, content, embedding, category, metadata,
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
		ON DUPLICATE KEY UPDATE
			dimension = VALUES(dimension),
			vector_count = VALUES(vector_count),
			m = VALUES(m),
			ef_construction = VALUES(ef_construction),
			ef_search = VALUES(ef_search),
			blob = VALUES(blob),
			updated_at = VALUES(updated_at)
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
	var updatedAt sql.NullTime
	err := c.db.QueryRowContext(ctx, query, name).Scan(
		&snap.Name,
		&snap.Dimension,
		&snap.VectorCount,
		&snap.M,
		&snap.EfConstruction,
		&snap.EfSearch,
		&snap.Blob,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LoadSnapshot: %w", err)
	}
	if updatedAt.Valid {
		snap.UpdatedAt = updatedAt.Time
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

// scanMemories scans memory rows, optionally with a distance column
// appended. Distance is converted to similarity (1 - distance).
func (c *Client) scanMemories(rows *sql.Rows, hasScore bool) ([]*storage.Memory, error) {
	var memories []*storage.Memory

	for rows.Next() {
		var memory storage.Memory
		var embeddingStr sql.NullString
		var metadataJSON []byte
		var createdAt sql.NullTime
		var updatedAt sql.NullTime
		var distance float64

		if hasScore {
			err := rows.Scan(
				&memory.ID,
				&memory.UserID,
				&memory.Key,
				&memory.Content,
				&embeddingStr,
				&memory.Category,
				&metadataJSON,
				&createdAt,
				&updatedAt,
				&distance,
			)
			if err != nil {
				return nil, err
			}
			memory.Score = 1.0 - distance
		} else {
			err := rows.Scan(
				&memory.ID,
				&memory.UserID,
				&memory.Key,
				&memory.Content,
				&embeddingStr,
				&memory.Category,
				&metadataJSON,
				&createdAt,
				&updatedAt,
			)
			if err != nil {
				return nil, err
			}
		}

		if embeddingStr.Valid && embeddingStr.String != "" {
			embedding, err := stringToVector(embeddingStr.String)
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

		if createdAt.Valid {
			memory.CreatedAt = createdAt.Time
		}
		if updatedAt.Valid {
			memory.UpdatedAt = updatedAt.Time
		}

		memories = append(memories, &memory)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return memories, nil
}

package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/engram-labs/engram-go/pkg/annindex"
	"github.com/engram-labs/engram-go/pkg/category"
	"github.com/engram-labs/engram-go/pkg/embedder"
	"github.com/engram-labs/engram-go/pkg/embedder/fallback"
	openaiEmbedder "github.com/engram-labs/engram-go/pkg/embedder/openai"
	"github.com/engram-labs/engram-go/pkg/retention"
	"github.com/engram-labs/engram-go/pkg/storage"
	oceanbaseStore "github.com/engram-labs/engram-go/pkg/storage/oceanbase"
	postgresStore "github.com/engram-labs/engram-go/pkg/storage/postgres"
	sqliteStore "github.com/engram-labs/engram-go/pkg/storage/sqlite"
)

// DefaultSearchLimit is the result count used when a search does not
// specify one.
const DefaultSearchLimit = 10

// UserResolver maps caller-supplied user identifiers to canonical ones.
//
// Deployments where several external identities share one memory space
// inject their own resolver; the default passes identifiers through
// unchanged.
type UserResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// passthroughResolver returns user IDs unchanged.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, userID string) (string, error) {
	return userID, nil
}

// ProgressSink receives learning-category writes so an external progress
// tracker can observe study facts as they are stored. Delivery is
// best-effort; a failing sink never fails the write.
type ProgressSink interface {
	RecordProgress(ctx context.Context, userID, key, content string, metadata map[string]interface{}) error
}

// Client is the memory gateway callers use to store and search memories.
//
// It orchestrates the embedding provider, the authoritative vector store,
// the optional approximate index, and read-time retention curation. The
// client is safe for concurrent use.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(config)
//	defer client.Close()
//
//	memory, _ := client.Store(ctx, "user_001", "pet_name", "Rex",
//	    core.WithCategory(category.Relationship),
//	)
type Client struct {
	// config contains the client configuration.
	config *Config

	// storage is the authoritative vector store.
	storage storage.Store

	// embedder is the never-fail embedding provider.
	embedder embedder.Provider

	// index is the approximate index manager (nil when disabled).
	index *annindex.Manager

	// resolver maps caller user IDs to canonical ones.
	resolver UserResolver

	// progress receives learning-category writes (nil when unset).
	progress ProgressSink

	// snowflakeNode generates unique IDs for memories.
	snowflakeNode *snowflake.Node

	logger *zap.Logger

	// stopPersist stops the index persistence loop.
	stopPersist context.CancelFunc
	persistDone sync.WaitGroup

	closeOnce sync.Once
}

// NewClient creates a new Engram client.
//
// The client is initialized with:
//   - Vector store (SQLite, PostgreSQL, or OceanBase)
//   - Embedding provider (OpenAI or hash fallback), always wrapped so
//     embedding degrades to the deterministic fallback instead of failing
//   - Approximate index (if enabled in config), loaded or rebuilt in the
//     background of construction and persisted periodically
//
// Returns a new Client instance, or an error if initialization fails.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &clientOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := options.store
	if store == nil {
		var err error
		store, err = initStorage(cfg.VectorStore)
		if err != nil {
			return nil, err
		}
	}

	embedderProvider := options.embedder
	if embedderProvider == nil {
		var err error
		embedderProvider, err = initEmbedder(cfg.Embedder, logger)
		if err != nil {
			return nil, err
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, NewEngramError("NewClient", err)
	}

	resolver := options.resolver
	if resolver == nil {
		resolver = passthroughResolver{}
	}

	client := &Client{
		config:        cfg,
		storage:       store,
		embedder:      embedderProvider,
		resolver:      resolver,
		progress:      options.progress,
		snowflakeNode: node,
		logger:        logger,
	}

	if cfg.Index.Enabled {
		manager := annindex.NewManager(annindex.Config{
			Name:            cfg.Index.Name,
			Dimensions:      cfg.Embedder.Dimensions,
			M:               cfg.Index.M,
			EfConstruction:  cfg.Index.EfConstruction,
			EfSearch:        cfg.Index.EfSearch,
			Capacity:        cfg.Index.Capacity,
			PersistInterval: time.Duration(cfg.Index.PersistIntervalSeconds) * time.Second,
		}, store, logger)
		manager.Load(context.Background(), store)

		persistCtx, cancel := context.WithCancel(context.Background())
		client.index = manager
		client.stopPersist = cancel
		client.persistDone.Add(1)
		go func() {
			defer client.persistDone.Done()
			manager.PersistLoop(persistCtx)
		}()
	}

	return client, nil
}

// Store saves a memory for a user under a stable logical key.
//
// The method:
//  1. Validates that userID, key and content are non-empty
//  2. Resolves the canonical user ID
//  3. Generates an embedding (degrading to the hash fallback, never failing)
//  4. Upserts into the authoritative store: repeated stores with the same
//     (user, key) update the existing row in place
//  5. Mirrors the vector into the approximate index, best-effort
//
// Learning-category writes are additionally forwarded to the registered
// ProgressSink, if any.
//
// Returns the stored Memory, or an error if the operation fails.
func (c *Client) Store(ctx context.Context, userID, key, content string, opts ...StoreOption) (*Memory, error) {
	if userID == "" || key == "" || content == "" {
		return nil, NewEngramError("Store", ErrInvalidInput)
	}

	storeOpts := applyStoreOptions(opts)

	resolved, err := c.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, NewEngramError("Store", err)
	}

	embedding, err := c.embedder.Embed(ctx, content)
	if err != nil {
		return nil, NewEngramError("Store", err)
	}

	metadata := make(map[string]interface{}, len(storeOpts.Metadata)+2)
	for k, v := range storeOpts.Metadata {
		metadata[k] = v
	}
	if storeOpts.ScopeToken != "" {
		metadata[storage.ScopeMetadataKey] = storeOpts.ScopeToken
	}
	if storeOpts.Timestamp > 0 {
		metadata["timestamp"] = storeOpts.Timestamp
	}

	memory := &storage.Memory{
		ID:        c.snowflakeNode.Generate().Int64(),
		UserID:    resolved,
		Key:       key,
		Content:   content,
		Embedding: embedding,
		Category:  storeOpts.Category,
		Metadata:  metadata,
	}

	if err := c.storage.Upsert(ctx, memory); err != nil {
		return nil, NewEngramError("Store", err)
	}

	c.mirrorToIndex(memory)
	c.notifyProgress(ctx, memory)

	stored, err := c.storage.Get(ctx, memory.ID)
	if err != nil {
		// The upsert succeeded; serve the write-side view.
		return fromStorage(memory), nil
	}
	return fromStorage(stored), nil
}

// mirrorToIndex adds a freshly written vector to the approximate index.
// Every failure here is a warning: the authoritative write already landed.
func (c *Client) mirrorToIndex(memory *storage.Memory) {
	if c.index == nil {
		return
	}
	if err := c.index.Add(memory.ID, memory.Embedding); err != nil {
		if errors.Is(err, annindex.ErrCapacityExceeded) {
			c.logger.Warn("index capacity reached, skipping mirror",
				zap.Int64("memory_id", memory.ID))
			return
		}
		c.logger.Warn("index mirror failed",
			zap.Int64("memory_id", memory.ID), zap.Error(err))
	}
}

// notifyProgress forwards learning-category writes to the progress sink.
func (c *Client) notifyProgress(ctx context.Context, memory *storage.Memory) {
	if c.progress == nil || memory.Category != category.Learning {
		return
	}
	if err := c.progress.RecordProgress(ctx, memory.UserID, memory.Key, memory.Content, memory.Metadata); err != nil {
		c.logger.Warn("progress sink rejected learning memory",
			zap.Int64("memory_id", memory.ID), zap.Error(err))
	}
}

// Search retrieves memories for a user ranked by adjusted similarity.
//
// With a non-empty query the query text is embedded and candidates come
// from the approximate index when it is ready, or from the authoritative
// store otherwise; both paths share the same filter predicate and the same
// retention curation, so the served results are identical either way. An
// empty query browses the user's memories by recency instead.
//
// Returns a SearchResult whose Source reports which backend served it.
func (c *Client) Search(ctx context.Context, userID, query string, opts ...SearchOption) (*SearchResult, error) {
	if userID == "" {
		return nil, NewEngramError("Search", ErrInvalidInput)
	}

	searchOpts := applySearchOptions(opts)

	resolved, err := c.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, NewEngramError("Search", err)
	}

	if query == "" {
		return c.browse(ctx, resolved, searchOpts)
	}

	embedding, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, NewEngramError("Search", err)
	}

	if c.index != nil && c.index.Ready() {
		result, err := c.searchIndex(ctx, resolved, embedding, searchOpts)
		if err == nil {
			return result, nil
		}
		c.logger.Warn("index search failed, falling back to store", zap.Error(err))
	}

	return c.searchStore(ctx, resolved, embedding, searchOpts)
}

// browse serves the empty-query path: recency-ordered memories with a
// uniform placeholder similarity, still curated.
func (c *Client) browse(ctx context.Context, userID string, opts *SearchOptions) (*SearchResult, error) {
	memories, err := c.storage.GetAll(ctx, &storage.ListOptions{
		UserID:            userID,
		Limit:             storage.OverFetch(opts.Limit),
		Offset:            opts.Offset,
		IncludeCategories: opts.IncludeCategories,
		ExcludeCategories: opts.ExcludeCategories,
		ScopeToken:        opts.ScopeToken,
		Since:             opts.Since,
		Until:             opts.Until,
	})
	if err != nil {
		return nil, NewEngramError("Search", err)
	}

	curated := retention.Curate(memories, opts.Limit)
	return &SearchResult{Results: fromStorageList(curated), Source: SourceStore}, nil
}

// searchIndex serves a query through the approximate index, re-joining hits
// against the authoritative store so filters see the same metadata the
// store path sees.
func (c *Client) searchIndex(ctx context.Context, userID string, embedding []float64, opts *SearchOptions) (*SearchResult, error) {
	hits, err := c.index.Search(embedding, storage.OverFetch(opts.Limit))
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(hits))
	similarity := make(map[int64]float64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.RecordID
		similarity[hit.RecordID] = hit.Similarity
	}

	memories, err := c.storage.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	filters := &storage.SearchOptions{
		UserID:            userID,
		Limit:             opts.Limit,
		IncludeCategories: opts.IncludeCategories,
		ExcludeCategories: opts.ExcludeCategories,
		ScopeToken:        opts.ScopeToken,
		Since:             opts.Since,
		Until:             opts.Until,
	}

	candidates := make([]*storage.Memory, 0, len(memories))
	for _, memory := range memories {
		// The index is global; rows deleted from the store or owned
		// by other users drop out here.
		if memory.UserID != userID || !filters.Match(memory) {
			continue
		}
		memory.Score = similarity[memory.ID]
		candidates = append(candidates, memory)
	}

	curated := retention.Curate(candidates, opts.Limit)
	return &SearchResult{Results: fromStorageList(curated), Source: SourceIndex}, nil
}

// searchStore serves a query through the authoritative store's ranked
// search.
func (c *Client) searchStore(ctx context.Context, userID string, embedding []float64, opts *SearchOptions) (*SearchResult, error) {
	memories, err := c.storage.RankedSearch(ctx, embedding, &storage.SearchOptions{
		UserID:            userID,
		Limit:             opts.Limit,
		IncludeCategories: opts.IncludeCategories,
		ExcludeCategories: opts.ExcludeCategories,
		ScopeToken:        opts.ScopeToken,
		Since:             opts.Since,
		Until:             opts.Until,
	})
	if err != nil {
		return nil, NewEngramError("Search", err)
	}

	curated := retention.Curate(memories, opts.Limit)
	return &SearchResult{Results: fromStorageList(curated), Source: SourceStore}, nil
}

// Get retrieves a single memory by its row ID.
func (c *Client) Get(ctx context.Context, id int64) (*Memory, error) {
	memory, err := c.storage.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewEngramError("Get", ErrNotFound)
		}
		return nil, NewEngramError("Get", err)
	}
	return fromStorage(memory), nil
}

// Delete removes a single memory by its row ID.
func (c *Client) Delete(ctx context.Context, id int64) error {
	if err := c.storage.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewEngramError("Delete", ErrNotFound)
		}
		return NewEngramError("Delete", err)
	}
	if c.index != nil {
		c.index.Remove(id)
	}
	return nil
}

// DeleteAll removes all memories for a user. This is the explicit purge
// path; retention curation never deletes rows.
func (c *Client) DeleteAll(ctx context.Context, userID string) error {
	if userID == "" {
		return NewEngramError("DeleteAll", ErrInvalidInput)
	}

	resolved, err := c.resolver.Resolve(ctx, userID)
	if err != nil {
		return NewEngramError("DeleteAll", err)
	}

	if err := c.storage.DeleteAll(ctx, resolved); err != nil {
		return NewEngramError("DeleteAll", err)
	}
	// Stale index entries for the purged user fail the store re-join and
	// never surface; the next rebuild drops them for good.
	return nil
}

// IndexState reports the approximate index lifecycle state, or
// "disabled" when the index is off.
func (c *Client) IndexState() string {
	if c.index == nil {
		return "disabled"
	}
	return c.index.State().String()
}

// Close stops the index persistence loop, flushes the final snapshot, and
// closes the embedding provider and the store.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.stopPersist != nil {
			c.stopPersist()
			c.persistDone.Wait()
		}
		if embErr := c.embedder.Close(); embErr != nil {
			err = NewEngramError("Close", embErr)
		}
		if storeErr := c.storage.Close(); storeErr != nil && err == nil {
			err = NewEngramError("Close", storeErr)
		}
	})
	return err
}

// initStorage initializes the vector store from provider configuration.
func initStorage(cfg VectorStoreConfig) (storage.Store, error) {
	switch cfg.Provider {
	case "sqlite":
		return sqliteStore.NewClient(&sqliteStore.Config{
			DBPath:             configString(cfg.Config, "db_path"),
			CollectionName:     configString(cfg.Config, "collection_name"),
			EmbeddingModelDims: configInt(cfg.Config, "embedding_model_dims"),
		})
	case "postgres":
		sslMode := configString(cfg.Config, "ssl_mode")
		if sslMode == "" {
			sslMode = "disable"
		}
		return postgresStore.NewClient(&postgresStore.Config{
			Host:               configString(cfg.Config, "host"),
			Port:               configInt(cfg.Config, "port"),
			User:               configString(cfg.Config, "user"),
			Password:           configString(cfg.Config, "password"),
			DBName:             configString(cfg.Config, "db_name"),
			CollectionName:     configString(cfg.Config, "collection_name"),
			EmbeddingModelDims: configInt(cfg.Config, "embedding_model_dims"),
			SSLMode:            sslMode,
		})
	case "oceanbase":
		return oceanbaseStore.NewClient(&oceanbaseStore.Config{
			Host:               configString(cfg.Config, "host"),
			Port:               configInt(cfg.Config, "port"),
			User:               configString(cfg.Config, "user"),
			Password:           configString(cfg.Config, "password"),
			DBName:             configString(cfg.Config, "db_name"),
			CollectionName:     configString(cfg.Config, "collection_name"),
			EmbeddingModelDims: configInt(cfg.Config, "embedding_model_dims"),
		})
	default:
		return nil, NewEngramError("initStorage", ErrInvalidConfig)
	}
}

// initEmbedder initializes the embedding provider. Whatever the configured
// provider, the result is wrapped so embedding always degrades to the
// deterministic hash fallback instead of failing.
func initEmbedder(cfg EmbedderConfig, logger *zap.Logger) (embedder.Provider, error) {
	local := fallback.New(cfg.Dimensions)

	var remote embedder.Provider
	switch cfg.Provider {
	case "openai":
		client, err := openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, NewEngramError("initEmbedder", err)
		}
		remote = client
	case "fallback":
		remote = nil
	default:
		return nil, NewEngramError("initEmbedder", ErrInvalidConfig)
	}

	resilientOpts := []embedder.ResilientOption{embedder.WithLogger(logger)}
	if cfg.MaxConcurrent > 0 {
		resilientOpts = append(resilientOpts, embedder.WithMaxConcurrent(cfg.MaxConcurrent))
	}
	return embedder.NewResilient(remote, local, resilientOpts...), nil
}

// configString reads a string value from a provider config map.
func configString(config map[string]interface{}, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// configInt reads an integer value from a provider config map, tolerating
// the float64 values JSON unmarshaling produces.
func configInt(config map[string]interface{}, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Package core provides the main Engram client and memory gateway
// functionality.
package core

import (
	"time"

	"go.uber.org/zap"

	"github.com/engram-labs/engram-go/pkg/embedder"
	"github.com/engram-labs/engram-go/pkg/storage"
)

// StoreOption is a function type for configuring Store operations.
//
// Options are applied using the functional options pattern, allowing
// flexible configuration without requiring all parameters.
type StoreOption func(*StoreOptions)

// StoreOptions contains configuration options for Store operations.
type StoreOptions struct {
	// Category is the tier category assigned to the memory.
	Category string

	// Metadata contains additional metadata about the memory.
	Metadata map[string]interface{}

	// ScopeToken ties the memory to one conversation or run.
	ScopeToken string

	// Timestamp overrides the memory's effective millisecond timestamp.
	Timestamp int64
}

// WithCategory sets the tier category for Store operations.
//
// Example:
//
//	memory, _ := client.Store(ctx, "user_001", "pet_name", "Rex",
//	    core.WithCategory(category.Relationship))
func WithCategory(cat string) StoreOption {
	return func(opts *StoreOptions) {
		opts.Category = cat
	}
}

// WithMetadata sets additional metadata for Store operations.
func WithMetadata(metadata map[string]interface{}) StoreOption {
	return func(opts *StoreOptions) {
		opts.Metadata = metadata
	}
}

// WithScopeToken scopes the memory to one conversation or run.
func WithScopeToken(token string) StoreOption {
	return func(opts *StoreOptions) {
		opts.ScopeToken = token
	}
}

// WithTimestamp overrides the memory's effective millisecond timestamp,
// which drives FIFO capping, dedup supersession and ranking tie-breaks.
func WithTimestamp(millis int64) StoreOption {
	return func(opts *StoreOptions) {
		opts.Timestamp = millis
	}
}

func applyStoreOptions(opts []StoreOption) *StoreOptions {
	options := &StoreOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// SearchOption is a function type for configuring Search operations.
type SearchOption func(*SearchOptions)

// SearchOptions contains configuration options for Search operations.
type SearchOptions struct {
	// Limit is the maximum number of results (default 10).
	Limit int

	// Offset paginates browse results (empty-query search only).
	Offset int

	// IncludeCategories restricts results to the given categories.
	IncludeCategories []string

	// ExcludeCategories removes matching results.
	ExcludeCategories []string

	// ScopeToken restricts results to one conversation or run.
	ScopeToken string

	// Since and Until bound creation time when non-zero.
	Since time.Time
	Until time.Time
}

// WithLimit sets the maximum number of results for Search operations.
//
// Example:
//
//	results, _ := client.Search(ctx, "user_001", "pets", core.WithLimit(5))
func WithLimit(limit int) SearchOption {
	return func(opts *SearchOptions) {
		opts.Limit = limit
	}
}

// WithOffset paginates an empty-query browse.
func WithOffset(offset int) SearchOption {
	return func(opts *SearchOptions) {
		opts.Offset = offset
	}
}

// WithIncludeCategories restricts Search results to the given categories.
// A record matches when its category equals the requested one or when the
// requested name appears in its logical key.
func WithIncludeCategories(categories ...string) SearchOption {
	return func(opts *SearchOptions) {
		opts.IncludeCategories = categories
	}
}

// WithExcludeCategories removes matching records from Search results.
func WithExcludeCategories(categories ...string) SearchOption {
	return func(opts *SearchOptions) {
		opts.ExcludeCategories = categories
	}
}

// WithScopeTokenForSearch restricts Search results to one conversation or
// run. Records stored without a token always pass.
func WithScopeTokenForSearch(token string) SearchOption {
	return func(opts *SearchOptions) {
		opts.ScopeToken = token
	}
}

// WithSince keeps only records created at or after t.
func WithSince(t time.Time) SearchOption {
	return func(opts *SearchOptions) {
		opts.Since = t
	}
}

// WithUntil keeps only records created at or before t.
func WithUntil(t time.Time) SearchOption {
	return func(opts *SearchOptions) {
		opts.Until = t
	}
}

func applySearchOptions(opts []SearchOption) *SearchOptions {
	options := &SearchOptions{Limit: DefaultSearchLimit}
	for _, opt := range opts {
		opt(options)
	}
	if options.Limit <= 0 {
		options.Limit = DefaultSearchLimit
	}
	return options
}

// ClientOption is a function type for configuring the client at
// construction time.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger   *zap.Logger
	resolver UserResolver
	progress ProgressSink
	store    storage.Store
	embedder embedder.Provider
}

// WithLogger sets the client's logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(opts *clientOptions) {
		opts.logger = logger
	}
}

// WithUserResolver sets the resolver that maps caller-supplied user IDs to
// canonical ones. Defaults to passthrough.
func WithUserResolver(resolver UserResolver) ClientOption {
	return func(opts *clientOptions) {
		opts.resolver = resolver
	}
}

// WithProgressSink registers a sink that receives learning-category writes.
func WithProgressSink(sink ProgressSink) ClientOption {
	return func(opts *clientOptions) {
		opts.progress = sink
	}
}

// WithStore injects a pre-built vector store, bypassing provider
// initialization from the configuration.
func WithStore(store storage.Store) ClientOption {
	return func(opts *clientOptions) {
		opts.store = store
	}
}

// WithEmbedder injects a pre-built embedding provider, bypassing provider
// initialization from the configuration.
func WithEmbedder(provider embedder.Provider) ClientOption {
	return func(opts *clientOptions) {
		opts.embedder = provider
	}
}

package core

import "time"

// Search result sources.
const (
	// SourceIndex marks results served through the approximate index.
	SourceIndex = "index"

	// SourceStore marks results served by the authoritative store alone.
	SourceStore = "store"
)

// Memory is the public representation of a stored memory.
type Memory struct {
	// ID is the unique identifier of the memory row.
	ID int64 `json:"id"`

	// UserID identifies the user who owns this memory.
	UserID string `json:"user_id"`

	// Key is the stable logical fact identifier (e.g. "pet_name").
	Key string `json:"key"`

	// Content is the text content of the memory.
	Content string `json:"content"`

	// Category is the tier category of the memory.
	Category string `json:"category,omitempty"`

	// Metadata contains additional structured information.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the memory was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the memory was last updated.
	UpdatedAt time.Time `json:"updated_at"`

	// Score is the raw cosine similarity from the search that produced
	// this result (zero on browse and direct lookups).
	Score float64 `json:"score"`

	// AdjustedScore is the raw similarity plus the category tier weight,
	// the ordering key search results are ranked by.
	AdjustedScore float64 `json:"adjusted_score"`
}

// SearchResult contains ranked search results and which backend served them.
type SearchResult struct {
	// Results are the curated memories, best first.
	Results []*Memory `json:"results"`

	// Source is SourceIndex or SourceStore.
	Source string `json:"source"`
}

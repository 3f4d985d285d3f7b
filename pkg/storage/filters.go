package storage

import (
	"math"
	"sort"
	"time"

	"github.com/engram-labs/engram-go/pkg/category"
)

// ScopeMetadataKey is the metadata key holding a row's scope token.
const ScopeMetadataKey = "run_id"

// Match reports whether a memory passes the option's filter predicates.
//
// Every backend applies this predicate in-process after its SQL-level user
// and time filtering, and the approximate-index read path applies it again
// after re-joining candidates against the store. Keeping the predicate in
// one place is what makes both backends honor identical filter semantics.
func (o *SearchOptions) Match(m *Memory) bool {
	return matchFilters(m, o.IncludeCategories, o.ExcludeCategories, o.ScopeToken, o.Since, o.Until)
}

// Match reports whether a memory passes the option's filter predicates.
func (o *ListOptions) Match(m *Memory) bool {
	return matchFilters(m, o.IncludeCategories, o.ExcludeCategories, o.ScopeToken, o.Since, o.Until)
}

func matchFilters(m *Memory, include, exclude []string, scopeToken string, since, until time.Time) bool {
	if !since.IsZero() && m.CreatedAt.Before(since) {
		return false
	}
	if !until.IsZero() && m.CreatedAt.After(until) {
		return false
	}
	if len(include) > 0 {
		ok := false
		for _, c := range include {
			if category.Matches(c, m.Category, m.Key) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, c := range exclude {
		if category.Matches(c, m.Category, m.Key) {
			return false
		}
	}
	if scopeToken != "" && m.Metadata != nil {
		if tok, ok := m.Metadata[ScopeMetadataKey].(string); ok && tok != "" && tok != scopeToken {
			return false
		}
	}
	return true
}

// CosineSimilarity calculates the cosine similarity between two vectors.
//
// Returns a value between -1.0 and 1.0, or 0.0 if the vectors have different
// dimensions or zero norm.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// AdjustedScore returns a memory's raw similarity boosted by its tier
// weight. Score stays raw on the record; the boost is an ordering key only.
func AdjustedScore(m *Memory) float64 {
	return m.Score + category.Weight(m.Category, m.Key)
}

// SortRanked orders memories by adjusted similarity (descending) and
// truncates to limit. A limit <= 0 keeps all entries.
func SortRanked(memories []*Memory, limit int) []*Memory {
	sort.SliceStable(memories, func(i, j int) bool {
		return AdjustedScore(memories[i]) > AdjustedScore(memories[j])
	})
	if limit > 0 && len(memories) > limit {
		return memories[:limit]
	}
	return memories
}

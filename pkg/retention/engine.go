// Package retention curates over-fetched search candidates into a bounded,
// deduplicated, correctly prioritized result list.
//
// Curation is a pure read-time view: it never deletes rows from the
// authoritative store, it only decides what a single search surfaces.
package retention

import (
	"math"
	"sort"
	"strconv"

	"github.com/engram-labs/engram-go/pkg/category"
	"github.com/engram-labs/engram-go/pkg/storage"
)

const (
	// CategoryCap is the per-category FIFO cap applied to unprotected
	// candidates.
	CategoryCap = 10

	// tieEpsilon is the adjusted-similarity gap under which recency
	// decides the ordering.
	tieEpsilon = 0.01
)

// Curate reduces an over-fetched candidate list to at most limit results.
//
// Protected candidates (high tiers, personal key patterns, legacy rows
// without a category) bypass the per-category cap. Regular candidates keep
// only the CategoryCap most recent per category. Survivors are scored by
// raw similarity plus tier weight, collapsed to one row per logical key
// (newest wins), and sorted by adjusted similarity with near-ties broken by
// recency.
func Curate(candidates []*storage.Memory, limit int) []*storage.Memory {
	if len(candidates) == 0 || limit <= 0 {
		return nil
	}

	var protected, regular []*storage.Memory
	for _, m := range candidates {
		if category.Protected(m.Category, m.Key) {
			protected = append(protected, m)
		} else {
			regular = append(regular, m)
		}
	}

	survivors := append(protected, capPerCategory(regular)...)
	survivors = dedupByKey(survivors)

	sort.SliceStable(survivors, func(i, j int) bool {
		si := storage.AdjustedScore(survivors[i])
		sj := storage.AdjustedScore(survivors[j])
		if math.Abs(si-sj) < tieEpsilon {
			return Timestamp(survivors[i]) > Timestamp(survivors[j])
		}
		return si > sj
	})

	if len(survivors) > limit {
		survivors = survivors[:limit]
	}
	return survivors
}

// capPerCategory keeps only the CategoryCap most recent candidates within
// each category.
func capPerCategory(regular []*storage.Memory) []*storage.Memory {
	groups := make(map[string][]*storage.Memory)
	order := make([]string, 0)
	for _, m := range regular {
		if _, ok := groups[m.Category]; !ok {
			order = append(order, m.Category)
		}
		groups[m.Category] = append(groups[m.Category], m)
	}

	kept := make([]*storage.Memory, 0, len(regular))
	for _, cat := range order {
		group := groups[cat]
		sort.SliceStable(group, func(i, j int) bool {
			return Timestamp(group[i]) > Timestamp(group[j])
		})
		if len(group) > CategoryCap {
			group = group[:CategoryCap]
		}
		kept = append(kept, group...)
	}
	return kept
}

// dedupByKey collapses candidates sharing a logical key to the one with the
// greatest timestamp. Rows without a key fall back to their record id, so
// they never collapse with each other.
func dedupByKey(memories []*storage.Memory) []*storage.Memory {
	newest := make(map[string]*storage.Memory, len(memories))
	order := make([]string, 0, len(memories))
	for _, m := range memories {
		key := m.Key
		if key == "" {
			key = strconv.FormatInt(m.ID, 10)
		}
		cur, ok := newest[key]
		if !ok {
			order = append(order, key)
			newest[key] = m
			continue
		}
		if Timestamp(m) > Timestamp(cur) {
			newest[key] = m
		}
	}

	out := make([]*storage.Memory, 0, len(order))
	for _, key := range order {
		out = append(out, newest[key])
	}
	return out
}

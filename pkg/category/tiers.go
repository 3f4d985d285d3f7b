// Package category defines the canonical tier-weight table for memory
// categories.
//
// Both the vector store's ranked search and the retention engine consume this
// single table, so the boost applied during coarse candidate selection and
// the boost applied during exact curation can never drift apart.
package category

import "strings"

// Tier weights for the seven product-defined category tiers.
//
// A category is protected when its weight is at or above ProtectedThreshold.
// Protected categories are exempt from the per-category FIFO cap.
const (
	// WeightCoreIdentity is for identity-critical facts (name, age).
	WeightCoreIdentity = 0.5

	// WeightRelationship is for family, friends, and pets.
	WeightRelationship = 0.4

	// WeightPreference is for likes, dislikes, and hobbies.
	WeightPreference = 0.3

	// WeightGoal is for goals and aspirations.
	WeightGoal = 0.2

	// WeightLearning is for course and study progress facts.
	WeightLearning = 0.1

	// WeightGeneral is for uncategorized conversational facts.
	WeightGeneral = 0.0

	// WeightArchive de-prioritizes imported bulk content.
	WeightArchive = -0.2
)

// DefaultWeight is used when neither the category nor the logical key
// resolves to a known tier.
const DefaultWeight = 0.2

// ProtectedThreshold is the minimum tier weight for a protected category.
const ProtectedThreshold = 0.2

// Canonical category names.
const (
	CoreIdentity = "core_identity"
	Relationship = "relationship"
	Preference   = "preference"
	Goal         = "goal"
	Learning     = "learning"
	General      = "general"
	Archive      = "archive"
)

// tierWeights maps category names to their tier weight.
var tierWeights = map[string]float64{
	CoreIdentity: WeightCoreIdentity,
	Relationship: WeightRelationship,
	Preference:   WeightPreference,
	Goal:         WeightGoal,
	Learning:     WeightLearning,
	General:      WeightGeneral,
	Archive:      WeightArchive,
}

// keyPattern maps a logical-key substring to a tier weight. Patterns are
// checked in order so more specific identity patterns win over broader ones.
type keyPattern struct {
	substr string
	weight float64
}

// keyPatterns resolves rows written by legacy paths that carry a meaningful
// logical key but no (or an unknown) category.
var keyPatterns = []keyPattern{
	{"name", WeightCoreIdentity},
	{"age", WeightCoreIdentity},
	{"birthday", WeightCoreIdentity},
	{"family", WeightRelationship},
	{"mother", WeightRelationship},
	{"father", WeightRelationship},
	{"sister", WeightRelationship},
	{"brother", WeightRelationship},
	{"uncle", WeightRelationship},
	{"aunt", WeightRelationship},
	{"pet_", WeightRelationship},
	{"friend", WeightRelationship},
	{"hobby", WeightPreference},
	{"favorite", WeightPreference},
	{"prefer", WeightPreference},
	{"goal", WeightGoal},
	{"course_", WeightLearning},
	{"lesson", WeightLearning},
	{"document_", WeightArchive},
}

// personalPatterns marks logical keys that identify a person regardless of
// how the row was categorized. Matching rows are never evicted by the
// per-category cap.
//
// "hobby" is deliberately absent: hobby facts are accumulators that stay
// subject to the cap even though they score at the preference tier.
var personalPatterns = []string{
	"name",
	"family",
	"mother",
	"father",
	"sister",
	"brother",
	"uncle",
	"aunt",
	"wife",
	"husband",
	"partner",
	"child",
	"pet",
	"friend",
	"location",
	"home",
	"city",
	"hometown",
	"profession",
	"job",
	"work",
	"age",
	"birthday",
	"preference",
	"favorite",
	"goal",
}

// Weight resolves the tier weight for a record.
//
// Resolution order:
//  1. exact category match in the tier table
//  2. substring match of the logical key against the key-pattern table
//  3. DefaultWeight
func Weight(cat, key string) float64 {
	if w, ok := tierWeights[strings.ToLower(cat)]; ok {
		return w
	}
	lower := strings.ToLower(key)
	for _, p := range keyPatterns {
		if strings.Contains(lower, p.substr) {
			return p.weight
		}
	}
	return DefaultWeight
}

// CategoryWeight resolves a weight from the category name alone.
// Unknown categories return DefaultWeight with ok=false.
func CategoryWeight(cat string) (float64, bool) {
	w, ok := tierWeights[strings.ToLower(cat)]
	if !ok {
		return DefaultWeight, false
	}
	return w, true
}

// Protected reports whether a record is exempt from the per-category FIFO
// cap. A record is protected when:
//
//   - its category resolves to a tier weight >= ProtectedThreshold, or
//   - its logical key matches a personal pattern, or
//   - its category is missing (legacy rows, treated as protected general).
//
// A non-empty category absent from the tier table resolves to DefaultWeight,
// which sits at the threshold, so unknown categories are protected too.
func Protected(cat, key string) bool {
	if cat == "" {
		return true
	}
	w, ok := tierWeights[strings.ToLower(cat)]
	if !ok {
		w = DefaultWeight
	}
	if w >= ProtectedThreshold {
		return true
	}
	return MatchesPersonalPattern(key)
}

// MatchesPersonalPattern reports whether the logical key matches any of the
// fixed personal-fact patterns.
func MatchesPersonalPattern(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range personalPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Matches reports whether a record belongs to the requested category, either
// by exact category match or by the category name appearing in the logical
// key. Category filters use this predicate so that both match modes behave
// identically across every search backend.
func Matches(requested, cat, key string) bool {
	req := strings.ToLower(requested)
	if req == "" {
		return false
	}
	if strings.EqualFold(cat, req) {
		return true
	}
	return strings.Contains(strings.ToLower(key), req)
}

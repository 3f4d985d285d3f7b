package retention_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-labs/engram-go/pkg/category"
	"github.com/engram-labs/engram-go/pkg/retention"
	"github.com/engram-labs/engram-go/pkg/storage"
)

// mem builds a candidate with an explicit millisecond timestamp in metadata.
func mem(id int64, key, cat string, score float64, millis int64) *storage.Memory {
	return &storage.Memory{
		ID:       id,
		UserID:   "u1",
		Key:      key,
		Content:  fmt.Sprintf("content-%d", id),
		Category: cat,
		Score:    score,
		Metadata: map[string]interface{}{"timestamp": millis},
	}
}

func TestCurate_EmptyInput(t *testing.T) {
	assert.Nil(t, retention.Curate(nil, 10))
	assert.Nil(t, retention.Curate([]*storage.Memory{mem(1, "k", category.General, 0, 1)}, 0))
}

func TestCurate_FIFOCap(t *testing.T) {
	// 15 regular records in one category: at most 10 survive, and they
	// are exactly the 10 with the greatest timestamps.
	base := int64(1_700_000_000_000)
	var candidates []*storage.Memory
	for i := 0; i < 15; i++ {
		candidates = append(candidates,
			mem(int64(i+1), fmt.Sprintf("note_%d", i), category.General, 0.5, base+int64(i)*1000))
	}

	result := retention.Curate(candidates, 20)
	require.Len(t, result, 10)

	for _, m := range result {
		ts := m.Metadata["timestamp"].(int64)
		assert.GreaterOrEqual(t, ts, base+5*1000, "only the 10 most recent should survive")
	}
}

func TestCurate_ProtectionInvariant(t *testing.T) {
	// A protected record is never dropped by the cap regardless of how
	// many regular records share its category.
	base := int64(1_700_000_000_000)
	var candidates []*storage.Memory

	// The protected record is the OLDEST, so a pure FIFO cap would
	// evict it first.
	protected := mem(100, "name_user", category.CoreIdentity, 0.1, base-1_000_000)
	candidates = append(candidates, protected)

	for i := 0; i < 30; i++ {
		candidates = append(candidates,
			mem(int64(i+1), fmt.Sprintf("note_%d", i), category.General, 0.5, base+int64(i)*1000))
	}

	result := retention.Curate(candidates, 50)

	found := false
	for _, m := range result {
		if m.ID == 100 {
			found = true
		}
	}
	assert.True(t, found, "protected record must survive curation")
}

func TestCurate_PersonalKeyProtectedInsideCappableCategory(t *testing.T) {
	base := int64(1_700_000_000_000)
	var candidates []*storage.Memory

	// Oldest record in the category, but its key is personal.
	personal := mem(200, "mother_name", category.General, 0.0, base-1_000_000)
	candidates = append(candidates, personal)

	for i := 0; i < 20; i++ {
		candidates = append(candidates,
			mem(int64(i+1), fmt.Sprintf("note_%d", i), category.General, 0.0, base+int64(i)*1000))
	}

	result := retention.Curate(candidates, 50)

	ids := make(map[int64]bool)
	for _, m := range result {
		ids[m.ID] = true
	}
	assert.True(t, ids[200])
	assert.Len(t, result, 11, "10 capped regulars plus the protected one")
}

func TestCurate_UnknownCategoryIsNotCapped(t *testing.T) {
	// A category absent from the tier table resolves to the default
	// weight, which sits at the protection threshold; such records must
	// all survive regardless of how many accumulate.
	base := int64(1_700_000_000_000)
	var candidates []*storage.Memory
	for i := 0; i < 15; i++ {
		candidates = append(candidates,
			mem(int64(i+1), fmt.Sprintf("row_%d", i), "misc", 0.3, base+int64(i)*1000))
	}

	result := retention.Curate(candidates, 50)
	assert.Len(t, result, 15)
}

func TestCurate_DedupByKey_NewestWins(t *testing.T) {
	older := mem(1, "pet_name", category.Relationship, 0.9, 1_000)
	newer := mem(2, "pet_name", category.Relationship, 0.2, 2_000)

	result := retention.Curate([]*storage.Memory{older, newer}, 10)
	require.Len(t, result, 1)
	assert.Equal(t, int64(2), result[0].ID, "the later write supersedes the earlier one")
}

func TestCurate_DedupFallsBackToRecordID(t *testing.T) {
	// Records without a key never collapse with each other.
	a := mem(1, "", category.General, 0.5, 1_000)
	b := mem(2, "", category.General, 0.5, 2_000)

	result := retention.Curate([]*storage.Memory{a, b}, 10)
	assert.Len(t, result, 2)
}

func TestCurate_RankingByAdjustedSimilarity(t *testing.T) {
	// Identity tier (+0.5) outranks a higher raw similarity in the
	// learning tier (+0.1).
	identity := mem(1, "name_user", category.CoreIdentity, 0.30, 1_000)
	course := mem(2, "course_math", category.Learning, 0.60, 2_000)

	result := retention.Curate([]*storage.Memory{course, identity}, 10)
	require.Len(t, result, 2)
	assert.Equal(t, int64(1), result[0].ID)
}

func TestCurate_TieBreakByRecency(t *testing.T) {
	// Scores differ by less than 0.01: the more recent record wins.
	older := mem(1, "note_a", category.General, 0.500, 1_000)
	newer := mem(2, "note_b", category.General, 0.505, 500)
	newer.Metadata["timestamp"] = int64(9_000)

	result := retention.Curate([]*storage.Memory{newer, older}, 10)
	require.Len(t, result, 2)
	assert.Equal(t, int64(2), result[0].ID)

	// And symmetric: swap the timestamps.
	older.Metadata["timestamp"] = int64(10_000)
	result = retention.Curate([]*storage.Memory{newer, older}, 10)
	require.Len(t, result, 2)
	assert.Equal(t, int64(1), result[0].ID)
}

func TestCurate_ClearScoreGapIgnoresRecency(t *testing.T) {
	older := mem(1, "note_a", category.General, 0.9, 1_000)
	newer := mem(2, "note_b", category.General, 0.2, 9_000)

	result := retention.Curate([]*storage.Memory{newer, older}, 10)
	require.Len(t, result, 2)
	assert.Equal(t, int64(1), result[0].ID)
}

func TestCurate_Truncate(t *testing.T) {
	var candidates []*storage.Memory
	for i := 0; i < 8; i++ {
		candidates = append(candidates,
			mem(int64(i+1), fmt.Sprintf("name_%d", i), category.CoreIdentity, 0.5, int64(i)*1000))
	}

	result := retention.Curate(candidates, 3)
	assert.Len(t, result, 3)
}

func TestTimestamp_MetadataPriority(t *testing.T) {
	m := &storage.Memory{
		CreatedAt: time.UnixMilli(5_000),
		Metadata: map[string]interface{}{
			"timestamp":  int64(1_000),
			"storedAt":   int64(2_000),
			"created_at": int64(3_000),
		},
	}
	assert.Equal(t, int64(1_000), retention.Timestamp(m))

	delete(m.Metadata, "timestamp")
	assert.Equal(t, int64(2_000), retention.Timestamp(m))

	delete(m.Metadata, "storedAt")
	assert.Equal(t, int64(3_000), retention.Timestamp(m))

	delete(m.Metadata, "created_at")
	assert.Equal(t, int64(5_000), retention.Timestamp(m))
}

func TestTimestamp_AcceptsJSONNumberForms(t *testing.T) {
	// Metadata that went through a JSON round-trip carries float64.
	m := &storage.Memory{Metadata: map[string]interface{}{"timestamp": float64(7_000)}}
	assert.Equal(t, int64(7_000), retention.Timestamp(m))

	m = &storage.Memory{Metadata: map[string]interface{}{"timestamp": "8000"}}
	assert.Equal(t, int64(8_000), retention.Timestamp(m))
}

func TestTimestamp_PlausibleEpochID(t *testing.T) {
	m := &storage.Memory{ID: 1_700_000_000_123}
	assert.Equal(t, int64(1_700_000_000_123), retention.Timestamp(m))

	m = &storage.Memory{ID: 42}
	assert.Equal(t, int64(0), retention.Timestamp(m))

	// Snowflake-scale ids are not millisecond epochs.
	m = &storage.Memory{ID: 1_829_000_000_000_000_000}
	assert.Equal(t, int64(0), retention.Timestamp(m))
}

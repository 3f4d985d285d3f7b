package oceanbase

import (
	"fmt"
	"strings"
	"time"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// vectorToString converts a float64 slice to an OceanBase VECTOR format
// string. Example: [0.1, 0.2, 0.3] -> "[0.1,0.2,0.3]"
func vectorToString(vector []float64) string {
	if len(vector) == 0 {
		return "[]"
	}

	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = fmt.Sprintf("%f", v)
	}

	return "[" + strings.Join(parts, ",") + "]"
}

// stringToVector converts a VECTOR literal back to a float64 slice.
func stringToVector(s string) ([]float64, error) {
	s = strings.Trim(s, "[]")
	if s == "" {
		return []float64{}, nil
	}

	parts := strings.Split(s, ",")
	result := make([]float64, len(parts))

	for i, part := range parts {
		var val float64
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%f", &val); err != nil {
			return nil, err
		}
		result[i] = val
	}

	return result, nil
}

// buildUserWhere builds the SQL-level WHERE clause: user scoping plus the
// optional time window. Category and scope filtering happen in-process
// through the shared predicate.
func buildUserWhere(userID string, since, until time.Time) (string, []interface{}) {
	conditions := []string{"user_id = ?"}
	args := []interface{}{userID}

	if !since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, since)
	}
	if !until.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, until)
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// paginate applies offset/limit after in-process filtering.
func paginate(memories []*storage.Memory, offset, limit int) []*storage.Memory {
	if offset > 0 {
		if offset >= len(memories) {
			return nil
		}
		memories = memories[offset:]
	}
	if limit > 0 && len(memories) > limit {
		memories = memories[:limit]
	}
	return memories
}

package sqlite

import (
	"time"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// buildUserWhere builds the SQL-level WHERE clause: user scoping plus the
// optional time window. Category and scope filtering happen in-process
// through the shared predicate.
func buildUserWhere(userID string, since, until time.Time) (string, []interface{}) {
	where := "WHERE user_id = ?"
	args := []interface{}{userID}

	if !since.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, since)
	}
	if !until.IsZero() {
		where += " AND created_at <= ?"
		args = append(args, until)
	}

	return where, args
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

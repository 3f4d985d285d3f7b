package retention

import (
	"encoding/json"
	"strconv"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// metadata keys consulted for an explicit record timestamp, in priority
// order.
var timestampKeys = []string{"timestamp", "storedAt", "created_at"}

// Bounds for reading a record id as a millisecond epoch: roughly the years
// 2001 through 5138. Snowflake ids (~1e18) fall outside and never pass,
// since comparing them against real timestamps would always rank the
// id-fallback record newer.
const (
	minEpochMillis = 1_000_000_000_000
	maxEpochMillis = 100_000_000_000_000
)

// Timestamp resolves a record's effective millisecond timestamp.
//
// Resolution order: explicit metadata timestamp, the row's CreatedAt, then
// the record id itself when it parses as a plausible millisecond epoch.
// Zero means "oldest".
func Timestamp(m *storage.Memory) int64 {
	for _, key := range timestampKeys {
		if ts, ok := numericMillis(m.Metadata[key]); ok {
			return ts
		}
	}
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt.UnixMilli()
	}
	if m.ID > minEpochMillis && m.ID < maxEpochMillis {
		return m.ID
	}
	return 0
}

// numericMillis coerces a metadata value into a positive millisecond epoch.
// JSON round-trips turn numbers into float64 and some writers store them as
// strings; both are accepted.
func numericMillis(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		if t > 0 {
			return t, true
		}
	case int:
		if t > 0 {
			return int64(t), true
		}
	case float64:
		if t > 0 {
			return int64(t), true
		}
	case json.Number:
		if n, err := t.Int64(); err == nil && n > 0 {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil && n > 0 {
			return n, true
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil && f > 0 {
			return int64(f), true
		}
	}
	return 0, false
}

// Package idgen centralizes lexicographically time-sortable id generation
// (ULIDs) for event ids, grip ids and topic ids (spec §3). A single
// process-wide monotonic source keeps ids minted within the same
// millisecond strictly increasing, the way a single *sql.DB connection in
// the teacher's SQLiteOperationalDB serializes all writes through one
// handle rather than creating a fresh one per call.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu  sync.Mutex
	src = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID string embedding t.
func New(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), src).String()
}

// NewAtMs is a convenience wrapper for UTC-millisecond timestamps.
func NewAtMs(ms int64) string {
	return New(time.UnixMilli(ms))
}

// ParseTimestampMs extracts the embedded millisecond timestamp from a ULID
// string, the way the Grip Expander (spec §4.4) recovers an event's time
// from its event_id without a separate lookup.
func ParseTimestampMs(id string) (int64, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return 0, err
	}
	return int64(u.Time()), nil
}

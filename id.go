package agora

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Sorting ids lexicographically therefore matches creation order, which the
// message ordering tuple (send_time, id) relies on.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns current time as Unix milliseconds. All domain
// timestamps use this resolution.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

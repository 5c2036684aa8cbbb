package edgeagent

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a time-sortable UUIDv7 (RFC 9562) string, used for every
// opaque 128-bit entity id in this package: message, chat, run, request and
// channel ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current wall-clock time as Unix seconds, used for
// entity timestamps. Throttling decisions never use this; see
// MessagePersistor.StreamUpdate in persist.go, which measures the throttle
// window with time.Since on a monotonic time.Time.
func NowUnix() int64 {
	return time.Now().Unix()
}

package runlock

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Backoff parameters for lock contention. Jitter is derived from the run id
// and attempt number, so contention behavior replays identically.
const (
	backoffInitial = 50 * time.Millisecond
	backoffFactor  = 2.0
	backoffMax     = 2 * time.Second
)

// BackoffDelay returns the delay before retry `attempt` (1-indexed), with
// deterministic ±50% jitter seeded by sha256(runID:attempt).
func BackoffDelay(runID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(backoffInitial) * math.Pow(backoffFactor, float64(attempt-1))
	base = math.Min(base, float64(backoffMax))
	base *= 0.5 + jitterUnit(fmt.Sprintf("%s:%d", runID, attempt)) // [0.5, 1.5]
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

package engine

import (
	"golang.org/x/time/rate"
)

// NewOpsLimiter creates a rate.Limiter that paces placeholder writes to
// opsPerSec with no burst. A non-positive rate disables throttling and
// returns nil.
func NewOpsLimiter(opsPerSec float64) *rate.Limiter {
	if opsPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(opsPerSec), 1)
}

package channel

import (
	"math/rand/v2"
	"time"
)

// jitterFactor is the ±25% jitter applied to reconnect delays.
const jitterFactor = 0.25

// calculateBackoff returns base with ±25% jitter, capped at maxDelay.
func calculateBackoff(base, maxDelay time.Duration) time.Duration {
	delay := float64(min(base, maxDelay))
	jitter := delay * jitterFactor * (rand.Float64()*2 - 1)
	result := time.Duration(delay + jitter)
	if result <= 0 {
		return base
	}
	return min(result, maxDelay)
}

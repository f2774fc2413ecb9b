package outbox

import (
	"math"
	"time"
)

// DelayFunc returns how long to wait before retrying a record that has failed
// attempts times. attempts is always at least 1.
type DelayFunc func(attempts int) time.Duration

// Fixed returns a DelayFunc that waits the same delay after every failure.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc computing min(base * 2^(attempts-1), maxDelay).
//
// For example, with base of 2 seconds and maxDelay of 1 minute:
//
// Delay after attempt 1: 2s
// Delay after attempt 2: 4s
// Delay after attempt 3: 8s
// Delay after attempt 4: 16s
// Delay after attempt 5: 32s
// Delay after attempt 6: 1m0s
// Delay after attempt 7: 1m0s
// ...
func Exponential(base time.Duration, maxDelay time.Duration) DelayFunc {
	if base <= 0 {
		return Fixed(0)
	}

	// shifting past this would overflow int64
	var maxShifts uint
	if logBase := uint(math.Floor(math.Log2(float64(base)))); logBase < 62 {
		maxShifts = 62 - logBase
	}

	return func(attempts int) time.Duration {
		if attempts <= 1 {
			return min(base, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempts-1), maxShifts)

		return min(base<<n, maxDelay)
	}
}

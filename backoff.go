package outbox

import "time"

// Backoff returns the wait before re-attempting an operation that has
// already failed retryCount times.
type Backoff func(retryCount int) time.Duration

// Exponential creates a capped exponential backoff function:
// base * factor^retryCount, never exceeding max.
func Exponential(base time.Duration, factor float64, max time.Duration) Backoff {
	return func(retryCount int) time.Duration {
		if retryCount <= 0 {
			return base
		}
		d := float64(base)
		for i := 0; i < retryCount; i++ {
			d *= factor
			if time.Duration(d) >= max {
				return max
			}
		}
		delay := time.Duration(d)
		if delay < base {
			return base
		}
		return delay
	}
}

// DefaultBackoff doubles a one second base per failed attempt, capped at 30s.
func DefaultBackoff() Backoff {
	return Exponential(time.Second, 2.0, 30*time.Second)
}

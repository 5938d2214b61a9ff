package worker

import "time"

const (
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 5 * time.Minute

	// DefaultMaxRetries applies to campaigns without their own override.
	DefaultMaxRetries = 3

	// maxBackoffShift keeps base<<shift well inside int64 nanoseconds.
	maxBackoffShift = 20
)

// Backoff returns base * 2^(attempt-1). Attempts below 1 get the base delay.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << uint(shift)
}

// BackoffPreview lists the first n delays, for status reporting.
func BackoffPreview(base time.Duration, n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Backoff(base, i))
	}
	return out
}

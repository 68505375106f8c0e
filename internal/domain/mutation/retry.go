package mutation

import "time"

// DefaultMaxRetries is the attempt ceiling after which a mutation is abandoned.
const DefaultMaxRetries = 5

// DefaultRetryDelays is the progressive backoff schedule.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// RetryDelay returns the wait before the attempt following failure number
// retryCount (1-based). Values past the end of the table saturate at the
// last entry.
func RetryDelay(retryCount int, delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

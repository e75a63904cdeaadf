package executor

import "time"

const (
	// maxAttempts bounds order execution retries.
	maxAttempts = 4

	// backoffBase is the delay before the first retry; each subsequent retry
	// doubles it (2s, 4s, 8s, 16s).
	backoffBase = 2 * time.Second
)

// Backoff returns the delay to wait after the given zero-based attempt.
// Pure so the schedule is testable without sleeping.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return backoffBase << attempt
}

// Package health holds the pool's recovery policies: heartbeat tracking,
// retry backoff, and the per-worker circuit breaker.
package health

import (
	"time"

	"github.com/nxtg-ai/forge-pool/internal/proto"
)

// RetryPolicy is the exponential backoff applied to retryable task failures.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultRetryPolicy matches the pool defaults: 1s base, 30s cap, 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxRetries: 3,
	}
}

// Backoff returns the delay before the given retry attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Retryable reports whether an error class consumes retry budget. Fatal
// errors (invalid task, permission denied, resource exhaustion) terminate
// the task immediately.
func Retryable(errClass string) bool {
	return errClass == proto.ErrClassRetryable || errClass == ""
}

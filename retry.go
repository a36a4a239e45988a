package reservoir

import (
	"context"
	"time"
)

// Retry runs op up to maxAttempts times, sleeping between attempts with
// exponential backoff starting at baseInterval. Only errors accepted by
// retryable are retried; anything else is returned immediately. The sleep
// honors context cancellation.
func Retry(ctx context.Context, maxAttempts int, baseInterval time.Duration, retryable func(error) bool, op func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	interval := baseInterval
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			interval *= 2
		}

		lastErr = op(ctx)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

package chunk

import (
	"context"
	"time"

	"github.com/m-mizutani/kbsync/pkg/utils/logging"
)

// retryWithBackoff runs op up to maxAttempts times, doubling the delay from
// baseDelay after each failure. The last error is returned.
func retryWithBackoff(ctx context.Context, op func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		logging.From(ctx).Debug("operation failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", lastErr)

		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	return lastErr
}

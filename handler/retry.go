package handler

import (
	"context"
	"time"

	"mooncake-conductor/conderr"
)

// withRetry runs op up to maxRetries+1 times, retrying only on
// TransientNetworkError with bounded exponential backoff starting at
// initialDelay and doubling each attempt. Any other error kind returns
// immediately.
func withRetry(ctx context.Context, maxRetries int, initialDelay time.Duration, op func() error) error {
	delay := initialDelay
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil || !conderr.Is(err, conderr.TransientNetworkError) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return conderr.Wrap(conderr.ClientCancelled, "retry wait interrupted by cancellation", ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}

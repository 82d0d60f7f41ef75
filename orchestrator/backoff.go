package orchestrator

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// backoff computes the delay before retry n (1-based): initial * 2^(n-1),
// capped at max, with ±25% jitter and never below initial.
func backoff(n int, initial, maxDelay time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	delay := float64(initial) * math.Pow(2, float64(n-1))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	jitter := delay * 0.25
	delay += (rand.Float64()*2 - 1) * jitter
	if delay < float64(initial) {
		delay = float64(initial)
	}
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

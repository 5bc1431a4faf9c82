package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// BackoffPolicy bounds retries of rate-limited provider calls.
type BackoffPolicy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// DefaultBackoff matches the provider retry budget: four attempts
// starting at two seconds, doubling, capped at thirty.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Attempts: 4, Base: 2 * time.Second, Cap: 30 * time.Second}
}

// Do runs fn, retrying with exponential backoff and jitter while it
// returns ErrRateLimited. Any other error, or success, returns
// immediately. The final rate-limit error is returned once the attempt
// budget is spent.
func (p BackoffPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.Base
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrRateLimited) {
			return err
		}
		if attempt >= p.Attempts {
			return fmt.Errorf("giving up after %d attempts: %w", p.Attempts, err)
		}

		sleep := delay + jitter(delay)
		slog.Warn("provider throttled, backing off",
			"attempt", attempt,
			"sleep", sleep)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > p.Cap {
			delay = p.Cap
		}
	}
}

// jitter returns a random duration in [0, d/2) so synchronized callers
// don't retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) / 2))
}

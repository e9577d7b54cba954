package ingest

import (
	"context"
	"time"

	"github.com/nhle/jobmail/internal/source"
)

// RetryPolicy bounds retries of transient connection failures.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Backoff is the wait before the second try; it doubles after each
	// failure up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy tries three times, waiting 500ms then 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

// delay returns the wait after the given failed attempt (0-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff << uint(attempt)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	return d
}

// do runs fn until it succeeds, fails permanently, runs out of attempts or
// ctx ends. onRetry is called before each wait.
func (p RetryPolicy) do(
	ctx context.Context,
	sleep func(context.Context, time.Duration) error,
	onRetry func(attempt int, err error, wait time.Duration),
	fn func() error,
) error {
	attempts := max(p.Attempts, 1)
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !source.IsTransient(err) || attempt+1 >= attempts {
			return err
		}
		wait := p.delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, wait)
		}
		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

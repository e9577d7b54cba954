package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/jobmail/internal/source"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Backoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, p.delay(0))
	assert.Equal(t, 2*time.Second, p.delay(1))
	assert.Equal(t, 4*time.Second, p.delay(2))
	assert.Equal(t, 5*time.Second, p.delay(3))
	assert.Equal(t, 5*time.Second, p.delay(80))
}

func TestRetryDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	authErr := &source.AuthError{Message: "nope"}
	err := DefaultRetryPolicy().do(context.Background(), (&sleepRecorder{}).sleep, nil, func() error {
		calls++
		return authErr
	})
	assert.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, calls)
}

func TestRetryDoStopsWhenSleepIsInterrupted(t *testing.T) {
	calls := 0
	netErr := &source.NetworkError{Op: "dial", Err: errors.New("reset")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryPolicy{Attempts: 5, Backoff: time.Hour}.do(ctx, sleepContext, nil, func() error {
		calls++
		return netErr
	})
	assert.ErrorIs(t, err, netErr)
	assert.Equal(t, 1, calls)
}

func TestRetryDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	err := RetryPolicy{Attempts: 4, Backoff: time.Millisecond}.do(context.Background(),
		(&sleepRecorder{}).sleep,
		func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
		func() error {
			calls++
			if calls < 3 {
				return &source.TimeoutError{Op: "dial", Err: context.DeadlineExceeded}
			}
			return nil
		})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/jobmail/internal/model"
)

// ErrMailboxInactive is returned when ingestion is requested for a
// mailbox that has been disabled.
var ErrMailboxInactive = errors.New("mailbox is not active")

// Mailboxes looks up configured mailboxes.
type Mailboxes interface {
	GetMailbox(ctx context.Context, userID string) (model.MailboxCredential, model.FilterSet, error)
	ListActiveUsers(ctx context.Context) ([]string, error)
}

// Runner triggers cycles by user ID. Concurrent requests for the same
// user share one in-flight cycle.
type Runner struct {
	coordinator *Coordinator
	store       Store
	mailboxes   Mailboxes
	lookback    time.Duration
	parallel    int
	logger      *log.Logger
	now         func() time.Time

	group singleflight.Group
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLookback sets how far back the first cycle of a mailbox reaches.
func WithLookback(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.lookback = d
		}
	}
}

// WithParallelMailboxes bounds how many mailboxes RunAll ingests at once.
func WithParallelMailboxes(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.parallel = n
		}
	}
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger *log.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunnerClock overrides the wall clock, primarily for tests.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner wires a Runner around a Coordinator.
func NewRunner(c *Coordinator, store Store, mailboxes Mailboxes, opts ...RunnerOption) *Runner {
	r := &Runner{
		coordinator: c,
		store:       store,
		mailboxes:   mailboxes,
		lookback:    30 * 24 * time.Hour,
		parallel:    4,
		logger:      log.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunIngestion runs one cycle for userID's mailbox, starting at the
// stored high-water mark. If a cycle for userID is already running the
// caller waits for it and receives its result.
func (r *Runner) RunIngestion(ctx context.Context, userID string) (model.IngestResult, error) {
	v, err, shared := r.group.Do(userID, func() (any, error) {
		return r.run(ctx, userID)
	})
	if shared {
		r.logger.Debug("joined in-flight cycle", "user_id", userID)
	}
	if err != nil {
		return model.IngestResult{}, err
	}
	return v.(model.IngestResult), nil
}

func (r *Runner) run(ctx context.Context, userID string) (model.IngestResult, error) {
	cred, filters, err := r.mailboxes.GetMailbox(ctx, userID)
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("loading mailbox for %s: %w", userID, err)
	}
	if !cred.Active {
		return model.IngestResult{}, fmt.Errorf("user %s: %w", userID, ErrMailboxInactive)
	}

	since, err := r.store.GetHighWaterMark(ctx, userID)
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("loading high-water mark for %s: %w", userID, err)
	}
	if since.IsZero() {
		since = r.now().Add(-r.lookback)
	}

	return r.coordinator.Ingest(ctx, cred, filters, since), nil
}

// RunAll ingests every active mailbox. Per-mailbox failures are logged
// and reported in the returned map; they do not stop other mailboxes.
func (r *Runner) RunAll(ctx context.Context) (map[string]model.IngestResult, error) {
	users, err := r.mailboxes.ListActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active mailboxes: %w", err)
	}

	var mu sync.Mutex
	results := make(map[string]model.IngestResult, len(users))

	p := pool.New().WithContext(ctx).WithMaxGoroutines(r.parallel)
	for _, userID := range users {
		p.Go(func(ctx context.Context) error {
			res, err := r.RunIngestion(ctx, userID)
			if err != nil {
				r.logger.Error("ingestion failed", "user_id", userID, "error", err)
				res.Err = err
			}
			mu.Lock()
			results[userID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = p.Wait()

	return results, nil
}

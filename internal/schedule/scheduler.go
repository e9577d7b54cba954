// Package schedule runs ingestion for every active mailbox on a cron
// schedule and tracks the last outcome per mailbox.
package schedule

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/nhle/jobmail/internal/metrics"
	"github.com/nhle/jobmail/internal/model"
)

// State is the sync state of a single mailbox.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Status holds the last known outcome for one mailbox.
type Status struct {
	UserID     string
	State      State
	LastRun    time.Time
	LastResult model.IngestResult
}

// Runner ingests every active mailbox. *ingest.Runner satisfies it.
type Runner interface {
	RunAll(ctx context.Context) (map[string]model.IngestResult, error)
}

// Scheduler triggers Runner.RunAll periodically. Ticks that fire while a
// previous pass is still running are skipped.
type Scheduler struct {
	runner Runner
	cron   *cron.Cron
	logger *log.Logger
	now    func() time.Time

	busy atomic.Bool
	wg   sync.WaitGroup

	mu       sync.Mutex
	statuses map[string]*Status
	passes   int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithCron supplies the cron engine, primarily for tests.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Scheduler around runner.
func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   log.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		statuses: make(map[string]*Status),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers spec (standard cron syntax or descriptors such as
// "@every 15m") and starts the cron engine. Passes run with ctx.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.RunNow(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling ingestion %q: %w", spec, err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", spec)
	return nil
}

// Stop halts the cron engine and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.wg.Wait()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// RunNow runs one pass over every active mailbox. It returns false when
// another pass was already running.
func (s *Scheduler) RunNow(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Debug("previous pass still running, skipping")
		return false
	}
	defer s.busy.Store(false)

	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	for _, st := range s.statuses {
		st.State = StateRunning
	}
	s.mu.Unlock()

	start := s.now()
	results, err := s.runner.RunAll(ctx)
	if err != nil {
		s.logger.Error("ingestion pass failed", "error", err)
		s.mu.Lock()
		for _, st := range s.statuses {
			st.State = StateError
		}
		s.mu.Unlock()
		return true
	}

	s.mu.Lock()
	s.passes++
	for _, st := range s.statuses {
		st.State = StateIdle
	}
	for userID, res := range results {
		status, ok := s.statuses[userID]
		if !ok {
			status = &Status{UserID: userID}
			s.statuses[userID] = status
		}
		status.LastRun = start
		status.LastResult = res
		status.State = StateIdle
		if res.Err != nil {
			status.State = StateError
		}
	}
	s.mu.Unlock()

	s.logger.Info("ingestion pass finished",
		"mailboxes", len(results),
		"elapsed", s.now().Sub(start),
	)
	return true
}

// Statuses returns the last known status of every mailbox seen so far,
// ordered by user ID.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		statuses = append(statuses, *st)
	}
	slices.SortFunc(statuses, func(a, b Status) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	return statuses
}

// Passes returns how many passes have completed.
func (s *Scheduler) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

// Summary totals the counters of the most recent pass per mailbox.
func (s *Scheduler) Summary() model.IngestResult {
	var total model.IngestResult
	for _, st := range s.Statuses() {
		total.Imported += st.LastResult.Imported
		total.Skipped += st.LastResult.Skipped
		total.Failed += st.LastResult.Failed
		total.Duplicates += st.LastResult.Duplicates
		total.Fetched += st.LastResult.Fetched
	}
	return total
}

// Outcome labels a mailbox status the way cycle metrics do.
func (st Status) Outcome() string {
	return metrics.Outcome(st.LastResult)
}

package schedule

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/jobmail/internal/model"
)

type fakeRunner struct {
	calls   atomic.Int32
	results map[string]model.IngestResult
	err     error
	block   chan struct{}
}

func (f *fakeRunner) RunAll(context.Context) (map[string]model.IngestResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return f.results, f.err
}

func newTestScheduler(r Runner) *Scheduler {
	return New(r,
		WithLogger(log.New(io.Discard)),
		WithCron(cron.New(cron.WithLocation(time.UTC))),
	)
}

func TestRunNowRecordsStatuses(t *testing.T) {
	r := &fakeRunner{results: map[string]model.IngestResult{
		"u2": {Imported: 2, Fetched: 3, Skipped: 1},
		"u1": {Err: errors.New("auth"), ErrorKind: "auth"},
	}}
	s := newTestScheduler(r)

	require.True(t, s.RunNow(context.Background()))

	statuses := s.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "u1", statuses[0].UserID)
	assert.Equal(t, StateError, statuses[0].State)
	assert.Equal(t, "error", statuses[0].Outcome())
	assert.Equal(t, "u2", statuses[1].UserID)
	assert.Equal(t, StateIdle, statuses[1].State)
	assert.False(t, statuses[1].LastRun.IsZero())
	assert.Equal(t, 1, s.Passes())

	sum := s.Summary()
	assert.Equal(t, 2, sum.Imported)
	assert.Equal(t, 3, sum.Fetched)
}

func TestRunNowSkipsOverlappingPass(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	s := newTestScheduler(r)

	done := make(chan bool)
	go func() { done <- s.RunNow(context.Background()) }()

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.RunNow(context.Background()))

	close(r.block)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestRunNowRunnerError(t *testing.T) {
	s := newTestScheduler(&fakeRunner{err: errors.New("db down")})
	assert.True(t, s.RunNow(context.Background()))
	assert.Empty(t, s.Statuses())
	assert.Equal(t, 0, s.Passes())
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := newTestScheduler(&fakeRunner{})
	assert.Error(t, s.Start(context.Background(), "not a schedule"))
}

func TestStartRunsOnSchedule(t *testing.T) {
	r := &fakeRunner{results: map[string]model.IngestResult{"u1": {}}}
	s := newTestScheduler(r)

	require.NoError(t, s.Start(context.Background(), "@every 1s"))
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool { return s.Passes() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "error", StateError.String())
}

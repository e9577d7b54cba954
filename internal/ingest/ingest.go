// Package ingest runs mailbox ingestion cycles: connect, fetch, decode,
// filter, classify, extract, deduplicate and persist.
package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/nhle/jobmail/internal/extract"
	"github.com/nhle/jobmail/internal/filter"
	"github.com/nhle/jobmail/internal/metrics"
	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/source"
	"github.com/nhle/jobmail/internal/source/email"
)

// Store is the persistence collaborator. UpsertJob is idempotent on
// (userID, job.SourceMessageID).
type Store interface {
	HasJob(ctx context.Context, userID, sourceMessageID string) (bool, error)
	UpsertJob(ctx context.Context, userID string, job model.ExtractedJob) (*model.JobRecord, error)
	GetHighWaterMark(ctx context.Context, userID string) (time.Time, error)
	SetHighWaterMark(ctx context.Context, userID string, mark time.Time) error
}

// SeenCache is an optional fast path in front of Store.HasJob.
type SeenCache interface {
	Seen(ctx context.Context, userID, messageID string) (bool, error)
	// Mark records messageID and reports whether it was not marked yet.
	Mark(ctx context.Context, userID, messageID string) (bool, error)
}

// SecretResolver turns a credential's opaque secret into a password.
type SecretResolver interface {
	Decrypt(secret string) (string, error)
}

// Connector opens mailbox sessions. *email.Dialer satisfies it.
type Connector interface {
	Connect(ctx context.Context, cred model.MailboxCredential, password string) (email.Session, error)
}

// persistGrace bounds the writes made after a cycle deadline expired.
const persistGrace = 10 * time.Second

// Coordinator runs ingestion cycles. One Coordinator serves every
// mailbox; cycles for different mailboxes may run concurrently.
type Coordinator struct {
	store     Store
	connector Connector
	secrets   SecretResolver
	extractor *extract.Extractor
	seen      SeenCache
	metrics   *metrics.Metrics
	logger    *log.Logger

	mailbox            string
	fetchLimit         int
	workers            int
	timeout            time.Duration
	retry              RetryPolicy
	requireJobKeywords bool

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSeenCache puts a cache in front of the store's duplicate check.
func WithSeenCache(cache SeenCache) Option {
	return func(c *Coordinator) { c.seen = cache }
}

// WithExtractor overrides the field extractor.
func WithExtractor(e *extract.Extractor) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.extractor = e
		}
	}
}

// WithConfig applies the ingestion settings from the application config.
func WithConfig(cfg model.IngestConfig) Option {
	return func(c *Coordinator) {
		if cfg.Mailbox != "" {
			c.mailbox = cfg.Mailbox
		}
		if cfg.FetchLimit > 0 {
			c.fetchLimit = cfg.FetchLimit
		}
		if cfg.Workers > 0 {
			c.workers = cfg.Workers
		}
		if cfg.CycleTimeout > 0 {
			c.timeout = cfg.CycleTimeout
		}
		if cfg.RetryAttempts > 0 {
			c.retry.Attempts = cfg.RetryAttempts
		}
		if cfg.RetryBackoff > 0 {
			c.retry.Backoff = cfg.RetryBackoff
		}
		c.requireJobKeywords = cfg.RequireJobKeywords
	}
}

// WithWorkers bounds concurrent decode and extract work within a cycle.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithTimeout sets the cycle deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithRetryPolicy overrides connection retry behavior.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithJobKeywordGate toggles the keyword check run before extraction.
func WithJobKeywordGate(enabled bool) Option {
	return func(c *Coordinator) { c.requireJobKeywords = enabled }
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func withSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// NewCoordinator returns a Coordinator with the default settings.
func NewCoordinator(store Store, connector Connector, secrets SecretResolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:              store,
		connector:          connector,
		secrets:            secrets,
		logger:             log.Default(),
		mailbox:            "INBOX",
		fetchLimit:         100,
		workers:            4,
		timeout:            2 * time.Minute,
		retry:              DefaultRetryPolicy(),
		requireJobKeywords: true,
		now:                func() time.Time { return time.Now().UTC() },
		sleep:              sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.extractor == nil {
		c.extractor = extract.New(extract.WithLogger(c.logger))
	}
	return c
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomeFailed
	outcomeExtracted
)

type outcome struct {
	seq  uint32
	kind outcomeKind
	date time.Time
	job  *model.ExtractedJob
}

// Ingest runs one cycle for cred's mailbox, fetching messages that
// arrived on or after since. Connection-level failures are reported in
// the result with zero side effects. The high-water mark only moves when
// the whole batch was fetched and persisted.
func (c *Coordinator) Ingest(
	ctx context.Context,
	cred model.MailboxCredential,
	filters model.FilterSet,
	since time.Time,
) (result model.IngestResult) {
	start := c.now()
	result.HighWaterMark = since
	logger := c.logger.With("user_id", cred.UserID, "address", cred.Address)

	defer func() {
		c.metrics.ObserveCycle(cred.UserID, result, c.now().Sub(start))
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	password, err := c.secrets.Decrypt(cred.Secret)
	if err != nil {
		logger.Error("resolving mailbox secret", "error", err)
		result.Err = fmt.Errorf("resolving secret for %s: %w", cred.Address, err)
		result.ErrorKind = "credential"
		result.Message = "stored credential is unavailable"
		return result
	}

	sess, err := c.connect(ctx, cred, password, logger)
	if err != nil {
		logger.Warn("connect failed", "kind", source.Classify(err), "error", err)
		return failed(result, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("closing session", "error", err)
		}
	}()

	fetch, err := sess.FetchSince(ctx, c.mailbox, since, c.fetchLimit)
	if err != nil {
		logger.Warn("fetch failed", "kind", source.Classify(err), "error", err)
		return failed(result, err)
	}

	outcomes := c.process(fetch, filters, logger)
	result.Fetched = len(outcomes)
	result.Failed += fetch.Skipped()

	fetchErr := fetch.Err()
	timedOut := ctx.Err() != nil || source.Classify(fetchErr) == source.KindTimeout

	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), persistGrace)
		defer cancel()
	}

	complete := c.persist(persistCtx, cred.UserID, outcomes, &result, logger)

	switch {
	case timedOut:
		result.TimedOut = true
		if fetchErr == nil {
			fetchErr = &source.TimeoutError{Op: "ingest", Err: context.DeadlineExceeded}
		}
		result = classified(result, fetchErr)
		logger.Warn("cycle deadline expired", "imported", result.Imported, "fetched", result.Fetched)
	case fetchErr != nil:
		result = classified(result, fetchErr)
		logger.Warn("fetch ended early", "error", fetchErr)
	case complete:
		c.advance(persistCtx, cred.UserID, since, outcomes, &result, logger)
	}

	logger.Info("ingestion cycle finished",
		"imported", result.Imported,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duplicates", result.Duplicates,
		"elapsed", c.now().Sub(start),
	)
	return result
}

func (c *Coordinator) connect(
	ctx context.Context,
	cred model.MailboxCredential,
	password string,
	logger *log.Logger,
) (email.Session, error) {
	var sess email.Session
	onRetry := func(attempt int, err error, wait time.Duration) {
		c.metrics.ConnectRetry()
		logger.Warn("retrying connect", "attempt", attempt, "wait", wait, "error", err)
	}
	err := c.retry.do(ctx, c.sleep, onRetry, func() error {
		s, err := c.connector.Connect(ctx, cred, password)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	return sess, err
}

// process pulls messages off the stream and decodes, filters and
// extracts them on a bounded worker pool.
func (c *Coordinator) process(fetch *email.Fetch, filters model.FilterSet, logger *log.Logger) []outcome {
	p := pool.NewWithResults[outcome]().WithMaxGoroutines(c.workers)
	for raw := range fetch.All() {
		p.Go(func() outcome {
			return c.handle(raw, filters, logger)
		})
	}
	outcomes := p.Wait()
	slices.SortFunc(outcomes, func(a, b outcome) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return outcomes
}

func (c *Coordinator) handle(raw email.RawMessage, filters model.FilterSet, logger *log.Logger) outcome {
	out := outcome{seq: raw.SeqNum, date: raw.InternalDate}

	msg, err := email.Decode(raw)
	if err != nil {
		logger.Warn("decode failed", "ref", raw.Ref(), "error", err)
		out.kind = outcomeFailed
		return out
	}
	if out.date.IsZero() {
		out.date = msg.ReceivedAt
	}

	if !filter.Matches(msg, filters) {
		logger.Debug("filtered out", "message_id", msg.MessageID, "from", msg.From)
		out.kind = outcomeSkipped
		return out
	}
	if c.requireJobKeywords && !extract.IsJobEmail(msg) {
		logger.Debug("no job keywords", "message_id", msg.MessageID)
		out.kind = outcomeSkipped
		return out
	}

	job := c.extractor.Extract(msg, extract.Classify(msg))
	if job == nil {
		out.kind = outcomeSkipped
		return out
	}
	out.kind = outcomeExtracted
	out.job = job
	return out
}

// persist writes extracted jobs one at a time. It reports whether every
// write succeeded.
func (c *Coordinator) persist(
	ctx context.Context,
	userID string,
	outcomes []outcome,
	result *model.IngestResult,
	logger *log.Logger,
) bool {
	complete := true
	inBatch := make(map[string]bool)

	for _, out := range outcomes {
		switch out.kind {
		case outcomeFailed:
			result.Failed++
			continue
		case outcomeSkipped:
			result.Skipped++
			continue
		}

		id := out.job.SourceMessageID
		if inBatch[id] {
			result.Skipped++
			result.Duplicates++
			continue
		}
		inBatch[id] = true

		dup, err := c.isDuplicate(ctx, userID, id, logger)
		if err != nil {
			logger.Error("duplicate check failed", "message_id", id, "error", err)
			result.Failed++
			complete = false
			continue
		}
		if dup {
			result.Skipped++
			result.Duplicates++
			continue
		}

		if _, err := c.store.UpsertJob(ctx, userID, *out.job); err != nil {
			logger.Error("persisting job", "message_id", id, "error", err)
			result.Failed++
			complete = false
			continue
		}
		result.Imported++
		c.markSeen(ctx, userID, id, logger)
	}
	return complete
}

func (c *Coordinator) isDuplicate(ctx context.Context, userID, messageID string, logger *log.Logger) (bool, error) {
	if c.seen != nil {
		seen, err := c.seen.Seen(ctx, userID, messageID)
		switch {
		case err != nil:
			logger.Warn("seen cache lookup failed", "error", err)
		case seen:
			return true, nil
		}
	}
	exists, err := c.store.HasJob(ctx, userID, messageID)
	if err != nil {
		return false, err
	}
	if exists {
		c.markSeen(ctx, userID, messageID, logger)
	}
	return exists, nil
}

func (c *Coordinator) markSeen(ctx context.Context, userID, messageID string, logger *log.Logger) {
	if c.seen == nil {
		return
	}
	fresh, err := c.seen.Mark(ctx, userID, messageID)
	if err != nil {
		logger.Warn("seen cache update failed", "error", err)
		return
	}
	if !fresh {
		logger.Debug("message already marked seen", "message_id", messageID)
	}
}

// advance moves the high-water mark to the newest message of the batch.
func (c *Coordinator) advance(
	ctx context.Context,
	userID string,
	since time.Time,
	outcomes []outcome,
	result *model.IngestResult,
	logger *log.Logger,
) {
	mark := since
	for _, out := range outcomes {
		if out.date.After(mark) {
			mark = out.date
		}
	}
	if !mark.After(since) {
		return
	}
	if err := c.store.SetHighWaterMark(ctx, userID, mark); err != nil {
		logger.Error("saving high-water mark", "error", err)
		result.Err = fmt.Errorf("saving high-water mark: %w", err)
		result.ErrorKind = "store"
		result.Message = "could not record progress"
		return
	}
	result.HighWaterMark = mark
}

func failed(result model.IngestResult, err error) model.IngestResult {
	result = classified(result, err)
	if source.Classify(err) == source.KindTimeout {
		result.TimedOut = errors.Is(err, context.DeadlineExceeded)
	}
	return result
}

func classified(result model.IngestResult, err error) model.IngestResult {
	result.Err = err
	result.ErrorKind = string(source.Classify(err))
	result.Message = source.UserMessage(err)
	return result
}

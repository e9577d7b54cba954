package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/jobmail/internal/extract"
	"github.com/nhle/jobmail/internal/metrics"
	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/source"
	"github.com/nhle/jobmail/internal/source/email"
)

var (
	testNow   = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	testSince = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

// --- fakes ---

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]model.ExtractedJob
	marks   map[string]time.Time
	hasErr  error
	upsErr  error
	hasCall int

	mailboxes map[string]model.MailboxCredential
	filters   map[string]model.FilterSet
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      make(map[string]model.ExtractedJob),
		marks:     make(map[string]time.Time),
		mailboxes: make(map[string]model.MailboxCredential),
		filters:   make(map[string]model.FilterSet),
	}
}

func (s *fakeStore) HasJob(_ context.Context, userID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasCall++
	if s.hasErr != nil {
		return false, s.hasErr
	}
	_, ok := s.jobs[userID+"/"+id]
	return ok, nil
}

func (s *fakeStore) UpsertJob(_ context.Context, userID string, job model.ExtractedJob) (*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsErr != nil {
		return nil, s.upsErr
	}
	s.jobs[userID+"/"+job.SourceMessageID] = job
	return &model.JobRecord{ExtractedJob: job, UserID: userID, Status: model.JobStatusAvailable}, nil
}

func (s *fakeStore) GetHighWaterMark(_ context.Context, userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[userID], nil
}

func (s *fakeStore) SetHighWaterMark(_ context.Context, userID string, mark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[userID] = mark
	return nil
}

func (s *fakeStore) GetMailbox(_ context.Context, userID string) (model.MailboxCredential, model.FilterSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.mailboxes[userID]
	if !ok {
		return model.MailboxCredential{}, model.FilterSet{}, errors.New("not found")
	}
	return cred, s.filters[userID], nil
}

func (s *fakeStore) ListActiveUsers(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []string
	for id, cred := range s.mailboxes {
		if cred.Active {
			users = append(users, id)
		}
	}
	return users, nil
}

func (s *fakeStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakeSecrets struct{ err error }

func (f fakeSecrets) Decrypt(secret string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "pw-" + secret, nil
}

// item is one pull result: a message, or an error returned in its place.
type item struct {
	msg email.RawMessage
	err error
}

type fakeSession struct {
	mu     sync.Mutex
	items  []item
	tail   func(ctx context.Context) error
	since  time.Time
	closed int
}

func (s *fakeSession) FetchSince(ctx context.Context, _ string, since time.Time, _ int) (*email.Fetch, error) {
	s.mu.Lock()
	s.since = since
	s.mu.Unlock()

	i := 0
	pull := func() (email.RawMessage, error) {
		if i < len(s.items) {
			it := s.items[i]
			i++
			return it.msg, it.err
		}
		if s.tail != nil {
			return email.RawMessage{}, s.tail(ctx)
		}
		return email.RawMessage{}, io.EOF
	}
	return email.NewFetch(len(s.items), pull, nil, nil), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeConnector struct {
	mu      sync.Mutex
	errs    []error
	session *fakeSession
	calls   int
	gate    chan struct{}
	entered chan struct{}
}

func (c *fakeConnector) Connect(ctx context.Context, _ model.MailboxCredential, password string) (email.Session, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()

	if c.entered != nil && call == 1 {
		close(c.entered)
	}
	if c.gate != nil {
		<-c.gate
	}
	if call <= len(c.errs) && c.errs[call-1] != nil {
		return nil, c.errs[call-1]
	}
	if password == "" {
		return nil, errors.New("empty password")
	}
	return c.session, nil
}

func (c *fakeConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeSeen struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeSeen) Seen(_ context.Context, userID, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[userID+"/"+id], nil
}

func (f *fakeSeen) Mark(_ context.Context, userID, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fresh := !f.seen[userID+"/"+id]
	f.seen[userID+"/"+id] = true
	return fresh, nil
}

// --- helpers ---

func testCredential() model.MailboxCredential {
	return model.MailboxCredential{
		UserID:   "u1",
		Provider: model.ProviderGmail,
		Address:  "me@example.com",
		Host:     "imap.gmail.com",
		Port:     993,
		UseTLS:   true,
		Secret:   "key-u1",
		Active:   true,
	}
}

func jobMessage(seq uint32, id string, arrived time.Time) email.RawMessage {
	body := fmt.Sprintf("From: Acme Jobs <jobs@acme.example>\r\n"+
		"To: me@example.com\r\n"+
		"Subject: New job opportunity\r\n"+
		"Message-ID: <%s>\r\n"+
		"Date: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Job Title: Senior Software Engineer\r\n"+
		"Company: Acme Corp\r\n"+
		"Location: Austin, TX\r\n", id, arrived.Format(time.RFC1123Z))
	return email.RawMessage{
		SeqNum:       seq,
		UID:          fmt.Sprint(seq),
		InternalDate: arrived,
		RetrievedAt:  testNow,
		Body:         []byte(body),
	}
}

func chatMessage(seq uint32, arrived time.Time) email.RawMessage {
	body := "From: Friend <friend@example.com>\r\n" +
		"Subject: Lunch\r\n" +
		fmt.Sprintf("Message-ID: <chat-%d@example.com>\r\n", seq) +
		"\r\n" +
		"Pizza on Friday?\r\n"
	return email.RawMessage{SeqNum: seq, UID: fmt.Sprint(seq), InternalDate: arrived, RetrievedAt: testNow, Body: []byte(body)}
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func newTestCoordinator(store Store, conn Connector, opts ...Option) *Coordinator {
	base := []Option{
		WithLogger(log.New(io.Discard)),
		WithClock(func() time.Time { return testNow }),
		withSleep((&sleepRecorder{}).sleep),
	}
	return NewCoordinator(store, conn, fakeSecrets{}, append(base, opts...)...)
}

// --- tests ---

func TestIngestImportsJobsAndAdvancesMark(t *testing.T) {
	store := newFakeStore()
	d1 := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	sess := &fakeSession{items: []item{
		{msg: jobMessage(1, "a@acme.example", d1)},
		{msg: chatMessage(2, d2)},
	}}
	c := newTestCoordinator(store, &fakeConnector{session: sess})

	res := c.Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, d2, res.HighWaterMark)
	assert.Equal(t, d2, store.marks["u1"])
	assert.Equal(t, 1, sess.closed)

	job, ok := store.jobs["u1/a@acme.example"]
	require.True(t, ok)
	assert.Equal(t, "Senior Software Engineer", job.Title)
	assert.Equal(t, "Acme Corp", job.Company)
	assert.Equal(t, "Austin, TX", job.Location)
}

func TestIngestIsIdempotent(t *testing.T) {
	store := newFakeStore()
	arrived := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	newSession := func() *fakeSession {
		return &fakeSession{items: []item{{msg: jobMessage(1, "a@acme.example", arrived)}}}
	}

	first := newTestCoordinator(store, &fakeConnector{session: newSession()}).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)
	second := newTestCoordinator(store, &fakeConnector{session: newSession()}).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	assert.Equal(t, 1, first.Imported)
	assert.Equal(t, 0, second.Imported)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, second.Duplicates)
	assert.Equal(t, 1, store.jobCount())
}

func TestIngestDeduplicatesWithinBatch(t *testing.T) {
	store := newFakeStore()
	arrived := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := &fakeSession{items: []item{
		{msg: jobMessage(1, "same@acme.example", arrived)},
		{msg: jobMessage(2, "same@acme.example", arrived)},
	}}

	res := newTestCoordinator(store, &fakeConnector{session: sess}).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, store.jobCount())
}

func TestIngestCountsMalformedMessagesAsFailed(t *testing.T) {
	store := newFakeStore()
	arrived := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := &fakeSession{items: []item{
		{msg: jobMessage(1, "good@acme.example", arrived)},
		{msg: email.RawMessage{SeqNum: 2, UID: "2", RetrievedAt: testNow}},
		{err: email.SkipMessage("3", errors.New("body unavailable"))},
	}}

	res := newTestCoordinator(store, &fakeConnector{session: sess}).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, arrived, res.HighWaterMark)
}

func TestIngestAppliesFilters(t *testing.T) {
	store := newFakeStore()
	arrived := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := &fakeSession{items: []item{{msg: jobMessage(1, "a@acme.example", arrived)}}}
	filters := model.FilterSet{SenderPatterns: []string{"*@linkedin.com"}}

	res := newTestCoordinator(store, &fakeConnector{session: sess}).
		Ingest(context.Background(), testCredential(), filters, testSince)

	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, store.jobCount())
}

func TestIngestAuthFailureHasNoSideEffects(t *testing.T) {
	store := newFakeStore()
	store.marks["u1"] = testSince
	conn := &fakeConnector{errs: []error{&source.AuthError{Message: "invalid credentials"}}}

	res := newTestCoordinator(store, conn).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	require.Error(t, res.Err)
	assert.Equal(t, string(source.KindAuth), res.ErrorKind)
	assert.NotEmpty(t, res.Message)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, conn.callCount())
	assert.Equal(t, testSince, store.marks["u1"])
	assert.Equal(t, 0, store.jobCount())
}

func TestIngestRetriesTransientConnectFailures(t *testing.T) {
	store := newFakeStore()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sleeps := &sleepRecorder{}
	netErr := &source.NetworkError{Op: "dial", Err: errors.New("connection reset")}
	conn := &fakeConnector{
		errs:    []error{netErr, netErr},
		session: &fakeSession{},
	}

	res := newTestCoordinator(store, conn,
		WithMetrics(m),
		withSleep(sleeps.sleep),
		WithRetryPolicy(RetryPolicy{Attempts: 3, Backoff: time.Second, MaxBackoff: time.Minute}),
	).Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	require.NoError(t, res.Err)
	assert.Equal(t, 3, conn.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.waits)
	expected := `
# HELP jobmail_ingest_connect_retries_total Connection attempts retried after a transient failure
# TYPE jobmail_ingest_connect_retries_total counter
jobmail_ingest_connect_retries_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "jobmail_ingest_connect_retries_total"))
}

func TestIngestGivesUpAfterRetryBudget(t *testing.T) {
	netErr := &source.NetworkError{Op: "dial", Err: errors.New("connection refused")}
	conn := &fakeConnector{errs: []error{netErr, netErr, netErr, netErr}}

	res := newTestCoordinator(newFakeStore(), conn,
		WithRetryPolicy(RetryPolicy{Attempts: 2, Backoff: time.Millisecond}),
	).Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	require.Error(t, res.Err)
	assert.Equal(t, string(source.KindNetwork), res.ErrorKind)
	assert.Equal(t, 2, conn.callCount())
}

func TestIngestSecretFailure(t *testing.T) {
	conn := &fakeConnector{session: &fakeSession{}}
	c := NewCoordinator(newFakeStore(), conn, fakeSecrets{err: errors.New("locked")},
		WithLogger(log.New(io.Discard)))

	res := c.Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	require.Error(t, res.Err)
	assert.Equal(t, "credential", res.ErrorKind)
	assert.Equal(t, 0, conn.callCount())
}

func TestIngestDeadlineKeepsPartialWork(t *testing.T) {
	store := newFakeStore()
	arrived := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := &fakeSession{
		items: []item{{msg: jobMessage(1, "early@acme.example", arrived)}},
		tail: func(ctx context.Context) error {
			<-ctx.Done()
			return &source.TimeoutError{Op: "fetch", Err: ctx.Err()}
		},
	}

	res := newTestCoordinator(store, &fakeConnector{session: sess}, WithTimeout(20*time.Millisecond)).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	assert.True(t, res.TimedOut)
	assert.Equal(t, string(source.KindTimeout), res.ErrorKind)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, store.jobCount())
	assert.Equal(t, testSince, res.HighWaterMark)
	_, moved := store.marks["u1"]
	assert.False(t, moved)
}

func TestIngestStreamFailureHoldsMark(t *testing.T) {
	store := newFakeStore()
	arrived := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := &fakeSession{
		items: []item{{msg: jobMessage(1, "a@acme.example", arrived)}},
		tail: func(context.Context) error {
			return &source.ProtocolError{Command: "FETCH", Err: errors.New("BAD")}
		},
	}

	res := newTestCoordinator(store, &fakeConnector{session: sess}).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	require.Error(t, res.Err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, string(source.KindProtocol), res.ErrorKind)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, testSince, res.HighWaterMark)
}

func TestIngestPersistFailureHoldsMark(t *testing.T) {
	store := newFakeStore()
	store.upsErr = errors.New("disk full")
	arrived := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := &fakeSession{items: []item{{msg: jobMessage(1, "a@acme.example", arrived)}}}

	res := newTestCoordinator(store, &fakeConnector{session: sess}).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, testSince, res.HighWaterMark)
	_, moved := store.marks["u1"]
	assert.False(t, moved)
}

func TestIngestSeenCacheShortCircuitsStore(t *testing.T) {
	store := newFakeStore()
	seen := &fakeSeen{seen: map[string]bool{"u1/a@acme.example": true}}
	arrived := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := &fakeSession{items: []item{
		{msg: jobMessage(1, "a@acme.example", arrived)},
		{msg: jobMessage(2, "b@acme.example", arrived)},
	}}

	res := newTestCoordinator(store, &fakeConnector{session: sess}, WithSeenCache(seen)).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)

	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, store.hasCall)
	assert.True(t, seen.seen["u1/b@acme.example"])
}

func TestIngestKeywordGate(t *testing.T) {
	arrived := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	raw := jobMessage(1, "a@acme.example", arrived)
	raw.Body = []byte("From: news@acme.example\r\nSubject: Update\r\nMessage-ID: <a@acme.example>\r\n\r\n" +
		"Quarterly newsletter\r\n")
	fixed := func(v string) extract.Strategy { return func(string) (string, bool) { return v, true } }
	extractor := extract.New(
		extract.WithLogger(log.New(io.Discard)),
		extract.WithCascade(extract.FieldTitle, extract.Cascade{fixed("Engineer")}),
		extract.WithCascade(extract.FieldCompany, extract.Cascade{fixed("Acme")}),
	)
	session := func() *fakeSession { return &fakeSession{items: []item{{msg: raw}}} }

	gated := newTestCoordinator(newFakeStore(), &fakeConnector{session: session()}, WithExtractor(extractor)).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)
	assert.Equal(t, 0, gated.Imported)
	assert.Equal(t, 1, gated.Skipped)

	open := newTestCoordinator(newFakeStore(), &fakeConnector{session: session()},
		WithExtractor(extractor), WithJobKeywordGate(false)).
		Ingest(context.Background(), testCredential(), model.FilterSet{}, testSince)
	assert.Equal(t, 1, open.Imported)
}

package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/source"
)

// ErrSessionClosed is returned when a closed session is used.
var ErrSessionClosed = errors.New("mail session closed")

// Session is one live connection to a mailbox. Close is idempotent and
// must be called on every exit path.
type Session interface {
	// FetchSince selects mailbox and returns the oldest messages (at
	// most limit) that arrived on or after since. A mailbox with no
	// matching messages yields an empty Fetch, not an error.
	FetchSince(ctx context.Context, mailbox string, since time.Time, limit int) (*Fetch, error)
	Close() error
}

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchStream
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchStream interface {
	Next() messageCollector
	Close() error
}
type messageCollector interface {
	Collect() (*imapclient.FetchMessageBuffer, error)
}

// Dialer opens mailbox sessions for credentials. It picks IMAP or POP3
// from the credential's provider.
type Dialer struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newIMAP     func(model.MailboxCredential) (imapClient, error)
	newPOP3     func(model.MailboxCredential) (pop3Connection, error)
}

// Option customizes Dialer behavior.
type Option func(*Dialer)

// NewDialer returns a Dialer with a 10 second dial timeout.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	d.newIMAP = d.defaultIMAPFactory
	d.newPOP3 = d.defaultPOP3Factory
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.dialTimeout = timeout
		}
	}
}

// WithLogger overrides the logger used for session diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dialer) {
		if now != nil {
			d.now = now
		}
	}
}

func withIMAPClientFactory(factory func(model.MailboxCredential) (imapClient, error)) Option {
	return func(d *Dialer) {
		d.newIMAP = factory
	}
}

// Connect dials the server, authenticates and returns a live session.
// The session is force-closed when ctx ends.
func (d *Dialer) Connect(
	ctx context.Context,
	cred model.MailboxCredential,
	password string,
) (Session, error) {
	if cred.Host == "" {
		return nil, fmt.Errorf("mailbox %s has no host configured", cred.Address)
	}
	if err := ctx.Err(); err != nil {
		return nil, source.Wrap("connect "+cred.Addr(), err)
	}

	if cred.Protocol() == model.ProtocolPOP3 {
		return d.connectPOP3(ctx, cred, password)
	}
	return d.connectIMAP(ctx, cred, password)
}

// TestConnection opens and fully tears down a session without fetching.
// It is used to validate credentials before they are saved.
func (d *Dialer) TestConnection(
	ctx context.Context,
	cred model.MailboxCredential,
	password string,
) error {
	sess, err := d.Connect(ctx, cred, password)
	if err != nil {
		return err
	}
	return sess.Close()
}

// WithSession connects, runs fn and always closes the session, whether fn
// returns, fails or panics.
func WithSession(
	ctx context.Context,
	d *Dialer,
	cred model.MailboxCredential,
	password string,
	fn func(Session) error,
) error {
	sess, err := d.Connect(ctx, cred, password)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	return fn(sess)
}

func (d *Dialer) connectIMAP(
	ctx context.Context,
	cred model.MailboxCredential,
	password string,
) (*IMAPSession, error) {
	client, err := d.newIMAP(cred)
	if err != nil {
		return nil, source.Wrap("imap connect "+cred.Addr(), err)
	}

	s := &IMAPSession{
		client:  client,
		address: cred.Address,
		now:     d.now,
		logger:  d.logger,
	}
	s.stopWatch = context.AfterFunc(ctx, s.forceClose)

	if err := client.Login(cred.Address, password).Wait(); err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, &source.TimeoutError{Op: "imap login", Err: ctx.Err()}
		}
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &source.AuthError{
				Address: cred.Address,
				Message: imapErr.Text,
				Err:     err,
			}
		}
		return nil, source.Wrap("imap login", err)
	}

	d.logger.Debug("imap session opened", "address", cred.Address, "host", cred.Addr())
	return s, nil
}

func (d *Dialer) defaultIMAPFactory(cred model.MailboxCredential) (imapClient, error) {
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: d.dialTimeout}}

	var client *imapclient.Client
	var err error
	if cred.UseTLS {
		client, err = imapclient.DialTLS(cred.Addr(), opts)
	} else {
		client, err = imapclient.DialStartTLS(cred.Addr(), opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

// IMAPSession is a logged-in IMAP connection.
type IMAPSession struct {
	client  imapClient
	address string
	now     func() time.Time
	logger  *log.Logger

	stopWatch func() bool
	closeOnce sync.Once
	closed    atomic.Bool
	forced    atomic.Bool
}

// FetchSince implements Session.
func (s *IMAPSession) FetchSince(
	ctx context.Context,
	mailbox string,
	since time.Time,
	limit int,
) (*Fetch, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if mailbox == "" {
		mailbox = "INBOX"
	}

	if _, err := s.client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, s.commandError(ctx, "SELECT "+mailbox, err)
	}

	criteria := &imap.SearchCriteria{}
	if !since.IsZero() {
		criteria.Since = since
	}
	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, s.commandError(ctx, "SEARCH", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return emptyFetch(), nil
	}

	// Oldest first: once the high-water mark passes this batch, the next
	// cycle continues with whatever the limit held back.
	if limit > 0 && len(uids) > limit {
		if !since.IsZero() {
			uids, err = s.arrivedSince(ctx, uids, since)
			if err != nil {
				return nil, err
			}
		}
		if len(uids) > limit {
			uids = uids[:limit]
		}
		if len(uids) == 0 {
			return emptyFetch(), nil
		}
	}

	section := &imap.FetchItemBodySection{Peek: true}
	cmd := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})

	var seq uint32
	pull := func() (RawMessage, error) {
		for {
			if ctx.Err() != nil {
				return RawMessage{}, &source.TimeoutError{Op: "FETCH", Err: ctx.Err()}
			}
			if s.closed.Load() {
				return RawMessage{}, ErrSessionClosed
			}

			next := cmd.Next()
			if next == nil {
				return RawMessage{}, io.EOF
			}
			seq++

			buf, err := next.Collect()
			if err != nil {
				return RawMessage{}, SkipMessage(strconv.FormatUint(uint64(seq), 10), err)
			}
			uid := strconv.FormatUint(uint64(buf.UID), 10)

			body := buf.FindBodySection(section)
			if len(body) == 0 {
				return RawMessage{}, SkipMessage(uid, errors.New("empty body section"))
			}

			// SEARCH SINCE has day granularity.
			if !since.IsZero() && !buf.InternalDate.IsZero() && buf.InternalDate.Before(since) {
				continue
			}

			return RawMessage{
				SeqNum:       seq,
				UID:          uid,
				InternalDate: buf.InternalDate,
				RetrievedAt:  s.now(),
				Body:         append([]byte(nil), body...),
			}, nil
		}
	}
	finish := func() error {
		if err := cmd.Close(); err != nil {
			return s.commandError(ctx, "FETCH", err)
		}
		return nil
	}

	return NewFetch(len(uids), pull, finish, s.logger), nil
}

// arrivedSince narrows uids to messages whose INTERNALDATE is not before
// since, in UID order. SEARCH SINCE compares dates only, so without this a
// busy day already behind the mark could fill every batch.
func (s *IMAPSession) arrivedSince(ctx context.Context, uids []imap.UID, since time.Time) ([]imap.UID, error) {
	cmd := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
	})
	kept := make([]imap.UID, 0, len(uids))
	for next := cmd.Next(); next != nil; next = cmd.Next() {
		buf, err := next.Collect()
		if err != nil || buf.UID == 0 {
			continue
		}
		if buf.InternalDate.IsZero() || !buf.InternalDate.Before(since) {
			kept = append(kept, buf.UID)
		}
	}
	if err := cmd.Close(); err != nil {
		return nil, s.commandError(ctx, "FETCH", err)
	}
	slices.Sort(kept)
	return kept, nil
}

// Close logs out and releases the connection. It is safe to call more
// than once.
func (s *IMAPSession) Close() error {
	s.closeOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		s.closed.Store(true)
		if s.forced.Load() {
			return
		}
		if err := s.client.Logout().Wait(); err != nil {
			s.logger.Debug("imap logout", "address", s.address, "error", err)
		}
		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("imap close", "address", s.address, "error", err)
		}
	})
	return nil
}

// forceClose drops the connection without a LOGOUT round trip. It runs
// when the session's context ends.
func (s *IMAPSession) forceClose() {
	s.forced.Store(true)
	s.closed.Store(true)
	if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("imap force close", "address", s.address, "error", err)
	}
}

func (s *IMAPSession) commandError(ctx context.Context, command string, err error) error {
	if ctx.Err() != nil {
		return &source.TimeoutError{Op: command, Err: ctx.Err()}
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &source.ProtocolError{Command: command, Err: err}
	}
	return source.Wrap(command, err)
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchStream {
	return &imapFetchWrapper{cmd: w.Client.Fetch(numSet, options)}
}

type imapFetchWrapper struct{ cmd *imapclient.FetchCommand }

func (w *imapFetchWrapper) Next() messageCollector {
	msg := w.cmd.Next()
	if msg == nil {
		return nil
	}
	return msg
}

func (w *imapFetchWrapper) Close() error { return w.cmd.Close() }

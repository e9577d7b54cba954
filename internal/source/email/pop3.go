package email

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/knadh/go-pop3"

	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/source"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	Top(msgID int, numLines int) (*message.Entity, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	// Abort drops the socket, failing any command blocked on it.
	Abort() error
}

// pop3Conn pairs a go-pop3 connection with the socket beneath it, which
// the library keeps private.
type pop3Conn struct {
	*pop3.Conn
	sock net.Conn
}

func (c *pop3Conn) Abort() error {
	if c.sock == nil {
		return nil
	}
	return c.sock.Close()
}

// capturingDialer records the socket go-pop3 dials.
type capturingDialer struct {
	dialer *net.Dialer
	conn   net.Conn
}

func (d *capturingDialer) Dial(network, address string) (net.Conn, error) {
	conn, err := d.dialer.Dial(network, address)
	d.conn = conn
	return conn, err
}

func withPOP3ConnFactory(factory func(model.MailboxCredential) (pop3Connection, error)) Option {
	return func(d *Dialer) {
		d.newPOP3 = factory
	}
}

func (d *Dialer) defaultPOP3Factory(cred model.MailboxCredential) (pop3Connection, error) {
	dialer := &capturingDialer{dialer: &net.Dialer{Timeout: d.dialTimeout}}
	client := pop3.New(pop3.Opt{
		Host:        cred.Host,
		Port:        cred.Port,
		DialTimeout: d.dialTimeout,
		Dialer:      dialer,
		TLSEnabled:  cred.UseTLS,
	})
	conn, err := client.NewConn()
	if err != nil {
		if dialer.conn != nil {
			_ = dialer.conn.Close()
		}
		return nil, err
	}
	return &pop3Conn{Conn: conn, sock: dialer.conn}, nil
}

func (d *Dialer) connectPOP3(
	ctx context.Context,
	cred model.MailboxCredential,
	password string,
) (*POP3Session, error) {
	conn, err := d.newPOP3(cred)
	if err != nil {
		return nil, source.Wrap("pop3 connect "+cred.Addr(), err)
	}

	s := &POP3Session{
		conn:    conn,
		address: cred.Address,
		now:     d.now,
		logger:  d.logger,
	}
	s.stopWatch = context.AfterFunc(ctx, s.forceClose)

	if err := conn.Auth(cred.Address, password); err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, &source.TimeoutError{Op: "pop3 auth", Err: ctx.Err()}
		}
		var ne net.Error
		if errors.As(err, &ne) {
			return nil, source.Wrap("pop3 auth", err)
		}
		return nil, &source.AuthError{Address: cred.Address, Message: err.Error(), Err: err}
	}

	d.logger.Debug("pop3 session opened", "address", cred.Address, "host", cred.Addr())
	return s, nil
}

// POP3Session is an authenticated POP3 connection. POP3 has no folders
// and no server-side date search, so the mailbox argument is ignored and
// the since cutoff is applied to each message's Date header.
type POP3Session struct {
	conn    pop3Connection
	address string
	now     func() time.Time
	logger  *log.Logger

	stopWatch func() bool
	closeOnce sync.Once
	closed    atomic.Bool
	forced    atomic.Bool
}

// FetchSince implements Session.
func (s *POP3Session) FetchSince(
	ctx context.Context,
	_ string,
	since time.Time,
	limit int,
) (*Fetch, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	msgs, err := s.conn.Uidl(0)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &source.TimeoutError{Op: "UIDL", Err: ctx.Err()}
		}
		return nil, &source.ProtocolError{Command: "UIDL", Err: err}
	}
	if len(msgs) == 0 {
		return emptyFetch(), nil
	}

	// Oldest first: once the high-water mark passes this batch, the next
	// cycle continues with whatever the limit held back.
	total := len(msgs)
	if limit > 0 && total > limit {
		total = limit
	}

	var seq uint32
	next, emitted := 0, 0
	pull := func() (RawMessage, error) {
		for next < len(msgs) {
			if limit > 0 && emitted >= limit {
				return RawMessage{}, io.EOF
			}
			if ctx.Err() != nil {
				return RawMessage{}, &source.TimeoutError{Op: "RETR", Err: ctx.Err()}
			}
			if s.closed.Load() {
				return RawMessage{}, ErrSessionClosed
			}

			meta := msgs[next]
			next++

			uid := meta.UID
			if uid == "" {
				uid = fmt.Sprintf("%d", meta.ID)
			}

			if !since.IsZero() {
				date, err := s.peekDate(meta.ID)
				if err != nil {
					if ctx.Err() != nil {
						return RawMessage{}, &source.TimeoutError{Op: "TOP", Err: ctx.Err()}
					}
					return RawMessage{}, source.Wrap("TOP", err)
				}
				if !date.IsZero() && date.Before(since) {
					continue
				}
			}

			seq++
			payload, err := s.conn.RetrRaw(meta.ID)
			if err != nil {
				if ctx.Err() != nil {
					return RawMessage{}, &source.TimeoutError{Op: "RETR", Err: ctx.Err()}
				}
				var ne net.Error
				if errors.As(err, &ne) {
					return RawMessage{}, source.Wrap("RETR", err)
				}
				return RawMessage{}, SkipMessage(uid, err)
			}
			raw := append([]byte(nil), payload.Bytes()...)

			date := headerDate(raw)
			if !since.IsZero() && !date.IsZero() && date.Before(since) {
				continue
			}

			emitted++
			return RawMessage{
				SeqNum:       seq,
				UID:          uid,
				InternalDate: date,
				RetrievedAt:  s.now(),
				Body:         raw,
			}, nil
		}
		return RawMessage{}, io.EOF
	}

	return NewFetch(total, pull, nil, s.logger), nil
}

// peekDate reads the Date header with TOP so old messages are skipped
// without downloading them. Servers without TOP yield the zero time and
// the message is retrieved in full. Only socket failures are errors.
func (s *POP3Session) peekDate(id int) (time.Time, error) {
	entity, err := s.conn.Top(id, 0)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) {
			return time.Time{}, err
		}
		return time.Time{}, nil
	}
	mh := mail.Header{Header: entity.Header}
	date, err := mh.Date()
	if err != nil {
		return time.Time{}, nil
	}
	return date, nil
}

// Close sends QUIT. It is safe to call more than once.
func (s *POP3Session) Close() error {
	s.closeOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		s.closed.Store(true)
		if s.forced.Load() {
			return
		}
		if err := s.conn.Quit(); err != nil {
			s.logger.Debug("pop3 quit", "address", s.address, "error", err)
		}
	})
	return nil
}

// forceClose drops the socket without QUIT when the session's context
// ends, unblocking a stalled RETR.
func (s *POP3Session) forceClose() {
	s.forced.Store(true)
	s.closed.Store(true)
	if err := s.conn.Abort(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("pop3 force close", "address", s.address, "error", err)
	}
}

// headerDate parses only the header block of raw and returns its Date.
// Zero when the header is missing or unparseable.
func headerDate(raw []byte) time.Time {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return time.Time{}
	}
	mh := mail.Header{Header: message.Header{Header: h}}
	date, err := mh.Date()
	if err != nil {
		return time.Time{}
	}
	return date
}

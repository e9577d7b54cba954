package email

import (
	"errors"
	"io"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// RawMessage is one message as retrieved from the server, before decoding.
type RawMessage struct {
	// SeqNum is the position of the message within the fetch.
	SeqNum uint32

	// UID is the server-assigned identifier (IMAP UID or POP3 UIDL).
	UID string

	// InternalDate is the server arrival time. Zero when unknown.
	InternalDate time.Time

	// RetrievedAt is when the message was pulled from the server.
	RetrievedAt time.Time

	Body []byte
}

// Ref returns a short identifier for logs and errors.
func (m RawMessage) Ref() string {
	if m.UID != "" {
		return m.UID
	}
	return strconv.FormatUint(uint64(m.SeqNum), 10)
}

// ErrFetchConsumed is reported when a Fetch is iterated a second time.
var ErrFetchConsumed = errors.New("fetch already consumed")

// errSkipMessage is returned by a pull function for a single message that
// could not be retrieved; the stream continues past it.
type errSkipMessage struct {
	ref string
	err error
}

func (e *errSkipMessage) Error() string { return "message " + e.ref + ": " + e.err.Error() }
func (e *errSkipMessage) Unwrap() error { return e.err }

// SkipMessage marks err as affecting only the message identified by ref.
func SkipMessage(ref string, err error) error {
	return &errSkipMessage{ref: ref, err: err}
}

// Fetch is a lazy, finite stream of raw messages bound to an open session.
// It can be iterated once; it yields nothing after its session is closed.
type Fetch struct {
	total  int
	pull   func() (RawMessage, error)
	finish func() error
	logger *log.Logger

	mu       sync.Mutex
	consumed bool
	skipped  int
	err      error
}

// NewFetch builds a Fetch around pull. pull returns io.EOF at the end of
// the stream; errors built with SkipMessage drop one message and keep
// going. finish, when set, runs once after iteration stops.
func NewFetch(total int, pull func() (RawMessage, error), finish func() error, logger *log.Logger) *Fetch {
	return &Fetch{total: total, pull: pull, finish: finish, logger: logger}
}

// emptyFetch returns a Fetch that yields nothing.
func emptyFetch() *Fetch {
	return NewFetch(0, func() (RawMessage, error) { return RawMessage{}, io.EOF }, nil, nil)
}

// Total is the number of messages the server reported for the fetch,
// after the limit was applied.
func (f *Fetch) Total() int { return f.total }

// Skipped is the number of messages that could not be retrieved.
func (f *Fetch) Skipped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

// Err returns the error that ended the stream early, if any.
func (f *Fetch) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// All streams the messages in server order. Messages that fail
// individually are skipped and counted; a stream-level failure stops the
// iteration and is reported by Err.
func (f *Fetch) All() iter.Seq[RawMessage] {
	return func(yield func(RawMessage) bool) {
		f.mu.Lock()
		if f.consumed {
			f.err = ErrFetchConsumed
			f.mu.Unlock()
			return
		}
		f.consumed = true
		f.mu.Unlock()

		defer f.close()

		for {
			msg, err := f.pull()
			if errors.Is(err, io.EOF) {
				return
			}
			var skip *errSkipMessage
			if errors.As(err, &skip) {
				f.mu.Lock()
				f.skipped++
				f.mu.Unlock()
				if f.logger != nil {
					f.logger.Warn("skipping message", "ref", skip.ref, "error", skip.err)
				}
				continue
			}
			if err != nil {
				f.mu.Lock()
				f.err = err
				f.mu.Unlock()
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

func (f *Fetch) close() {
	if f.finish == nil {
		return
	}
	if err := f.finish(); err != nil {
		f.mu.Lock()
		if f.err == nil {
			f.err = err
		}
		f.mu.Unlock()
	}
}

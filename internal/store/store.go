package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/jobmail/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// JobFilter controls filtering, sorting, and pagination for job queries.
type JobFilter struct {
	Platform *model.Platform
	Status   *string
	Query    *string // search title + company
	Since    *time.Time
	SortDesc bool
	Limit    int
	Offset   int
}

// Store defines the persistence interface for mailboxes, extracted jobs
// and ingestion progress.
type Store interface {
	// === Mailboxes ===

	SaveMailbox(ctx context.Context, cred model.MailboxCredential, filters model.FilterSet) error
	GetMailbox(ctx context.Context, userID string) (model.MailboxCredential, model.FilterSet, error)
	SetMailboxActive(ctx context.Context, userID string, active bool) error
	DeleteMailbox(ctx context.Context, userID string) error
	ListActiveUsers(ctx context.Context) ([]string, error)

	// === Jobs ===

	HasJob(ctx context.Context, userID, sourceMessageID string) (bool, error)
	UpsertJob(ctx context.Context, userID string, job model.ExtractedJob) (*model.JobRecord, error)
	GetJobs(ctx context.Context, userID string, filter JobFilter) ([]model.JobRecord, error)
	SetJobStatus(ctx context.Context, userID, id, status string) error

	// === Progress ===

	GetHighWaterMark(ctx context.Context, userID string) (time.Time, error)
	SetHighWaterMark(ctx context.Context, userID string, mark time.Time) error

	Close() error
}

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/jobmail/internal/model"
)

// jobRow mirrors the jobs table for sqlx struct scanning.
type jobRow struct {
	ID              string    `db:"id"`
	UserID          string    `db:"user_id"`
	SourceMessageID string    `db:"source_message_id"`
	Title           string    `db:"title"`
	Company         string    `db:"company"`
	Location        string    `db:"location"`
	SalaryMin       *int      `db:"salary_min"`
	SalaryMax       *int      `db:"salary_max"`
	SalaryRange     string    `db:"salary_range"`
	Description     string    `db:"description"`
	URL             string    `db:"url"`
	Platform        string    `db:"platform"`
	Status          string    `db:"status"`
	PostedAt        time.Time `db:"posted_at"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r jobRow) record() model.JobRecord {
	return model.JobRecord{
		ExtractedJob: model.ExtractedJob{
			Title:           r.Title,
			Company:         r.Company,
			Location:        r.Location,
			SalaryMin:       r.SalaryMin,
			SalaryMax:       r.SalaryMax,
			SalaryRangeText: r.SalaryRange,
			Description:     r.Description,
			URL:             r.URL,
			Platform:        model.ParsePlatform(r.Platform),
			PostedAt:        r.PostedAt,
			SourceMessageID: r.SourceMessageID,
		},
		ID:        r.ID,
		UserID:    r.UserID,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const jobColumns = `
	id, user_id, source_message_id, title, company, location,
	salary_min, salary_max, salary_range, description, url, platform,
	status, posted_at, created_at, updated_at`

// HasJob reports whether a job from sourceMessageID is already stored
// for userID.
func (s *SQLiteStore) HasJob(ctx context.Context, userID, sourceMessageID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM jobs WHERE user_id = ? AND source_message_id = ?
		)`, userID, sourceMessageID)
	if err != nil {
		return false, fmt.Errorf("checking job %s: %w", sourceMessageID, err)
	}
	return exists, nil
}

// UpsertJob inserts job for userID, or refreshes the extracted fields of
// the row with the same source message. Status and ID survive updates.
func (s *SQLiteStore) UpsertJob(
	ctx context.Context,
	userID string,
	job model.ExtractedJob,
) (*model.JobRecord, error) {
	if !job.Valid() {
		return nil, fmt.Errorf("job title and company must not be empty")
	}
	if strings.TrimSpace(job.SourceMessageID) == "" {
		return nil, fmt.Errorf("job source message id must not be empty")
	}
	if job.Platform == "" {
		job.Platform = model.PlatformOther
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, source_message_id) DO UPDATE SET
			title = excluded.title,
			company = excluded.company,
			location = excluded.location,
			salary_min = excluded.salary_min,
			salary_max = excluded.salary_max,
			salary_range = excluded.salary_range,
			description = excluded.description,
			url = excluded.url,
			platform = excluded.platform,
			posted_at = excluded.posted_at,
			updated_at = excluded.updated_at`,
		uuid.New().String(), userID, job.SourceMessageID,
		job.Title, job.Company, job.Location,
		job.SalaryMin, job.SalaryMax, job.SalaryRangeText,
		job.Description, job.URL, string(job.Platform),
		model.JobStatusAvailable, job.PostedAt.UTC(), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting job %s: %w", job.SourceMessageID, err)
	}

	var row jobRow
	err = tx.GetContext(ctx, &row,
		"SELECT"+jobColumns+" FROM jobs WHERE user_id = ? AND source_message_id = ?",
		userID, job.SourceMessageID)
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", job.SourceMessageID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing job %s: %w", job.SourceMessageID, err)
	}

	rec := row.record()
	return &rec, nil
}

// GetJobs retrieves the jobs of userID matching filter, newest posting
// last unless SortDesc is set.
func (s *SQLiteStore) GetJobs(
	ctx context.Context,
	userID string,
	filter JobFilter,
) ([]model.JobRecord, error) {
	conditions := []string{"user_id = ?"}
	args := []interface{}{userID}

	if filter.Platform != nil {
		conditions = append(conditions, "platform = ?")
		args = append(args, string(*filter.Platform))
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Query != nil && *filter.Query != "" {
		conditions = append(conditions, "(title LIKE ? OR company LIKE ?)")
		q := "%" + *filter.Query + "%"
		args = append(args, q, q)
	}
	if filter.Since != nil {
		conditions = append(conditions, "posted_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT" + jobColumns + " FROM jobs WHERE " + strings.Join(conditions, " AND ")

	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY posted_at %s, id %s", direction, direction)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}

	jobs := make([]model.JobRecord, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.record())
	}
	return jobs, nil
}

// SetJobStatus moves a stored job between available and applied.
func (s *SQLiteStore) SetJobStatus(ctx context.Context, userID, id, status string) error {
	switch status {
	case model.JobStatusAvailable, model.JobStatusApplied:
	default:
		return fmt.Errorf("invalid job status %q", status)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, updated_at = ? WHERE user_id = ? AND id = ?",
		status, s.now(), userID, id,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	return requireAffected(result, "job", id)
}

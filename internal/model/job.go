package model

import (
	"strings"
	"time"
)

// Platform is the job board a listing email originated from.
type Platform string

const (
	PlatformLinkedIn     Platform = "linkedin"
	PlatformIndeed       Platform = "indeed"
	PlatformBuiltIn      Platform = "builtin"
	PlatformZipRecruiter Platform = "ziprecruiter"
	PlatformOther        Platform = "other"
)

// ParsePlatform maps a stored platform name back to a Platform, falling
// back to PlatformOther for anything unrecognized.
func ParsePlatform(s string) Platform {
	switch p := Platform(strings.ToLower(s)); p {
	case PlatformLinkedIn, PlatformIndeed, PlatformBuiltIn, PlatformZipRecruiter:
		return p
	default:
		return PlatformOther
	}
}

// Job status values for stored records.
const (
	JobStatusAvailable = "available"
	JobStatusApplied   = "applied"
)

// ExtractedJob is a job posting pulled out of a message. Title and
// Company are always non-empty; every other field is best-effort.
type ExtractedJob struct {
	Title           string    `json:"title"`
	Company         string    `json:"company"`
	Location        string    `json:"location,omitempty"`
	SalaryMin       *int      `json:"salary_min,omitempty"`
	SalaryMax       *int      `json:"salary_max,omitempty"`
	SalaryRangeText string    `json:"salary_range,omitempty"`
	Description     string    `json:"description,omitempty"`
	URL             string    `json:"url,omitempty"`
	Platform        Platform  `json:"platform"`
	PostedAt        time.Time `json:"posted_at"`
	SourceMessageID string    `json:"source_message_id"`
}

// Valid reports whether the job carries the minimum required fields.
func (j ExtractedJob) Valid() bool {
	return strings.TrimSpace(j.Title) != "" && strings.TrimSpace(j.Company) != ""
}

// JobRecord is an ExtractedJob as persisted for a user.
type JobRecord struct {
	ExtractedJob

	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Package extract classifies job-alert mail by platform and pulls a
// structured job posting out of its body with ordered heuristic cascades.
package extract

import (
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nhle/jobmail/internal/model"
)

// Field names a cascade that can be replaced with WithCascade.
type Field string

const (
	FieldTitle       Field = "title"
	FieldCompany     Field = "company"
	FieldLocation    Field = "location"
	FieldDescription Field = "description"
	FieldURL         Field = "url"
)

// Extractor turns normalized messages into job postings. It is safe for
// concurrent use.
type Extractor struct {
	logger   *log.Logger
	cascades map[Field]Cascade
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger used for extraction misses.
func WithLogger(logger *log.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCascade replaces the strategies used for one field.
func WithCascade(field Field, c Cascade) Option {
	return func(e *Extractor) {
		if len(c) > 0 {
			e.cascades[field] = c
		}
	}
}

// New returns an Extractor using the default cascades.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		logger: log.Default(),
		cascades: map[Field]Cascade{
			FieldTitle:       DefaultTitle(),
			FieldCompany:     DefaultCompany(),
			FieldLocation:    DefaultLocation(),
			FieldDescription: DefaultDescription(),
			FieldURL:         DefaultURL(),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract pulls a job posting from msg. It returns nil unless both a
// title and a company were found; every other field is best-effort.
func (e *Extractor) Extract(msg model.NormalizedMessage, platform model.Platform) *model.ExtractedJob {
	text := content(msg)
	if strings.TrimSpace(text) == "" {
		e.logger.Debug("extraction miss: empty message", "message_id", msg.MessageID)
		return nil
	}

	title, _ := e.cascades[FieldTitle].Run(text)
	company, _ := e.cascades[FieldCompany].Run(text)
	if title == "" || company == "" {
		e.logger.Debug("extraction miss",
			"message_id", msg.MessageID,
			"platform", platform,
			"has_title", title != "",
			"has_company", company != "",
		)
		return nil
	}

	job := &model.ExtractedJob{
		Title:           title,
		Company:         company,
		Platform:        platform,
		PostedAt:        msg.ReceivedAt,
		SourceMessageID: msg.MessageID,
	}
	job.Location, _ = e.cascades[FieldLocation].Run(text)
	job.Description, _ = e.cascades[FieldDescription].Run(text)
	job.URL, _ = e.cascades[FieldURL].Run(text)

	if salary, ok := ExtractSalary(text); ok {
		job.SalaryMin = salary.Min
		job.SalaryMax = salary.Max
		job.SalaryRangeText = salary.Text
	}

	return job
}

// ExtractAll classifies and extracts every message, keeping only valid
// postings.
func (e *Extractor) ExtractAll(msgs []model.NormalizedMessage) []model.ExtractedJob {
	var jobs []model.ExtractedJob
	for _, msg := range msgs {
		if job := e.Extract(msg, Classify(msg)); job != nil {
			jobs = append(jobs, *job)
		}
	}
	return jobs
}

var jobKeywords = []string{
	"job", "position", "role", "opening", "opportunity", "career",
	"hiring", "employment", "vacancy", "application", "interview",
}

// IsJobEmail reports whether the subject or body mentions any job-related
// keyword. It is a cheap gate run before extraction.
func IsJobEmail(msg model.NormalizedMessage) bool {
	return containsAny(strings.ToLower(msg.Subject), jobKeywords) ||
		containsAny(strings.ToLower(content(msg)), jobKeywords)
}

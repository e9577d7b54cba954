package model

import "time"

// NormalizedMessage is a decoded, provider-agnostic email. From and To are
// bare addresses. At least one of Subject, BodyText or BodyHTML is set.
type NormalizedMessage struct {
	MessageID   string       `json:"message_id"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Subject     string       `json:"subject"`
	ReceivedAt  time.Time    `json:"received_at"`
	BodyText    string       `json:"body_text,omitempty"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Content is the normalized body used for classification and
	// extraction: the plain-text part when present, otherwise the HTML
	// part stripped of tags, otherwise the subject.
	Content string `json:"-"`

	// InternalDate is the server-side arrival time, used for the
	// high-water mark. Zero when the server did not report one.
	InternalDate time.Time `json:"-"`
}

// Attachment holds metadata about a message attachment. Content is not kept.
type Attachment struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MIMEType string `json:"mime_type"`
}

// FilterSet holds the sender and subject allow-lists for a mailbox.
// An empty list matches everything.
type FilterSet struct {
	SenderPatterns  []string `json:"sender_patterns" mapstructure:"sender_patterns"`
	SubjectPatterns []string `json:"subject_patterns" mapstructure:"subject_patterns"`
}

package model

import "time"

// IngestResult summarizes one ingestion cycle for a mailbox.
type IngestResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`

	// Duplicates is the subset of Skipped that was already stored.
	Duplicates int `json:"duplicates"`

	// Fetched is the number of messages retrieved from the server.
	Fetched int `json:"fetched"`

	// HighWaterMark is the mark in effect after the cycle.
	HighWaterMark time.Time `json:"high_water_mark"`

	// TimedOut is set when the cycle deadline expired mid-batch.
	TimedOut bool `json:"timed_out"`

	// Err is set for connection-level failures and for batches that
	// could not be completed. ErrorKind and Message classify it for
	// display.
	Err       error  `json:"-"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

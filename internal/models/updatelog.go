package models

import (
	"time"
)

// UpdateLogStatus is the terminal state of an aggregation run.
type UpdateLogStatus string

const (
	UpdateLogCompleted UpdateLogStatus = "completed"
	UpdateLogFailed    UpdateLogStatus = "failed"
)

// UpdateLogEntry is one audit record of an aggregation or gap-fill run:
// which timeframe pair it touched, over what range, how many records it
// wrote, and how it ended.
type UpdateLogEntry struct {
	ID              string          `json:"id" db:"id"`
	Operation       string          `json:"operation" db:"operation"`
	Code            string          `json:"code" db:"code"`
	ItemType        string          `json:"item_type" db:"item_type"`
	SourceTimeframe string          `json:"source_timeframe" db:"source_timeframe"`
	TargetTimeframe string          `json:"target_timeframe" db:"target_timeframe"`
	RangeStart      time.Time       `json:"range_start" db:"range_start"`
	RangeEnd        time.Time       `json:"range_end" db:"range_end"`
	RecordsWritten  int             `json:"records_written" db:"records_written"`
	Status          UpdateLogStatus `json:"status" db:"status"`
	Error           string          `json:"error,omitempty" db:"error"`
	Duration        time.Duration   `json:"duration" db:"duration"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
}

// Validate checks the structural invariants of an update-log entry.
func (e *UpdateLogEntry) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "id cannot be empty"}
	}
	if e.Operation == "" {
		return &ValidationError{Field: "operation", Message: "operation cannot be empty"}
	}
	if e.Status != UpdateLogCompleted && e.Status != UpdateLogFailed {
		return &ValidationError{Field: "status", Message: "status must be completed or failed"}
	}
	if e.RangeEnd.Before(e.RangeStart) {
		return &ValidationError{Field: "range_end", Message: "range end must not precede range start"}
	}
	return nil
}

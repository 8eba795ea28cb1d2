// Package output provides JSONL output for step runs.
//
// Output is structured as typed record envelopes containing state changes,
// progress updates, errors and a final summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: cvflow.<type>.v<version>
const (
	// TypeState identifies orchestrator state transition records.
	TypeState = "cvflow.state.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "cvflow.progress.v1"

	// TypeError identifies error records.
	TypeError = "cvflow.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "cvflow.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field.
type Record struct {
	// Type identifies the record type (e.g., "cvflow.progress.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates all records of one CLI invocation.
	RunID string `json:"run_id"`

	// Flow and Step identify the step being run.
	Flow string `json:"flow"`
	Step string `json:"step"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// StateRecord is the data payload for state transitions.
type StateRecord struct {
	From      string `json:"from"`
	To        string `json:"to"`
	SessionID string `json:"session_id,omitempty"`
}

// ProgressRecord is the data payload for progress updates.
type ProgressRecord struct {
	SessionID string `json:"session_id,omitempty"`

	// Current and Total are the raw counts reported by the backend.
	Current int `json:"current"`
	Total   int `json:"total"`

	// Percent is the displayed value; see Indeterminate.
	Percent       int  `json:"percent"`
	Indeterminate bool `json:"indeterminate,omitempty"`

	// StatusText is the backend message, shown verbatim.
	StatusText string `json:"status_text,omitempty"`

	// Filename is the file currently being processed, if any.
	Filename string `json:"current_filename,omitempty"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// SessionID is the session the error relates to, if any.
	SessionID string `json:"session_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeValidation     = "VALIDATION"
	ErrCodeMissingSession = "MISSING_SESSION"
	ErrCodeStartFailed    = "START_FAILED"
	ErrCodeExpired        = "SESSION_EXPIRED"
	ErrCodeJobFailed      = "JOB_FAILED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInterrupted    = "INTERRUPTED"
	ErrCodeInternal       = "INTERNAL"
)

// SummaryRecord is the data payload for the final summary.
type SummaryRecord struct {
	SessionID string `json:"session_id,omitempty"`

	// State is the final orchestrator state.
	State string `json:"state"`

	// NextRoute is the route navigated to on success.
	NextRoute string `json:"next_route,omitempty"`

	// Polls is the number of progress requests issued.
	Polls uint64 `json:"polls"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// ReportLocation is where an exported report was stored.
	ReportLocation string `json:"report_location,omitempty"`

	// Error is the failure message, empty on success.
	Error string `json:"error,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

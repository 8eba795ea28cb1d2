package jobclient

import (
	"encoding/json"
	"strings"

	"github.com/3leaps/cvflow/pkg/upload"
)

// StartStatus is the job-start outcome reported by the backend.
type StartStatus string

const (
	// StartStatusStarted means a new job was created for the session.
	StartStatusStarted StartStatus = "started"

	// StartStatusAlreadyRunning means an earlier submission is still in
	// flight. Callers resume polling instead of failing.
	StartStatusAlreadyRunning StartStatus = "already_running"
)

// StartResult is the decoded job-start response.
type StartResult struct {
	Status     StartStatus `json:"status"`
	TotalItems int         `json:"total_items,omitempty"`

	// Meta holds the full response body for step-specific fields.
	Meta map[string]any `json:"-"`
}

// Resumed reports whether the backend attached to an existing job.
func (r *StartResult) Resumed() bool {
	return r != nil && r.Status == StartStatusAlreadyRunning
}

// Payload is the step-specific body sent to a job-start endpoint.
//
// When Files is empty the payload is sent as JSON with session_id merged
// into Fields. Otherwise it is sent as multipart/form-data.
type Payload struct {
	Fields map[string]any
	Files  []upload.File
}

// Endpoints locates the three backend operations of one step.
//
// Progress and Result may contain a {session_id} placeholder; otherwise the
// escaped session id is appended as the last path segment.
type Endpoints struct {
	Start    string `yaml:"start" json:"start"`
	Progress string `yaml:"progress" json:"progress"`
	Result   string `yaml:"result,omitempty" json:"result,omitempty"`
}

// Snapshot is one observation of a job's progress.
type Snapshot struct {
	Current    int             `json:"current"`
	Total      int             `json:"total"`
	StatusText string          `json:"status_text"`
	Filename   string          `json:"current_filename,omitempty"`
	Complete   bool            `json:"complete"`
	Errored    bool            `json:"errored"`
	Errors     []string        `json:"errors,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`

	// NoUpdate marks the sentinel returned for a transient poll failure.
	// Callers keep polling.
	NoUpdate bool `json:"-"`

	// Cause is the *TransientPollError behind a NoUpdate snapshot.
	Cause error `json:"-"`
}

// Terminal reports whether the snapshot ends the job.
func (s Snapshot) Terminal() bool {
	return !s.NoUpdate && (s.Complete || s.Errored)
}

// FailureMessage returns the backend-provided reason for an errored job.
func (s Snapshot) FailureMessage() string {
	if msg := strings.TrimSpace(s.StatusText); msg != "" {
		return msg
	}
	if len(s.Errors) > 0 {
		return strings.Join(s.Errors, "; ")
	}
	return "analysis failed"
}

// progressResponse is the wire shape of the progress endpoint.
type progressResponse struct {
	Complete bool   `json:"complete"`
	Status   string `json:"status"`
	Progress struct {
		Current         int    `json:"current"`
		Total           int    `json:"total"`
		Status          string `json:"status"`
		CurrentFilename string `json:"current_filename,omitempty"`
	} `json:"progress"`
	Summary json.RawMessage `json:"summary,omitempty"`
	Errors  []string        `json:"errors,omitempty"`
}

func (r progressResponse) snapshot() Snapshot {
	current := r.Progress.Current
	if current < 0 {
		current = 0
	}
	total := r.Progress.Total
	if total < 0 {
		total = 0
	}
	return Snapshot{
		Current:    current,
		Total:      total,
		StatusText: r.Progress.Status,
		Filename:   r.Progress.CurrentFilename,
		Complete:   r.Complete,
		Errored:    strings.EqualFold(strings.TrimSpace(r.Status), "error"),
		Errors:     r.Errors,
		Summary:    r.Summary,
	}
}

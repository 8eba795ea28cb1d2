// Package runlog keeps a history of step runs on disk.
package runlog

import "time"

// State is the lifecycle state of a recorded run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type State string

const (
	StateRunning   State = "running"
	StateNavigated State = "navigated"
	StateFailed    State = "failed"
	StateIdle      State = "idle"
	StateUnknown   State = "unknown"
)

// Record is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	RunID     string    `json:"run_id"`
	Flow      string    `json:"flow"`
	Step      string    `json:"step"`
	SessionID string    `json:"session_id,omitempty"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Polls          uint64     `json:"polls,omitempty"`
	NextRoute      string     `json:"next_route,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	Error          string     `json:"error,omitempty"`
	ReportLocation string     `json:"report_location,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r Record) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.CreatedAt)
}

package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3leaps/cvflow/pkg/jobclient"
)

// State is the lifecycle state of a JobHandle.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateError    State = "error"
	StateExpired  State = "expired"
)

// Terminal reports whether no further polling happens from s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateExpired
}

// ErrInvalidTransition is returned when a handle is asked to move backward
// or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// transitions lists the allowed forward edges. Idle may go straight to
// running when a job is resumed without a start call.
var transitions = map[State][]State{
	StateIdle:     {StateStarting, StateRunning},
	StateStarting: {StateRunning, StateError, StateExpired},
	StateRunning:  {StateComplete, StateError, StateExpired},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobHandle tracks one in-flight backend job.
//
// JobHandle is safe for concurrent use. A fresh handle is required for each
// user-initiated start; terminal handles are never reused.
type JobHandle struct {
	mu        sync.Mutex
	sessionID string
	status    State
	startedAt time.Time
	last      jobclient.Snapshot
}

// NewJobHandle creates an idle handle for sessionID.
func NewJobHandle(sessionID string) *JobHandle {
	return &JobHandle{sessionID: sessionID, status: StateIdle}
}

// SessionID returns the session the job belongs to.
func (h *JobHandle) SessionID() string {
	return h.sessionID
}

// Status returns the current lifecycle state.
func (h *JobHandle) Status() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// StartedAt returns when the handle entered the running state.
// It is the zero time before that.
func (h *JobHandle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// LastProgress returns the most recently observed snapshot.
func (h *JobHandle) LastProgress() jobclient.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// MarkStarting records that the job-start call is in flight.
func (h *JobHandle) MarkStarting() error {
	return h.transition(StateStarting)
}

// MarkStartFailed records that the job-start call failed.
func (h *JobHandle) MarkStartFailed() error {
	return h.transition(StateError)
}

func (h *JobHandle) transition(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !canTransition(h.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.status, to)
	}
	h.status = to
	if to == StateRunning {
		h.startedAt = time.Now()
	}
	return nil
}

func (h *JobHandle) observe(s jobclient.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = s
}

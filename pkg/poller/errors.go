package poller

import (
	"errors"
	"fmt"

	"github.com/3leaps/cvflow/pkg/jobclient"
)

var (
	// ErrWatchdogTimeout is reported when a job reaches no terminal state
	// within Config.Timeout.
	ErrWatchdogTimeout = errors.New("timed out")

	// ErrAlreadyStarted is returned by Start on a running controller.
	ErrAlreadyStarted = errors.New("poller already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("poller stopped")
)

// JobFailedError reports that the backend marked the job as errored.
// Error returns the backend-provided message verbatim.
type JobFailedError struct {
	SessionID string
	Message   string
	Snapshot  jobclient.Snapshot
}

func (e *JobFailedError) Error() string {
	return e.Message
}

// IsJobFailed returns true if err is a backend-reported job failure.
func IsJobFailed(err error) bool {
	var jfe *JobFailedError
	return errors.As(err, &jfe)
}

// IsWatchdogTimeout returns true if err came from the watchdog.
func IsWatchdogTimeout(err error) bool {
	return errors.Is(err, ErrWatchdogTimeout)
}

func newJobFailed(sessionID string, s jobclient.Snapshot) *JobFailedError {
	return &JobFailedError{SessionID: sessionID, Message: s.FailureMessage(), Snapshot: s}
}

// unexpectedPollError wraps a poll failure that is neither transient nor
// an expiry.
func unexpectedPollError(sessionID string, err error) error {
	return fmt.Errorf("poll session %s: %w", sessionID, err)
}

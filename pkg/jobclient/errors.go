package jobclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrSessionExpired is matched by SessionExpiredError via errors.Is.
var ErrSessionExpired = errors.New("session expired")

// Error codes returned by Classify.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeStartFailed = "START_FAILED"
	ErrCodeInternal    = "INTERNAL"
)

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
}

// SessionExpiredError reports that the backend no longer knows the session
// or its job (HTTP 404 or 410).
type SessionExpiredError struct {
	SessionID string
	Op        string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("%s: session %s expired or not found", e.Op, e.SessionID)
}

func (e *SessionExpiredError) Is(target error) bool {
	return target == ErrSessionExpired
}

// StartFailedError reports that the job-start call itself failed.
// The attempt can be retried.
type StartFailedError struct {
	SessionID string
	Err       error
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("start job for session %s: %v", e.SessionID, e.Err)
}

func (e *StartFailedError) Unwrap() error {
	return e.Err
}

// TransientPollError is a recoverable poll failure: a timeout, an abort,
// a connection error, a 5xx or an undecodable body.
type TransientPollError struct {
	SessionID string
	Err       error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("poll session %s: %v", e.SessionID, e.Err)
}

func (e *TransientPollError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a timeout or abort.
func (e *TransientPollError) Timeout() bool {
	return isTimeout(e.Err)
}

// IsSessionExpired returns true if err indicates a 404 for the session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// IsStartFailed returns true if err came from a failed job-start call.
func IsStartFailed(err error) bool {
	var sfe *StartFailedError
	return errors.As(err, &sfe)
}

// IsTransient returns true if err is a recoverable poll failure.
func IsTransient(err error) bool {
	var tpe *TransientPollError
	return errors.As(err, &tpe)
}

// Classify maps an error to a stable, machine-readable code.
func Classify(err error) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return ""
	case IsSessionExpired(err):
		return ErrCodeNotFound
	case IsStartFailed(err):
		return ErrCodeStartFailed
	case isTimeout(err):
		return ErrCodeTimeout
	case errors.As(err, &httpErr) && (httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests):
		return ErrCodeUnavailable
	case IsTransient(err):
		return ErrCodeUnavailable
	default:
		return ErrCodeInternal
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

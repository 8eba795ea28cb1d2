package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/cvflow/pkg/jobclient"
	"github.com/3leaps/cvflow/pkg/output"
	"github.com/3leaps/cvflow/pkg/poller"
	"github.com/3leaps/cvflow/pkg/session"
	"github.com/3leaps/cvflow/pkg/step"
)

// Process exit codes. Values above 63 follow sysexits.h.
const (
	ExitSuccess                    = 0
	ExitFailure                    = 1
	ExitJobFailed                  = 3
	ExitSessionExpired             = 4
	ExitInvalidArgument            = 64
	ExitFileNotFound               = 66
	ExitExternalServiceUnavailable = 69
	ExitFileWriteError             = 73
	ExitConfigError                = 78
	ExitTimeout                    = 124
	ExitSignalInt                  = 130
)

// ExitError carries the exit code a failed command should terminate with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

// outcomeExit maps the error that ended a step attempt to an exit error.
func outcomeExit(err error) error {
	switch {
	case err == nil:
		return nil
	case step.IsValidation(err):
		return exitError(ExitInvalidArgument, "Invalid form", err)
	case session.IsMissing(err):
		return exitError(ExitSessionExpired, "No session", err)
	case jobclient.IsSessionExpired(err):
		return exitError(ExitSessionExpired, "Session expired", err)
	case jobclient.IsStartFailed(err):
		return exitError(ExitExternalServiceUnavailable, "Job start failed", err)
	case poller.IsWatchdogTimeout(err):
		return exitError(ExitTimeout, "Job timed out", err)
	case poller.IsJobFailed(err):
		return exitError(ExitJobFailed, "Job failed", err)
	case errors.Is(err, step.ErrInterrupted), errors.Is(err, context.Canceled):
		return exitError(ExitSignalInt, "Interrupted", err)
	default:
		return exitError(ExitFailure, "Step failed", err)
	}
}

// errorCode maps the same errors to JSONL error codes.
func errorCode(err error) string {
	switch {
	case step.IsValidation(err):
		return output.ErrCodeValidation
	case session.IsMissing(err):
		return output.ErrCodeMissingSession
	case jobclient.IsSessionExpired(err):
		return output.ErrCodeExpired
	case jobclient.IsStartFailed(err):
		return output.ErrCodeStartFailed
	case poller.IsWatchdogTimeout(err):
		return output.ErrCodeTimeout
	case poller.IsJobFailed(err):
		return output.ErrCodeJobFailed
	case errors.Is(err, step.ErrInterrupted), errors.Is(err, context.Canceled):
		return output.ErrCodeInterrupted
	default:
		return output.ErrCodeInternal
	}
}

package step

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrBusy is returned by Submit while an attempt is in flight.
	ErrBusy = errors.New("a submission is already in progress")

	// ErrUnmounted is returned once the orchestrator has been unmounted.
	ErrUnmounted = errors.New("step unmounted")

	// ErrInterrupted reports that polling stopped without a terminal state,
	// e.g. because the context was cancelled or another controller took
	// over the session.
	ErrInterrupted = errors.New("polling stopped before the job finished")
)

// ValidationError lists field-level problems with a submitted form.
type ValidationError struct {
	// Fields maps a field, consent or "files" to its message.
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, e.Fields[k]))
	}
	return "invalid form: " + strings.Join(parts, "; ")
}

// IsValidation returns true if err is a form validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

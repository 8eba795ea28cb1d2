// Package errors defines the JSON error envelope served by the simulated
// backend and helpers to write it.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Standard error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorEnvelope is the body of every error response.
type ErrorEnvelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewErrorEnvelope creates an envelope with code and message.
func NewErrorEnvelope(code, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: message}
}

// WithCorrelationID sets the request id echoed to the caller.
func (e *ErrorEnvelope) WithCorrelationID(id string) *ErrorEnvelope {
	e.RequestID = id
	return e
}

// WithContext attaches details. Details must be JSON-encodable.
func (e *ErrorEnvelope) WithContext(details map[string]any) (*ErrorEnvelope, error) {
	if _, err := json.Marshal(details); err != nil {
		return e, fmt.Errorf("error details are not serializable: %w", err)
	}
	e.Details = details
	return e, nil
}

// HTTPErrorResponse wraps an envelope as {"error": {...}}.
type HTTPErrorResponse struct {
	Error ErrorEnvelope `json:"error"`
}

// HTTPError is an error that knows its HTTP status.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// NotFound returns a 404 error.
func NotFound(message string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// BadRequest returns a 400 error.
func BadRequest(message string) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message}
}

// Conflict returns a 409 error.
func Conflict(message string) *HTTPError {
	return &HTTPError{Status: http.StatusConflict, Code: CodeConflict, Message: message}
}

// Internal wraps err as a 500 error.
func Internal(err error) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeForStatus maps a status to its default error code.
func CodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusMethodNotAllowed:
		return CodeMethodNotAllowed
	case http.StatusConflict:
		return CodeConflict
	case http.StatusServiceUnavailable:
		return CodeServiceUnavailable
	default:
		return CodeInternal
	}
}

type requestIDKey struct{}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored on ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteEnvelope writes env with status.
func WriteEnvelope(w http.ResponseWriter, status int, env *ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: *env})
}

// RespondWithError writes err as an error envelope. An *HTTPError keeps its
// status and code; anything else becomes a 500 without leaking details.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	env := NewErrorEnvelope(CodeInternal, "internal error")

	var he *HTTPError
	if stderrors.As(err, &he) {
		status = he.Status
		code := he.Code
		if code == "" {
			code = CodeForStatus(status)
		}
		env = NewErrorEnvelope(code, he.Message)
		env.Details = he.Details
	}
	if r != nil {
		env.WithCorrelationID(RequestIDFromContext(r.Context()))
	}
	WriteEnvelope(w, status, env)
}

package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/cvflow/internal/errors"
)

// ErrorResponse is the JSON body of an error reply.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 error envelope and logs it with
// the stack. A nil logger discards the log entry.
func Recovery(l *zap.Logger) func(http.Handler) http.Handler {
	if l == nil {
		l = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := GetRequestID(r.Context())
				l.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("request_id", requestID),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				env := apperrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).
					WithCorrelationID(requestID)
				apperrors.WriteEnvelope(w, http.StatusInternalServerError, env)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

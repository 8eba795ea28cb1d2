package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/3leaps/cvflow/internal/errors"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorEnvelope {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestRecovery(t *testing.T) {
	t.Run("passes through", func(t *testing.T) {
		h := Recovery(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"started"}`))
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/candidate/analyze", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"started"}`, rec.Body.String())
	})

	t.Run("panic becomes envelope and log entry", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		h := RequestID(Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("progress store corrupted")
		})))

		req := httptest.NewRequest(http.MethodGet, "/api/candidate/analysis-progress/s-1", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() { h.ServeHTTP(rec, req) })

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.Equal(t, apperrors.CodeInternal, env.Code)
		assert.Contains(t, env.Message, "progress store corrupted")
		assert.Equal(t, "req-42", env.RequestID)

		require.Equal(t, 1, logs.Len())
		entry := logs.All()[0]
		assert.Equal(t, "handler panic", entry.Message)
		assert.Equal(t, "req-42", entry.ContextMap()["request_id"])
		assert.Equal(t, "/api/candidate/analysis-progress/s-1", entry.ContextMap()["path"])
	})

	t.Run("error value panic", func(t *testing.T) {
		h := Recovery(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(assert.AnError)
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, apperrors.CodeInternal, decodeEnvelope(t, rec).Code)
	})

	t.Run("abort handler is re-raised", func(t *testing.T) {
		h := Recovery(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})
}

func TestRequestID_AssignsAndPropagates(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("caller supplied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "abc", seen)
		assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
	})
}

func TestLogger_PassesThrough(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := Logger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/interviewer/extract-job", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.GreaterOrEqual(t, logs.Len(), 1)
}

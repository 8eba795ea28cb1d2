package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/cvflow/pkg/upload"
)

var testEndpoints = Endpoints{
	Start:    "/api/interviewer/analyze",
	Progress: "/api/interviewer/progress",
	Result:   "/api/interviewer/results/{session_id}",
}

func newTestJob(t *testing.T, h http.Handler, cfg Config) *Job {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	c, err := New(cfg)
	require.NoError(t, err)
	return c.Job(testEndpoints)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_ValidatesBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "http://localhost:8080"})
	require.NoError(t, err)
	assert.Equal(t, DefaultRequestTimeout, c.timeout)
	assert.Equal(t, DefaultUserAgent, c.userAgent)
	assert.Nil(t, c.limiter)
}

func TestJob_Start(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        any
		wantStatus  StartStatus
		wantResumed bool
		wantErr     string
	}{
		{
			name:       "started",
			status:     http.StatusOK,
			body:       map[string]any{"status": "started", "total_items": 3},
			wantStatus: StartStatusStarted,
		},
		{
			name:        "already running",
			status:      http.StatusOK,
			body:        map[string]any{"status": "already_running"},
			wantStatus:  StartStatusAlreadyRunning,
			wantResumed: true,
		},
		{
			name:    "unknown status",
			status:  http.StatusOK,
			body:    map[string]any{"status": "queued"},
			wantErr: "unexpected start status",
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    map[string]any{"error": "model unavailable"},
			wantErr: "model unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody map[string]any
			job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, testEndpoints.Start, r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				_ = json.NewDecoder(r.Body).Decode(&gotBody)
				writeJSON(w, tt.status, tt.body)
			}), Config{})

			res, err := job.Start(context.Background(), "sess-1", Payload{Fields: map[string]any{"job_title": "Go engineer"}})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, IsStartFailed(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, ErrCodeStartFailed, Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantResumed, res.Resumed())
			assert.Equal(t, "sess-1", gotBody["session_id"])
			assert.Equal(t, "Go engineer", gotBody["job_title"])
			assert.NotNil(t, res.Meta)
		})
	}
}

func TestJob_Start_RequiresSession(t *testing.T) {
	job := newTestJob(t, http.NotFoundHandler(), Config{})
	_, err := job.Start(context.Background(), " ", Payload{})
	require.Error(t, err)
	assert.True(t, IsStartFailed(err))
}

func TestJob_Start_Multipart(t *testing.T) {
	dir := t.TempDir()
	cvPath := filepath.Join(dir, "alice.pdf")
	require.NoError(t, os.WriteFile(cvPath, []byte("%PDF-1.7 test"), 0644))

	job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "sess-9", r.FormValue("session_id"))
		assert.Equal(t, "true", r.FormValue("consent"))

		files := r.MultipartForm.File["files"]
		require.Len(t, files, 1)
		assert.Equal(t, "alice.pdf", files[0].Filename)
		assert.Equal(t, "application/pdf", files[0].Header.Get("Content-Type"))

		f, err := files[0].Open()
		require.NoError(t, err)
		b, _ := io.ReadAll(f)
		_ = f.Close()
		assert.Equal(t, "%PDF-1.7 test", string(b))

		writeJSON(w, http.StatusOK, map[string]any{"status": "started", "total_items": 1})
	}), Config{})

	res, err := job.Start(context.Background(), "sess-9", Payload{
		Fields: map[string]any{"consent": true},
		Files:  []upload.File{{Path: cvPath, Name: "alice.pdf", ContentType: "application/pdf"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalItems)
}

func TestJob_Poll_DecodesProgress(t *testing.T) {
	job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/interviewer/progress/sess%201", r.URL.EscapedPath())
		writeJSON(w, http.StatusOK, map[string]any{
			"complete": false,
			"status":   "processing",
			"progress": map[string]any{"current": 2, "total": 5, "status": "Analyzing bob.pdf", "current_filename": "bob.pdf"},
		})
	}), Config{})

	snap, err := job.Poll(context.Background(), "sess 1")
	require.NoError(t, err)
	assert.False(t, snap.NoUpdate)
	assert.Equal(t, 2, snap.Current)
	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, "Analyzing bob.pdf", snap.StatusText)
	assert.Equal(t, "bob.pdf", snap.Filename)
	assert.False(t, snap.Terminal())
}

func TestJob_Poll_ErrorStatus(t *testing.T) {
	job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"complete": false,
			"status":   "error",
			"progress": map[string]any{"current": 1, "total": 2, "status": ""},
			"errors":   []string{"bob.pdf: unreadable"},
		})
	}), Config{})

	snap, err := job.Poll(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, snap.Errored)
	assert.True(t, snap.Terminal())
	assert.Equal(t, "bob.pdf: unreadable", snap.FailureMessage())
}

func TestJob_Poll_NotFoundIsExpired(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, status, map[string]any{"error": "session not found"})
			}), Config{})

			_, err := job.Poll(context.Background(), "sess-1")
			require.Error(t, err)
			assert.True(t, IsSessionExpired(err))
			assert.Equal(t, ErrCodeNotFound, Classify(err))
		})
	}
}

func TestJob_Poll_AuthRejectedIsFatal(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, status, map[string]any{"error": "token revoked"})
			}), Config{})

			snap, err := job.Poll(context.Background(), "sess-1")
			require.Error(t, err)
			assert.False(t, snap.NoUpdate)
			assert.False(t, IsTransient(err))
			assert.False(t, IsSessionExpired(err))

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, status, httpErr.StatusCode)
			assert.Equal(t, ErrCodeInternal, Classify(err))
		})
	}
}

func TestJob_Poll_TransientFailures(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream"})
		}), Config{})

		snap, err := job.Poll(context.Background(), "sess-1")
		require.NoError(t, err)
		assert.True(t, snap.NoUpdate)
		assert.True(t, IsTransient(snap.Cause))
		assert.Equal(t, ErrCodeUnavailable, Classify(snap.Cause))
	})

	t.Run("garbage body", func(t *testing.T) {
		job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}), Config{})

		snap, err := job.Poll(context.Background(), "sess-1")
		require.NoError(t, err)
		assert.True(t, snap.NoUpdate)
	})

	t.Run("request timeout", func(t *testing.T) {
		release := make(chan struct{})
		job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}), Config{RequestTimeout: 20 * time.Millisecond})
		defer close(release)

		snap, err := job.Poll(context.Background(), "sess-1")
		require.NoError(t, err)
		assert.True(t, snap.NoUpdate)

		var tpe *TransientPollError
		require.True(t, errors.As(snap.Cause, &tpe))
		assert.True(t, tpe.Timeout())
		assert.Equal(t, ErrCodeTimeout, Classify(snap.Cause))
	})

	t.Run("caller cancellation is not swallowed", func(t *testing.T) {
		job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}), Config{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := job.Poll(ctx, "sess-1")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestJob_FetchResult(t *testing.T) {
	job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sess-3") {
			writeJSON(w, http.StatusGone, map[string]any{"error": "session evicted"})
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/sess-1") {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": "NOT_FOUND", "message": "gone"}})
			return
		}
		assert.Equal(t, "/api/interviewer/results/sess-1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"job_title": "Go engineer", "candidates": []any{}})
	}), Config{})

	var out struct {
		JobTitle string `json:"job_title"`
	}
	require.NoError(t, job.FetchResult(context.Background(), "sess-1", &out))
	assert.Equal(t, "Go engineer", out.JobTitle)

	err := job.FetchResult(context.Background(), "sess-2", &out)
	assert.True(t, IsSessionExpired(err))

	err = job.FetchResult(context.Background(), "sess-3", &out)
	assert.True(t, IsSessionExpired(err))
}

func TestClient_CreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/session", r.URL.Path)
		writeJSON(w, http.StatusCreated, map[string]any{"session_id": "abc-123"})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	id, err := c.CreateSession(context.Background(), "/api/session", map[string]any{"flow": "interviewer"})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestClient_RateLimit(t *testing.T) {
	var hits atomic.Int32
	job := newTestJob(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"complete": false, "progress": map[string]any{}})
	}), Config{RateLimit: 20})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := job.Poll(context.Background(), "sess-1")
		require.NoError(t, err)
	}
	// Burst of 1 at 20 req/s: the 2nd and 3rd request each wait ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, int32(3), hits.Load())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "plain", errorMessage([]byte(`{"error":"plain"}`)))
	assert.Equal(t, "nested", errorMessage([]byte(`{"error":{"code":"X","message":"nested"}}`)))
	assert.Equal(t, "top", errorMessage([]byte(`{"message":"top"}`)))
	assert.Equal(t, "not json", errorMessage([]byte("not json")))
	assert.Equal(t, "", errorMessage(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "", Classify(nil))
	assert.Equal(t, ErrCodeTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, ErrCodeUnavailable, Classify(&HTTPError{Op: "poll", StatusCode: 503}))
	assert.Equal(t, ErrCodeInternal, Classify(&HTTPError{Op: "poll", StatusCode: 400}))
	assert.Equal(t, ErrCodeInternal, Classify(errors.New("boom")))
}

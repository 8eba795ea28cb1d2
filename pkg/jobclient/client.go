// Package jobclient talks to the backend's asynchronous job endpoints.
//
// Each step of a flow drives one backend job through three calls:
//   - Start: kick off the job (or attach to one already running)
//   - Poll: read current progress once
//   - FetchResult: read the final payload after completion
//
// Poll never fails on transient network trouble. It returns a Snapshot
// with NoUpdate set so the caller can keep polling. A 404 is escalated as a
// SessionExpiredError.
package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestTimeout bounds a single HTTP request.
	DefaultRequestTimeout = 15 * time.Second

	// DefaultUserAgent identifies the client to the backend.
	DefaultUserAgent = "cvflow"

	maxErrorBody = 4 << 10
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend origin, e.g. "https://api.example.com".
	BaseURL string

	// RequestTimeout bounds each request. Default: 15s
	RequestTimeout time.Duration

	// RateLimit caps requests per second across all jobs of this client.
	// Zero means unlimited.
	RateLimit float64

	// UserAgent is sent on every request. Default: "cvflow"
	UserAgent string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client is a backend HTTP client shared by every step of a run.
//
// Client is safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	timeout   time.Duration
	userAgent string
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backend base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend base URL must be http or https: %s", raw)
	}

	c := &Client{
		base:      base,
		http:      &http.Client{},
		timeout:   cfg.RequestTimeout,
		userAgent: cfg.UserAgent,
		logger:    zap.NewNop(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Job binds the client to the endpoints of one step.
func (c *Client) Job(ep Endpoints) *Job {
	return &Job{client: c, endpoints: ep}
}

// CreateSession asks the backend for a new flow session and returns its id.
func (c *Client) CreateSession(ctx context.Context, path string, fields map[string]any) (string, error) {
	body := make(map[string]any, len(fields))
	for k, v := range fields {
		body[k] = v
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal session request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.resolve(path, ""), "application/json", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", httpError("create session", resp)
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("create session: backend returned an empty session_id")
	}
	return out.SessionID, nil
}

// Job runs the start/poll/result protocol against one step's endpoints.
type Job struct {
	client    *Client
	endpoints Endpoints
}

// Endpoints returns the step endpoints this job targets.
func (j *Job) Endpoints() Endpoints {
	return j.endpoints
}

// Start calls the job-start endpoint.
//
// Both "started" and "already_running" are success. Any other outcome is
// a *StartFailedError.
func (j *Job) Start(ctx context.Context, sessionID string, payload Payload) (*StartResult, error) {
	fail := func(err error) (*StartResult, error) {
		return nil, &StartFailedError{SessionID: sessionID, Err: err}
	}

	if err := validateSession(sessionID); err != nil {
		return fail(err)
	}
	body, contentType, err := encodePayload(sessionID, payload)
	if err != nil {
		return fail(err)
	}

	resp, err := j.client.do(ctx, http.MethodPost, j.client.resolve(j.endpoints.Start, ""), contentType, body)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(httpError("start", resp))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("read start response: %w", err))
	}

	var result StartResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fail(fmt.Errorf("decode start response: %w", err))
	}
	_ = json.Unmarshal(raw, &result.Meta)

	switch result.Status {
	case StartStatusStarted, StartStatusAlreadyRunning:
	default:
		return fail(fmt.Errorf("unexpected start status %q", result.Status))
	}

	j.client.logger.Debug("job start accepted",
		zap.String("session_id", sessionID),
		zap.String("status", string(result.Status)),
		zap.Int("total_items", result.TotalItems))

	return &result, nil
}

// Poll reads the job's progress once.
//
// Transient failures yield Snapshot{NoUpdate: true} and a nil error.
// A 404 or 410 yields a *SessionExpiredError. A 401 or 403 is returned
// as a plain *HTTPError, since retrying cannot fix it. Cancellation of
// ctx itself is returned as ctx.Err().
func (j *Job) Poll(ctx context.Context, sessionID string) (Snapshot, error) {
	transient := func(err error) (Snapshot, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Snapshot{}, ctxErr
		}
		tpe := &TransientPollError{SessionID: sessionID, Err: err}
		j.client.logger.Debug("transient poll failure",
			zap.String("session_id", sessionID),
			zap.Bool("timeout", tpe.Timeout()),
			zap.Error(err))
		return Snapshot{NoUpdate: true, Cause: tpe}, nil
	}

	resp, err := j.client.do(ctx, http.MethodGet, j.client.resolve(j.endpoints.Progress, sessionID), "", nil)
	if err != nil {
		return transient(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch code := resp.StatusCode; {
	case sessionGone(code):
		return Snapshot{}, &SessionExpiredError{SessionID: sessionID, Op: "poll"}
	case authRejected(code):
		return Snapshot{}, httpError("poll", resp)
	case code < 200 || code > 299:
		return transient(httpError("poll", resp))
	}

	var pr progressResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return transient(fmt.Errorf("decode progress response: %w", err))
	}
	return pr.snapshot(), nil
}

// FetchResult decodes the step's final payload into out.
func (j *Job) FetchResult(ctx context.Context, sessionID string, out any) error {
	if strings.TrimSpace(j.endpoints.Result) == "" {
		return fmt.Errorf("step has no result endpoint")
	}
	if err := validateSession(sessionID); err != nil {
		return fmt.Errorf("fetch result: %w", err)
	}

	resp, err := j.client.do(ctx, http.MethodGet, j.client.resolve(j.endpoints.Result, sessionID), "", nil)
	if err != nil {
		return fmt.Errorf("fetch result: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sessionGone(resp.StatusCode) {
		return &SessionExpiredError{SessionID: sessionID, Op: "fetch result"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpError("fetch result", resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (c *Client) resolve(path, sessionID string) string {
	path = strings.TrimSpace(path)
	if sessionID != "" {
		escaped := url.PathEscape(sessionID)
		if strings.Contains(path, "{session_id}") {
			path = strings.ReplaceAll(path, "{session_id}", escaped)
		} else {
			path = strings.TrimRight(path, "/") + "/" + escaped
		}
	}
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

func (c *Client) do(ctx context.Context, method, target, contentType string, body io.Reader) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the per-request timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func sessionGone(code int) bool {
	return code == http.StatusNotFound || code == http.StatusGone
}

func authRejected(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func httpError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(b)}
}

// errorMessage extracts a readable message from common error body shapes:
// {"error":"..."}, {"error":{"message":"..."}}, {"message":"..."}.
func errorMessage(b []byte) string {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return ""
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &body); err != nil {
		return trimmed
	}
	if raw, ok := body["error"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		var env struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			return env.Message
		}
	}
	if raw, ok := body["message"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	return trimmed
}

func encodePayload(sessionID string, p Payload) (io.Reader, string, error) {
	if len(p.Files) == 0 {
		body := make(map[string]any, len(p.Fields)+1)
		for k, v := range p.Fields {
			body[k] = v
		}
		body["session_id"] = sessionID
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("marshal payload: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("session_id", sessionID); err != nil {
		return nil, "", err
	}
	for k, v := range p.Fields {
		value, err := formValue(v)
		if err != nil {
			return nil, "", fmt.Errorf("encode field %s: %w", k, err)
		}
		if err := mw.WriteField(k, value); err != nil {
			return nil, "", err
		}
	}
	for _, f := range p.Files {
		if err := writeFilePart(mw, f.Path, f.Name, f.ContentType); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func writeFilePart(mw *multipart.Writer, path, name, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open upload %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, name))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy upload %s: %w", path, err)
	}
	return nil
}

func formValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case nil:
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var errNoSession = errors.New("session id is required")

func validateSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errNoSession
	}
	return nil
}

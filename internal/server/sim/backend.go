// Package sim simulates the analysis backend: sessions, long-running jobs
// whose progress advances with wall-clock time, and their results.
package sim

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/cvflow/pkg/report"
)

var (
	// ErrUnknownSession is returned for session ids the backend does not know.
	ErrUnknownSession = errors.New("session not found")

	// ErrNoJob is returned when a step has never been started for a session.
	ErrNoJob = errors.New("no job for this step")

	// ErrNotReady is returned when a result is requested before completion.
	ErrNotReady = errors.New("result not ready")
)

// Simulation directives read from the "simulate" form field.
const (
	SimulateError  = "error"
	SimulateExpire = "expire"
)

// DefaultStepDelay is the time taken per work item.
const DefaultStepDelay = time.Second

// phases label the work items of a job without uploaded files.
var phases = []string{
	"Reading input",
	"Extracting requirements",
	"Structuring results",
}

// StartRequest is the decoded body of a job-start call.
type StartRequest struct {
	Fields map[string]string
	Files  []string
}

// StartResponse is returned by StartJob.
type StartResponse struct {
	Status     string `json:"status"`
	SessionID  string `json:"session_id"`
	TotalItems int    `json:"total_items"`
}

// Progress is one observation of a job.
type Progress struct {
	Current  int
	Total    int
	Status   string
	Filename string
	Complete bool
	Errored  bool
	Errors   []string
	Summary  map[string]any
}

// State is the backend's coarse job state word.
func (p Progress) State() string {
	switch {
	case p.Errored:
		return "error"
	case p.Complete:
		return "complete"
	default:
		return "running"
	}
}

// Job is one simulated long-running job.
type Job struct {
	Step      string
	Kind      report.Kind
	Total     int
	StartedAt time.Time
	Fields    map[string]string
	Files     []string

	fail   bool
	failAt int
	expire bool
}

type session struct {
	id      string
	flow    string
	created time.Time
	fields  map[string]string
	jobs    map[string]*Job
}

// Option customizes a Backend.
type Option func(*Backend)

// WithStepDelay sets the time taken per work item.
func WithStepDelay(d time.Duration) Option {
	return func(b *Backend) {
		b.delay = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// Backend holds simulated sessions in memory.
//
// Backend is safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*session
	delay    time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		sessions: make(map[string]*session),
		delay:    DefaultStepDelay,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// CreateSession registers a new session for flow and returns its id.
func (b *Backend) CreateSession(flow string, fields map[string]string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	s := &session{
		id:      id,
		flow:    flow,
		created: b.now(),
		fields:  make(map[string]string),
		jobs:    make(map[string]*Job),
	}
	for k, v := range fields {
		s.fields[k] = v
	}
	b.sessions[id] = s

	b.logger.Debug("session created", zap.String("session_id", id), zap.String("flow", flow))
	return id
}

// HasSession reports whether id is a live session.
func (b *Backend) HasSession(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[id]
	return ok
}

// Expire forgets a session. Later calls for it return ErrUnknownSession.
func (b *Backend) Expire(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
}

// Sessions returns the number of live sessions.
func (b *Backend) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// StartJob starts the job of step for a session.
//
// If the step's previous job is still running the backend reports
// "already_running" and leaves it untouched.
func (b *Backend) StartJob(sessionID, step string, kind report.Kind, req StartRequest) (StartResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return StartResponse{}, ErrUnknownSession
	}

	if prev, ok := s.jobs[step]; ok {
		if p := b.progressLocked(prev); !p.Complete && !p.Errored {
			return StartResponse{Status: "already_running", SessionID: sessionID, TotalItems: prev.Total}, nil
		}
	}

	job := &Job{
		Step:      step,
		Kind:      kind,
		StartedAt: b.now(),
		Fields:    make(map[string]string, len(req.Fields)),
		Files:     append([]string(nil), req.Files...),
	}
	for k, v := range req.Fields {
		job.Fields[k] = v
		s.fields[k] = v
	}
	job.Total = len(job.Files)
	if job.Total == 0 {
		job.Total = len(phases)
	}

	switch strings.ToLower(strings.TrimSpace(req.Fields["simulate"])) {
	case SimulateError:
		job.fail = true
		job.failAt = job.Total / 2
	case SimulateExpire:
		job.expire = true
	}
	for i, f := range job.Files {
		if strings.Contains(strings.ToLower(f), "corrupt") {
			job.fail = true
			job.failAt = i
			break
		}
	}

	s.jobs[step] = job
	b.logger.Debug("job started",
		zap.String("session_id", sessionID),
		zap.String("step", step),
		zap.Int("total", job.Total))

	return StartResponse{Status: "started", SessionID: sessionID, TotalItems: job.Total}, nil
}

// Progress reports the current progress of step for a session.
func (b *Backend) Progress(sessionID, step string) (Progress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return Progress{}, ErrUnknownSession
	}
	job, ok := s.jobs[step]
	if !ok {
		return Progress{}, ErrNoJob
	}

	p := b.progressLocked(job)
	if job.expire && p.Current > 0 {
		delete(b.sessions, sessionID)
		b.logger.Debug("session expired", zap.String("session_id", sessionID))
		return Progress{}, ErrUnknownSession
	}
	return p, nil
}

// Result returns the result payload of a completed step.
func (b *Backend) Result(sessionID, step string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	job, ok := s.jobs[step]
	if !ok {
		return nil, ErrNoJob
	}
	if p := b.progressLocked(job); !p.Complete || p.Errored {
		return nil, ErrNotReady
	}
	return buildResult(s, job), nil
}

func (b *Backend) progressLocked(job *Job) Progress {
	done := job.Total
	if b.delay > 0 {
		done = int(b.now().Sub(job.StartedAt) / b.delay)
	}
	if done > job.Total {
		done = job.Total
	}
	if done < 0 {
		done = 0
	}

	p := Progress{Current: done, Total: job.Total}

	if job.fail && done >= job.failAt {
		p.Current = job.failAt
		p.Errored = true
		p.Status = "Analysis failed"
		if job.failAt < len(job.Files) {
			p.Filename = job.Files[job.failAt]
			p.Status = "Could not read " + p.Filename
		}
		p.Errors = []string{p.Status}
		return p
	}

	if done >= job.Total {
		p.Complete = true
		p.Status = "Analysis complete"
		p.Summary = summary(job)
		return p
	}

	if len(job.Files) > 0 {
		p.Filename = job.Files[done]
		p.Status = "Analyzing " + p.Filename
	} else {
		p.Status = phases[done%len(phases)]
	}
	return p
}

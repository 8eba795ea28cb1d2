// Package step wires one form submission to the backend job protocol.
//
// An Orchestrator validates the form, requires the stored session, starts
// the job, polls it through a poller.Controller and turns every outcome into
// View effects. Errors never escape as panics; each is rendered and then
// returned from Submit or reported by Wait.
package step

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/cvflow/pkg/jobclient"
	"github.com/3leaps/cvflow/pkg/poller"
	"github.com/3leaps/cvflow/pkg/session"
)

// User-facing messages.
const (
	MsgStartFailed  = "We could not start the analysis. Please try again."
	MsgExpired      = "Your session has expired. Please restart from the first step."
	MsgTimedOut     = "The analysis took too long. Please try again."
	MsgResultFailed = "The analysis finished but its result could not be loaded. Please try again."
	MsgStarted      = "Analysis started"
	MsgResumed      = "Resuming the analysis already in progress"
	MsgComplete     = "Analysis complete"
)

// JobClient is the backend job protocol. *jobclient.Job implements it.
type JobClient interface {
	Start(ctx context.Context, sessionID string, payload jobclient.Payload) (*jobclient.StartResult, error)
	Poll(ctx context.Context, sessionID string) (jobclient.Snapshot, error)
	FetchResult(ctx context.Context, sessionID string, out any) error
}

// Outcome is how a submission attempt ended.
type Outcome struct {
	State  State
	Err    error
	Result any
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry shares a controller registry across orchestrators so that
// at most one controller polls each session.
func WithRegistry(r *poller.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithPollerConfig sets the interval and watchdog used for each attempt.
func WithPollerConfig(cfg poller.Config) Option {
	return func(o *Orchestrator) {
		o.pollCfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orchestrator runs submissions for one mounted step.
//
// Orchestrator is safe for concurrent use. After Unmount it makes no
// further View calls.
type Orchestrator struct {
	def      Definition
	client   JobClient
	guard    *session.Guard
	view     View
	registry *poller.Registry
	pollCfg  poller.Config
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	unmounted  bool
	attempt    uint64
	ctx        context.Context
	cancel     context.CancelFunc
	controller *poller.Controller
	done       chan struct{}
	finished   bool
	outcome    Outcome
}

// New mounts an orchestrator for def.
func New(def Definition, client JobClient, guard *session.Guard, view View, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		def:     def,
		client:  client,
		guard:   guard,
		view:    view,
		pollCfg: poller.DefaultConfig(),
		logger:  zap.NewNop(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = poller.NewRegistry()
	}
	if o.pollCfg.Logger == nil {
		o.pollCfg.Logger = o.logger
	}
	o.logger = o.logger.With(zap.String("flow", def.Flow), zap.String("step", def.Name))
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Definition returns the step definition.
func (o *Orchestrator) Definition() Definition {
	return o.def
}

// Submit runs one attempt. It returns once polling has begun, or with the
// error that ended the attempt before polling: a *ValidationError, a
// *session.MissingSessionError, a *jobclient.StartFailedError, ErrBusy or
// ErrUnmounted. Use Wait for the final outcome.
//
// ctx bounds the whole attempt, including polling and the result fetch.
func (o *Orchestrator) Submit(ctx context.Context, form Form) error {
	o.mu.Lock()
	if o.unmounted {
		o.mu.Unlock()
		return ErrUnmounted
	}
	if !o.state.Accepting() {
		o.mu.Unlock()
		return ErrBusy
	}

	o.attempt++
	attempt := o.attempt
	ctx, o.cancel = context.WithCancel(ctx)
	o.ctx = ctx
	o.controller = nil
	o.done = make(chan struct{})
	o.finished = false
	o.outcome = Outcome{}
	o.setState(StateValidating)
	o.view.ClearError()

	if err := o.def.Validate(form); err != nil {
		var ve *ValidationError
		errors.As(err, &ve)
		o.view.ShowFieldErrors(ve.Fields)
		o.setState(StateIdle)
		o.finishLocked(Outcome{State: StateIdle, Err: err})
		o.mu.Unlock()
		return err
	}

	sessionID, err := o.guard.RequireSession(o.def.sessionKey())
	if err != nil {
		o.view.ShowError(err.Error())
		o.fail(err)
		o.mu.Unlock()
		return err
	}

	o.setState(StateSubmitting)
	o.view.SetFormEnabled(false)
	o.view.ShowLoading(o.def.EstimatedDuration)
	o.mu.Unlock()

	handle := poller.NewJobHandle(sessionID)
	_ = handle.MarkStarting()
	res, err := o.client.Start(ctx, sessionID, o.def.payload(form))

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.unmounted || attempt != o.attempt {
		return ErrUnmounted
	}
	if err != nil {
		_ = handle.MarkStartFailed()
		o.logger.Warn("job start failed", zap.String("session_id", sessionID), zap.Error(err))
		o.view.HideLoading()
		o.view.SetFormEnabled(true)
		o.view.ShowError(MsgStartFailed)
		o.fail(err)
		return err
	}

	text := MsgStarted
	if res.Resumed() {
		text = MsgResumed
	}
	o.setState(StatePolling)
	o.view.ShowStatus(text, poller.Reading{Indeterminate: res.TotalItems <= 0})

	ctrl := poller.New(o.client, handle, o.listener(attempt), o.pollCfg)
	if err := o.registry.Start(ctx, ctrl); err != nil {
		o.view.HideLoading()
		o.view.SetFormEnabled(true)
		o.view.ShowError(err.Error())
		o.fail(err)
		return err
	}
	o.controller = ctrl
	go o.watch(attempt, ctrl)

	o.logger.Info("polling job",
		zap.String("session_id", sessionID),
		zap.String("start_status", string(res.Status)),
		zap.Int("total_items", res.TotalItems))
	return nil
}

// Wait blocks until the current attempt ends or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) Outcome {
	o.mu.Lock()
	done := o.done
	if done == nil {
		out := Outcome{State: o.state}
		o.mu.Unlock()
		return out
	}
	o.mu.Unlock()

	select {
	case <-done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.outcome
	case <-ctx.Done():
		return Outcome{State: o.State(), Err: ctx.Err()}
	}
}

// Unmount stops polling and returns the orchestrator to idle. Later
// callbacks and in-flight calls are ignored. Unmount is idempotent.
func (o *Orchestrator) Unmount() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.unmounted {
		return
	}
	o.unmounted = true
	if o.cancel != nil {
		o.cancel()
	}
	if o.controller != nil {
		o.controller.Stop()
	}
	o.setState(StateIdle)
	o.finishLocked(Outcome{State: StateIdle, Err: ErrUnmounted})
}

func (o *Orchestrator) listener(attempt uint64) poller.Listener {
	return poller.Listener{
		OnProgress: func(s jobclient.Snapshot, r poller.Reading) {
			o.mu.Lock()
			defer o.mu.Unlock()
			if !o.live(attempt) || o.state != StatePolling {
				return
			}
			o.logger.Debug("progress",
				zap.Int("current", s.Current),
				zap.Int("total", s.Total),
				zap.Int("percent", r.Percent))
			o.view.ShowStatus(s.StatusText, r)
		},
		OnComplete: func(s jobclient.Snapshot) { o.complete(attempt, s) },
		OnFailed: func(err error) {
			o.mu.Lock()
			defer o.mu.Unlock()
			if !o.live(attempt) || o.state != StatePolling {
				return
			}
			o.logger.Info("job failed", zap.Error(err))
			o.view.HideLoading()
			o.view.SetFormEnabled(true)
			o.view.ShowError(failureMessage(err))
			o.fail(err)
		},
		OnExpired: func(err error) {
			o.mu.Lock()
			defer o.mu.Unlock()
			if !o.live(attempt) || o.state != StatePolling {
				return
			}
			o.logger.Info("session expired", zap.Error(err))
			if cerr := o.guard.Restart(); cerr != nil {
				o.logger.Warn("clear expired session", zap.Error(cerr))
			}
			o.view.HideLoading()
			o.view.SetFormEnabled(true)
			o.view.ShowError(MsgExpired)
			o.fail(err)
			if o.def.RestartRoute != "" {
				o.view.Navigate(o.def.RestartRoute, nil)
			}
		},
	}
}

func (o *Orchestrator) complete(attempt uint64, s jobclient.Snapshot) {
	o.mu.Lock()
	if !o.live(attempt) || o.state != StatePolling {
		o.mu.Unlock()
		return
	}
	o.setState(StateSucceeded)
	o.view.ShowStatus(MsgComplete, poller.Reading{Percent: 100})
	ctx := o.ctx
	sessionID := ""
	if o.controller != nil {
		sessionID = o.controller.Handle().SessionID()
	}
	o.mu.Unlock()

	var result any
	var fetchErr error
	if o.def.NeedsResult {
		result = o.def.newResult()
		fetchErr = o.client.FetchResult(ctx, sessionID, result)
	} else if len(s.Summary) > 0 {
		result = s.Summary
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.live(attempt) || o.state != StateSucceeded {
		return
	}
	o.view.HideLoading()

	if fetchErr != nil {
		o.logger.Warn("fetch result failed", zap.Error(fetchErr))
		o.view.SetFormEnabled(true)
		if jobclient.IsSessionExpired(fetchErr) {
			if cerr := o.guard.Restart(); cerr != nil {
				o.logger.Warn("clear expired session", zap.Error(cerr))
			}
			o.view.ShowError(MsgExpired)
		} else {
			o.view.ShowError(MsgResultFailed)
		}
		o.fail(fmt.Errorf("fetch result: %w", fetchErr))
		return
	}

	o.view.Navigate(o.def.NextRoute, result)
	o.setState(StateNavigated)
	o.logger.Info("step complete", zap.String("next", o.def.NextRoute))
	o.finishLocked(Outcome{State: StateNavigated, Result: result})
}

// watch ends the attempt when its controller stops without delivering a
// terminal outcome.
func (o *Orchestrator) watch(attempt uint64, ctrl *poller.Controller) {
	<-ctrl.Done()

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.live(attempt) || o.state != StatePolling {
		return
	}
	err := ErrInterrupted
	if o.ctx != nil && o.ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrInterrupted, o.ctx.Err())
	}
	o.view.HideLoading()
	o.view.SetFormEnabled(true)
	o.view.ShowError(err.Error())
	o.fail(err)
}

func (o *Orchestrator) live(attempt uint64) bool {
	return !o.unmounted && attempt == o.attempt
}

func (o *Orchestrator) fail(err error) {
	o.setState(StateFailed)
	o.finishLocked(Outcome{State: StateFailed, Err: err})
}

func (o *Orchestrator) setState(s State) {
	if o.state != s {
		o.logger.Debug("state", zap.String("from", string(o.state)), zap.String("to", string(s)))
	}
	o.state = s
}

func (o *Orchestrator) finishLocked(out Outcome) {
	if o.finished || o.done == nil {
		return
	}
	o.outcome = out
	o.finished = true
	close(o.done)
	if o.cancel != nil {
		o.cancel()
	}
}

func failureMessage(err error) string {
	var jfe *poller.JobFailedError
	switch {
	case errors.As(err, &jfe):
		return jfe.Message
	case poller.IsWatchdogTimeout(err):
		return MsgTimedOut
	default:
		return err.Error()
	}
}

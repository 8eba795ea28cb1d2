// Package poller drives a started backend job to a terminal state.
//
// A Controller owns two timers: a fixed-interval ticker that polls the job
// and a watchdog that fails the job when Config.Timeout elapses. Outcomes
// are delivered through a Listener:
//   - OnProgress: a non-terminal snapshot (with the meter reading)
//   - OnComplete: the job finished
//   - OnFailed: the backend reported an error, or the watchdog fired
//   - OnExpired: the backend no longer knows the session
//
// Exactly one terminal callback is delivered per controller. Once Stop
// returns no new outcome is dispatched; a callback whose dispatch had
// already begun still runs, and Done closes only after it returns.
package poller

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/cvflow/pkg/jobclient"
)

const (
	// DefaultInterval is the delay between polls.
	DefaultInterval = 2 * time.Second

	// DefaultTimeout is the watchdog ceiling for one job.
	DefaultTimeout = 5 * time.Minute
)

// Poller reads a job's progress once. *jobclient.Job implements Poller.
type Poller interface {
	Poll(ctx context.Context, sessionID string) (jobclient.Snapshot, error)
}

// Listener receives controller outcomes. Nil callbacks are skipped.
//
// Callbacks are invoked one at a time from the controller's goroutines.
// They may call Controller.Stop.
type Listener struct {
	OnProgress func(jobclient.Snapshot, Reading)
	OnComplete func(jobclient.Snapshot)
	OnFailed   func(error)
	OnExpired  func(error)
}

// Config configures a Controller.
type Config struct {
	// Interval is the delay before each poll, including the first.
	// Default: 2s
	Interval time.Duration

	// Timeout is the watchdog ceiling measured from Start.
	// Default: 5m
	Timeout time.Duration

	// Logger receives poll diagnostics. Default: no-op
	Logger *zap.Logger
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
	}
}

// Controller polls one job until it completes, fails, expires or is stopped.
//
// Controller is single use. Create a new one for each start.
type Controller struct {
	poller   Poller
	handle   *JobHandle
	listener Listener
	config   Config
	logger   *zap.Logger
	meter    *Meter

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	ticker   *time.Ticker
	watchdog *time.Timer
	polls    uint64
	emitting bool

	// emitMu serializes listener callbacks.
	emitMu   sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a controller for the job tracked by h.
//
// Parameters:
//   - p: Poller used on every tick
//   - h: Handle for the job; it moves to running on Start
//   - l: Listener for outcomes
//   - cfg: Controller configuration (use DefaultConfig() as base)
func New(p Poller, h *JobHandle, l Listener, cfg Config) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		poller:   p,
		handle:   h,
		listener: l,
		config:   cfg,
		logger:   logger.With(zap.String("session_id", h.SessionID())),
		meter:    NewMeter(),
		done:     make(chan struct{}),
	}
}

// Handle returns the job handle driven by this controller.
func (c *Controller) Handle() *JobHandle {
	return c.handle
}

// Meter returns the progress meter fed by this controller.
func (c *Controller) Meter() *Meter {
	return c.meter
}

// Done is closed once the controller has stopped and no callback is
// running.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Stopped reports whether the controller no longer polls.
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Polls returns the number of poll requests issued so far.
func (c *Controller) Polls() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// Start marks the job running and schedules the first poll one interval
// from now. Cancelling ctx stops the controller without a callback.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	if err := c.handle.transition(StateRunning); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.ticker = time.NewTicker(c.config.Interval)
	c.watchdog = time.AfterFunc(c.config.Timeout, c.onWatchdog)

	c.logger.Debug("polling started",
		zap.Duration("interval", c.config.Interval),
		zap.Duration("timeout", c.config.Timeout))

	go c.loop(ctx, c.ticker.C)
	return nil
}

// Stop cancels the ticker, the watchdog and any in-flight poll.
//
// Stop is idempotent and safe to call from a Listener callback. A callback
// in progress is not interrupted; Done closes when it returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopLocked()
	busy := c.emitting
	c.mu.Unlock()
	if !busy {
		c.finish()
	}
}

func (c *Controller) stopLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	if c.ticker != nil {
		c.ticker.Stop()
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) loop(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			// A running callback closes Done itself once it returns.
			if !c.Stopped() {
				c.Stop()
			}
			return
		case <-tick:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.polls++
	n := c.polls
	c.mu.Unlock()

	sessionID := c.handle.SessionID()
	snap, err := c.poller.Poll(ctx, sessionID)

	switch {
	case err != nil && jobclient.IsSessionExpired(err):
		c.logger.Info("session expired during polling", zap.Uint64("poll", n))
		c.emit(StateExpired, nil, func() {
			if c.listener.OnExpired != nil {
				c.listener.OnExpired(err)
			}
		})

	case err != nil && ctx.Err() != nil:
		// Stopped while the request was in flight.

	case err != nil && isTransient(err):
		c.logger.Debug("transient poll error", zap.Uint64("poll", n), zap.Error(err))

	case err != nil:
		failure := unexpectedPollError(sessionID, err)
		c.logger.Warn("poll failed", zap.Uint64("poll", n), zap.Error(err))
		c.emit(StateError, nil, func() {
			if c.listener.OnFailed != nil {
				c.listener.OnFailed(failure)
			}
		})

	case snap.NoUpdate:
		c.logger.Debug("no update", zap.Uint64("poll", n), zap.Error(snap.Cause))

	case snap.Errored:
		failure := newJobFailed(sessionID, snap)
		c.logger.Info("job reported failure", zap.Uint64("poll", n), zap.String("message", failure.Message))
		c.emit(StateError, &snap, func() {
			if c.listener.OnFailed != nil {
				c.listener.OnFailed(failure)
			}
		})

	case snap.Complete:
		c.logger.Info("job complete", zap.Uint64("poll", n), zap.Int("total", snap.Total))
		c.emit(StateComplete, &snap, func() {
			c.meter.Complete()
			if c.listener.OnComplete != nil {
				c.listener.OnComplete(snap)
			}
		})

	default:
		c.emit("", &snap, func() {
			reading := c.meter.Observe(snap.Current, snap.Total)
			if c.listener.OnProgress != nil {
				c.listener.OnProgress(snap, reading)
			}
		})
	}
}

func (c *Controller) onWatchdog() {
	c.logger.Warn("watchdog fired", zap.Duration("timeout", c.config.Timeout))
	c.emit(StateError, nil, func() {
		if c.listener.OnFailed != nil {
			c.listener.OnFailed(ErrWatchdogTimeout)
		}
	})
}

// emit delivers one outcome unless the controller already stopped. A
// non-empty terminal state stops the controller before fn runs, so a stale
// response can never produce a second terminal callback.
func (c *Controller) emit(terminal State, snap *jobclient.Snapshot, fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if snap != nil {
		c.handle.observe(*snap)
	}
	if terminal != "" {
		c.stopLocked()
		if err := c.handle.transition(terminal); err != nil {
			c.logger.Warn("unexpected job transition", zap.Error(err))
		}
	}
	c.emitting = true
	c.mu.Unlock()

	fn()

	c.mu.Lock()
	c.emitting = false
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		c.finish()
	}
}

func isTransient(err error) bool {
	if jobclient.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

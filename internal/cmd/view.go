package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/cvflow/internal/observability"
	"github.com/3leaps/cvflow/pkg/jobclient"
	"github.com/3leaps/cvflow/pkg/output"
	"github.com/3leaps/cvflow/pkg/poller"
	"github.com/3leaps/cvflow/pkg/step"
)

// tapJob records what the orchestrator's polls observe.
type tapJob struct {
	step.JobClient

	mu    sync.Mutex
	last  jobclient.Snapshot
	seen  bool
	polls uint64
}

func (t *tapJob) Poll(ctx context.Context, sessionID string) (jobclient.Snapshot, error) {
	snap, err := t.JobClient.Poll(ctx, sessionID)

	t.mu.Lock()
	t.polls++
	if err == nil && !snap.NoUpdate {
		t.last = snap
		t.seen = true
	}
	t.mu.Unlock()
	return snap, err
}

// Last returns the most recent real snapshot.
func (t *tapJob) Last() (jobclient.Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.seen
}

// Polls returns the number of progress requests issued.
func (t *tapJob) Polls() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.polls
}

// terminalView renders step effects as plain text lines.
type terminalView struct {
	mu       sync.Mutex
	out      io.Writer
	lastLine string
}

func newTerminalView(out io.Writer) *terminalView {
	return &terminalView{out: out}
}

func (v *terminalView) println(line string) {
	if line == v.lastLine {
		return
	}
	v.lastLine = line
	_, _ = fmt.Fprintln(v.out, line)
}

func (v *terminalView) SetFormEnabled(enabled bool) {
	observability.CLILogger.Debug("form enabled", zap.Bool("enabled", enabled))
}

func (v *terminalView) ShowLoading(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.println("... " + message)
}

func (v *terminalView) HideLoading() {}

func (v *terminalView) ShowStatus(text string, r poller.Reading) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if r.Indeterminate {
		v.println(fmt.Sprintf("[ ... ] %s", text))
		return
	}
	v.println(fmt.Sprintf("[%3d%%] %s", r.Percent, text))
}

func (v *terminalView) ShowFieldErrors(errs map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.println(fmt.Sprintf("  %s: %s", k, errs[k]))
	}
}

func (v *terminalView) ShowError(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.println("error: " + message)
}

func (v *terminalView) ClearError() {}

func (v *terminalView) Navigate(route string, _ any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.println("next: " + route)
}

// jsonView renders step effects as JSONL records.
type jsonView struct {
	ctx       context.Context
	w         output.Writer
	tap       *tapJob
	sessionID string

	mu      sync.Mutex
	message string
}

func newJSONView(ctx context.Context, w output.Writer, tap *tapJob, sessionID string) *jsonView {
	return &jsonView{ctx: ctx, w: w, tap: tap, sessionID: sessionID}
}

func (v *jsonView) SetFormEnabled(bool) {}
func (v *jsonView) ShowLoading(string)  {}
func (v *jsonView) HideLoading()        {}
func (v *jsonView) ClearError()         {}

// Navigate is a no-op: the summary record carries next_route.
func (v *jsonView) Navigate(string, any) {}

func (v *jsonView) ShowStatus(text string, r poller.Reading) {
	rec := &output.ProgressRecord{
		SessionID:     v.sessionID,
		Percent:       r.Percent,
		Indeterminate: r.Indeterminate,
		StatusText:    text,
	}
	if snap, ok := v.tap.Last(); ok {
		rec.Current = snap.Current
		rec.Total = snap.Total
		rec.Filename = snap.Filename
	}
	v.write(v.w.WriteProgress(context.WithoutCancel(v.ctx), rec))
}

func (v *jsonView) ShowFieldErrors(errs map[string]string) {
	v.write(v.w.WriteError(context.WithoutCancel(v.ctx), &output.ErrorRecord{
		Code:      output.ErrCodeValidation,
		Message:   "invalid form",
		SessionID: v.sessionID,
		Details:   errs,
	}))
}

// ShowError keeps the user-facing message for the final error record.
func (v *jsonView) ShowError(message string) {
	v.mu.Lock()
	v.message = message
	v.mu.Unlock()
}

func (v *jsonView) lastError() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.message
}

func (v *jsonView) write(err error) {
	if err != nil {
		observability.CLILogger.Warn("Failed to write record", zap.Error(err))
	}
}

var (
	_ step.View = (*terminalView)(nil)
	_ step.View = (*jsonView)(nil)
)

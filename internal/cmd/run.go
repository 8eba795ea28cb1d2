package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cvflow/internal/observability"
	"github.com/3leaps/cvflow/pkg/output"
	"github.com/3leaps/cvflow/pkg/runlog"
	"github.com/3leaps/cvflow/pkg/step"
	"github.com/3leaps/cvflow/pkg/upload"
)

var runCmd = &cobra.Command{
	Use:   "run <flow> <step>",
	Short: "Submit a step and follow its analysis job to the end",
	Long: `Submit the form of one step, start its backend job and poll progress until
the job completes, fails, expires or times out.

Field values starting with @ are read from a file. File patterns support ** globs.

Examples:
  cvflow run interviewer step2 --field job_description=@posting.txt
  cvflow run interviewer step4 --consent data_processing_consent --file 'cvs/**/*.pdf'
  cvflow run candidate step5 --field full_name="Ada Lovelace" --field email=ada@example.com \
      --consent privacy_consent --file cv.pdf
  cvflow run candidate step6 --field target_role=Engineer --export --json`,
	Args: cobra.ExactArgs(2),
	RunE: runStep,
}

var (
	runFields      []string
	runConsents    []string
	runFiles       []string
	runMaxFileSize int64
	runInterval    time.Duration
	runTimeout     time.Duration
	runJSON        bool
	runExport      bool
	runDest        string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVar(&runFields, "field", nil, "Form field as key=value (repeatable; value @path reads a file)")
	runCmd.Flags().StringArrayVar(&runConsents, "consent", nil, "Accepted consent checkbox (repeatable)")
	runCmd.Flags().StringArrayVar(&runFiles, "file", nil, "File or glob pattern to upload (repeatable)")
	runCmd.Flags().Int64Var(&runMaxFileSize, "max-file-size", upload.DefaultMaxFileSize, "Reject uploads larger than this many bytes")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Poll interval (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Watchdog timeout (default from config)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Emit JSONL records instead of text")
	runCmd.Flags().BoolVar(&runExport, "export", false, "Export the step result as a report")
	runCmd.Flags().StringVar(&runDest, "dest", "", "Report destination directory or s3://bucket/prefix (default from config)")
}

func runStep(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	f, s, err := resolveStep(cfg, args[0], args[1])
	if err != nil {
		return err
	}
	form, err := buildForm(runFields, runConsents, runFiles, runMaxFileSize)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid form input", err)
	}
	client, err := newJobClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	def := f.Definition(s)
	guard := sessionGuard(cfg, f.Name)
	sessionID, err := guard.RequireSession(def.SessionKey)
	if err != nil {
		// Submit repeats the lookup and reports the failure through the view.
		observability.CLILogger.Debug("Session lookup failed",
			zap.String("flow", f.Name),
			zap.String("key", def.SessionKey),
			zap.Error(err))
	}

	pc := pollerConfig(cfg)
	if runInterval > 0 {
		pc.Interval = runInterval
	}
	if runTimeout > 0 {
		pc.Timeout = runTimeout
	}

	tap := &tapJob{JobClient: client.Job(s.Endpoints)}
	out := cmd.OutOrStdout()
	runID := uuid.NewString()
	history := newRunRecorder(runHistory(cfg), cfg.History.Keep, &runlog.Record{
		RunID:     runID,
		Flow:      f.Name,
		Step:      s.Name,
		SessionID: sessionID,
	})

	var (
		view step.View
		jv   *jsonView
		w    output.Writer
	)
	if runJSON {
		w = output.NewJSONLWriter(out, runID, f.Name, s.Name)
		defer func() { _ = w.Close() }()
		jv = newJSONView(ctx, w, tap, sessionID)
		view = jv
	} else {
		if def.EstimatedDuration != "" {
			_, _ = fmt.Fprintln(out, def.EstimatedDuration)
		}
		view = newTerminalView(out)
	}

	orch := step.New(def, tap, guard, view,
		step.WithPollerConfig(pc),
		step.WithLogger(observability.CLILogger))
	defer orch.Unmount()

	observability.CLILogger.Info("Submitting step",
		zap.String("flow", f.Name),
		zap.String("step", s.Name),
		zap.String("session_id", sessionID))

	started := time.Now()
	history.begin(started)
	var outcome step.Outcome
	from := step.StateIdle
	if err := orch.Submit(ctx, form); err != nil {
		outcome = step.Outcome{State: orch.State(), Err: err}
	} else {
		from = step.StatePolling
		if w != nil {
			writeState(w, string(step.StateIdle), string(from), sessionID)
		}
		outcome = orch.Wait(context.Background())
	}

	var location string
	if outcome.Err == nil && runExport && outcome.Result != nil {
		location, err = exportResult(context.WithoutCancel(ctx), cfg, runDest, reportBase(f.Name, s.Name, sessionID), outcome.Result)
		if err != nil {
			history.finish(outcome, def.NextRoute, tap.Polls(), "", err)
			return err
		}
		if w == nil {
			_, _ = fmt.Fprintf(out, "report: %s\n", location)
		}
	}

	if w != nil {
		if outcome.State != from {
			writeState(w, string(from), string(outcome.State), sessionID)
		}
		if outcome.Err != nil && !step.IsValidation(outcome.Err) {
			msg := jv.lastError()
			if msg == "" {
				msg = outcome.Err.Error()
			}
			if werr := w.WriteError(context.Background(), &output.ErrorRecord{
				Code:      errorCode(outcome.Err),
				Message:   msg,
				SessionID: sessionID,
				Details:   outcome.Err.Error(),
			}); werr != nil {
				observability.CLILogger.Warn("Failed to write error record", zap.Error(werr))
			}
		}
		elapsed := time.Since(started)
		sum := &output.SummaryRecord{
			SessionID:      sessionID,
			State:          string(outcome.State),
			Polls:          tap.Polls(),
			Duration:       elapsed,
			DurationHuman:  elapsed.Round(time.Millisecond).String(),
			ReportLocation: location,
		}
		if outcome.State == step.StateNavigated {
			sum.NextRoute = def.NextRoute
		}
		if outcome.Err != nil {
			sum.Error = outcome.Err.Error()
		}
		if werr := w.WriteSummary(context.Background(), sum); werr != nil {
			observability.CLILogger.Warn("Failed to write summary", zap.Error(werr))
		}
	}

	history.finish(outcome, def.NextRoute, tap.Polls(), location, nil)

	observability.CLILogger.Info("Step finished",
		zap.String("flow", f.Name),
		zap.String("step", s.Name),
		zap.String("state", string(outcome.State)),
		zap.Uint64("polls", tap.Polls()),
		zap.Duration("duration", time.Since(started)))

	return outcomeExit(outcome.Err)
}

func writeState(w output.Writer, from, to, sessionID string) {
	if err := w.WriteState(context.Background(), &output.StateRecord{From: from, To: to, SessionID: sessionID}); err != nil {
		observability.CLILogger.Warn("Failed to write state record", zap.Error(err))
	}
}

// buildForm assembles a step form from command-line input.
func buildForm(fields, consents, patterns []string, maxFileSize int64) (step.Form, error) {
	form := step.Form{
		Fields:   make(map[string]string, len(fields)),
		Consents: make(map[string]bool, len(consents)),
	}

	for _, kv := range fields {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return form, fmt.Errorf("field %q must be key=value", kv)
		}
		if path, isFile := strings.CutPrefix(value, "@"); isFile {
			b, err := os.ReadFile(path)
			if err != nil {
				return form, fmt.Errorf("read field %s: %w", key, err)
			}
			value = string(b)
		}
		form.Fields[key] = value
	}

	for _, c := range consents {
		c = strings.TrimSpace(c)
		if c == "" {
			return form, errors.New("consent name is empty")
		}
		form.Consents[c] = true
	}

	if len(patterns) > 0 {
		files, err := upload.Collect(patterns, upload.Options{MaxFileSize: maxFileSize})
		if err != nil {
			return form, err
		}
		form.Files = files
	}
	return form, nil
}

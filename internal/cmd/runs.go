package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cvflow/internal/observability"
	"github.com/3leaps/cvflow/pkg/runlog"
	"github.com/3leaps/cvflow/pkg/step"
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded step runs",
	Long: `List the step runs recorded by "cvflow run", newest first, or show one run.

Runs still marked running whose process has exited are reported as unknown.

Examples:
  cvflow runs
  cvflow runs --flow interviewer --limit 5
  cvflow runs 3f2c9e1a-... --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

var (
	runsFlow  string
	runsLimit int
	runsJSON  bool
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().StringVar(&runsFlow, "flow", "", "Only show runs of this flow")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list (0 for all)")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "Output as JSON")
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	store := runHistory(cfg)
	if store == nil {
		return exitError(ExitConfigError, "Run history is disabled", fmt.Errorf("history.keep is 0"))
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		rec, err := store.Get(args[0])
		if err != nil {
			if os.IsNotExist(err) {
				return exitError(ExitFileNotFound, "Run not found", err)
			}
			return exitError(ExitFailure, "Failed to read run", err)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	all, err := store.List()
	if err != nil {
		return exitError(ExitFailure, "Failed to list runs", err)
	}
	records := make([]runlog.Record, 0, len(all))
	for _, r := range all {
		if runsFlow != "" && r.Flow != runsFlow {
			continue
		}
		records = append(records, r)
		if runsLimit > 0 && len(records) == runsLimit {
			break
		}
	}

	if runsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "RUN ID\tFLOW\tSTEP\tSTATE\tSTARTED\tDURATION\tPOLLS")
	for _, r := range records {
		dur := "-"
		if d := r.Duration(); d > 0 {
			dur = d.Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.RunID, r.Flow, r.Step, r.State,
			r.CreatedAt.Local().Format(time.DateTime), dur, r.Polls)
	}
	return nil
}

// runRecorder persists one run's record. A nil store disables it; write
// failures are logged and never fail the run.
type runRecorder struct {
	store *runlog.Store
	keep  int
	rec   *runlog.Record
}

func newRunRecorder(store *runlog.Store, keep int, rec *runlog.Record) *runRecorder {
	return &runRecorder{store: store, keep: keep, rec: rec}
}

func (r *runRecorder) begin(at time.Time) {
	if r.store == nil {
		return
	}
	r.rec.State = runlog.StateRunning
	r.rec.PID = os.Getpid()
	r.rec.CreatedAt = at.UTC()
	r.write()
}

func (r *runRecorder) finish(out step.Outcome, nextRoute string, polls uint64, location string, exportErr error) {
	if r.store == nil {
		return
	}
	ended := time.Now().UTC()
	r.rec.EndedAt = &ended
	r.rec.Polls = polls
	r.rec.ReportLocation = location

	switch out.State {
	case step.StateNavigated:
		r.rec.State = runlog.StateNavigated
		r.rec.NextRoute = nextRoute
	case step.StateIdle:
		r.rec.State = runlog.StateIdle
	default:
		r.rec.State = runlog.StateFailed
	}

	err := out.Err
	if err == nil {
		err = exportErr
	}
	if err != nil {
		if out.Err != nil {
			r.rec.ErrorCode = errorCode(out.Err)
		}
		r.rec.Error = err.Error()
		if r.rec.State == runlog.StateNavigated {
			r.rec.State = runlog.StateFailed
		}
	}
	r.write()

	if n, err := r.store.Prune(r.keep); err != nil {
		observability.CLILogger.Warn("Failed to prune run history", zap.Error(err))
	} else if n > 0 {
		observability.CLILogger.Debug("Pruned run history", zap.Int("removed", n))
	}
}

func (r *runRecorder) write() {
	if err := r.store.Write(r.rec); err != nil {
		observability.CLILogger.Warn("Failed to record run",
			zap.String("run_id", r.rec.RunID),
			zap.Error(err))
	}
}

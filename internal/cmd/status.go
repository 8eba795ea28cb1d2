package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/cvflow/pkg/jobclient"
	"github.com/3leaps/cvflow/pkg/poller"
)

var statusCmd = &cobra.Command{
	Use:   "status <flow> <step>",
	Short: "Poll a step's job once and print its progress",
	Long: `Issue a single progress request for the stored session of a flow and print
the result. Nothing is started and no state changes.

Examples:
  cvflow status interviewer step4
  cvflow status candidate step6 --json`,
	Args: cobra.ExactArgs(2),
	RunE: runStatus,
}

var statusJSON bool

// statusView is the printed shape of one poll.
type statusView struct {
	SessionID string             `json:"session_id"`
	State     string             `json:"state"`
	Reading   poller.Reading     `json:"reading"`
	Snapshot  jobclient.Snapshot `json:"snapshot"`
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	f, s, err := resolveStep(cfg, args[0], args[1])
	if err != nil {
		return err
	}
	def := f.Definition(s)
	sessionID, err := sessionGuard(cfg, f.Name).RequireSession(def.SessionKey)
	if err != nil {
		return outcomeExit(err)
	}

	client, err := newJobClient(cfg)
	if err != nil {
		return err
	}
	snap, err := client.Job(s.Endpoints).Poll(cmd.Context(), sessionID)
	if err != nil {
		return outcomeExit(err)
	}

	v := statusView{SessionID: sessionID, Snapshot: snap}
	meter := poller.NewMeter()
	switch {
	case snap.NoUpdate:
		v.State = "unknown"
		v.Reading = poller.Reading{Indeterminate: true}
	case snap.Errored:
		v.State = "error"
		v.Reading = meter.Observe(snap.Current, snap.Total)
	case snap.Complete:
		v.State = "complete"
		v.Reading, _ = meter.Complete()
	default:
		v.State = "running"
		v.Reading = meter.Observe(snap.Current, snap.Total)
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	switch v.State {
	case "unknown":
		_, _ = fmt.Fprintf(out, "%s: no update (%v)\n", sessionID, snap.Cause)
	case "error":
		_, _ = fmt.Fprintf(out, "%s: failed: %s\n", sessionID, snap.FailureMessage())
	default:
		pct := fmt.Sprintf("%3d%%", v.Reading.Percent)
		if v.Reading.Indeterminate {
			pct = " ..."
		}
		_, _ = fmt.Fprintf(out, "%s: [%s] %s (%d/%d)\n", sessionID, pct, snap.StatusText, snap.Current, snap.Total)
		if snap.Filename != "" {
			_, _ = fmt.Fprintf(out, "  file: %s\n", snap.Filename)
		}
	}
	return nil
}

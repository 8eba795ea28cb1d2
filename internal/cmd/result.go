package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/cvflow/pkg/jobclient"
	"github.com/3leaps/cvflow/pkg/report"
)

var resultCmd = &cobra.Command{
	Use:   "result <flow> <step>",
	Short: "Fetch the result of a finished step",
	Long: `Fetch the result payload of a completed job and print it as JSON, or export
it as a report.

Rankings and candidate analyses export as .xlsx workbooks; other results
export as JSON. The destination is a directory or s3://bucket/prefix.

Examples:
  cvflow result interviewer step4
  cvflow result interviewer step4 --export --dest s3://reports/cvflow
  cvflow result candidate step6 --export`,
	Args: cobra.ExactArgs(2),
	RunE: runResult,
}

var (
	resultExport bool
	resultDest   string
)

func init() {
	rootCmd.AddCommand(resultCmd)
	resultCmd.Flags().BoolVar(&resultExport, "export", false, "Export a report instead of printing JSON")
	resultCmd.Flags().StringVar(&resultDest, "dest", "", "Report destination directory or s3://bucket/prefix (default from config)")
}

func runResult(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	f, s, err := resolveStep(cfg, args[0], args[1])
	if err != nil {
		return err
	}
	if s.Endpoints.Result == "" || s.Result == "" {
		return exitError(ExitInvalidArgument, "Step has no result", fmt.Errorf("%s/%s does not publish a result", f.Name, s.Name))
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
	v, err := report.New(s.Result)
	if err != nil {
		return exitError(ExitConfigError, "Unknown result kind", err)
	}
	if err := client.Job(s.Endpoints).FetchResult(cmd.Context(), sessionID, v); err != nil {
		if jobclient.IsSessionExpired(err) {
			return outcomeExit(err)
		}
		return exitError(ExitExternalServiceUnavailable, "Failed to fetch result", err)
	}

	out := cmd.OutOrStdout()
	if resultExport {
		loc, err := exportResult(cmd.Context(), cfg, resultDest, reportBase(f.Name, s.Name, sessionID), v)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, loc)
		return nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

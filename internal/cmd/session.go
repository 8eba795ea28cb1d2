package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cvflow/internal/observability"
	"github.com/3leaps/cvflow/pkg/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the session ids linking the steps of a flow",
	Long: `Manage the session-scoped identifiers of a flow.

A flow's first step creates a backend session; every later step requires its id.
Ids persist between runs until the flow is restarted or the backend reports the
session as expired.

Examples:
  cvflow session new interviewer
  cvflow session show interviewer --json
  cvflow session set candidate 5f1c... --key candidate_id
  cvflow session restart interviewer`,
}

var (
	sessionKey  string
	sessionJSON bool
)

var sessionNewCmd = &cobra.Command{
	Use:   "new <flow>",
	Short: "Create a backend session and remember its id",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionNew,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <flow>",
	Short: "Show stored session ids",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionSetCmd = &cobra.Command{
	Use:   "set <flow> <id>",
	Short: "Store a session id obtained elsewhere",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionSet,
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <flow>",
	Short: "Forget one session id",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionClear,
}

var sessionRestartCmd = &cobra.Command{
	Use:   "restart <flow>",
	Short: "Forget every session id of a flow and print its first route",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionRestart,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionNewCmd, sessionShowCmd, sessionSetCmd, sessionClearCmd, sessionRestartCmd)

	for _, c := range []*cobra.Command{sessionNewCmd, sessionSetCmd, sessionClearCmd} {
		c.Flags().StringVar(&sessionKey, "key", session.KeySessionID, "Session key")
	}
	sessionShowCmd.Flags().BoolVar(&sessionJSON, "json", false, "Output as JSON")
}

func runSessionNew(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	f, err := resolveFlow(cfg, args[0])
	if err != nil {
		return err
	}
	if strings.TrimSpace(f.SessionEndpoint) == "" {
		return exitError(ExitInvalidArgument, "Flow has no session endpoint", fmt.Errorf("flow %q cannot create sessions", f.Name))
	}

	client, err := newJobClient(cfg)
	if err != nil {
		return err
	}
	id, err := client.CreateSession(cmd.Context(), f.SessionEndpoint, nil)
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Failed to create session", err)
	}

	guard := sessionGuard(cfg, f.Name)
	if err := guard.Remember(sessionKey, id); err != nil {
		return exitError(ExitFileWriteError, "Failed to store session", err)
	}

	observability.CLILogger.Info("Session created",
		zap.String("flow", f.Name),
		zap.String("session_id", id))
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	f, err := resolveFlow(cfg, args[0])
	if err != nil {
		return err
	}

	ids, err := sessionGuard(cfg, f.Name).Snapshot()
	if err != nil {
		return exitError(ExitFailure, "Failed to read sessions", err)
	}

	out := cmd.OutOrStdout()
	if sessionJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ids)
	}
	if len(ids) == 0 {
		_, _ = fmt.Fprintf(out, "No session for %s; run `cvflow session new %s`\n", f.Name, f.Name)
		return nil
	}

	keys := make([]string, 0, len(ids))
	for k := range ids {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "KEY\tVALUE")
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", k, ids[k])
	}
	return nil
}

func runSessionSet(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	f, err := resolveFlow(cfg, args[0])
	if err != nil {
		return err
	}
	if err := sessionGuard(cfg, f.Name).Remember(sessionKey, args[1]); err != nil {
		return exitError(ExitInvalidArgument, "Failed to store session", err)
	}
	return nil
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	f, err := resolveFlow(cfg, args[0])
	if err != nil {
		return err
	}
	if err := sessionGuard(cfg, f.Name).ClearSession(sessionKey); err != nil {
		return exitError(ExitFileWriteError, "Failed to clear session", err)
	}
	return nil
}

func runSessionRestart(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	f, err := resolveFlow(cfg, args[0])
	if err != nil {
		return err
	}
	if err := sessionGuard(cfg, f.Name).Restart(); err != nil {
		return exitError(ExitFileWriteError, "Failed to restart flow", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), f.FirstRoute)
	return nil
}

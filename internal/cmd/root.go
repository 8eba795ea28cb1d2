// Package cmd implements the cvflow command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/3leaps/cvflow/internal/config"
	"github.com/3leaps/cvflow/internal/observability"
	"github.com/3leaps/cvflow/internal/server/handlers"
)

// VersionInfo describes the build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var (
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	appIdentity *config.Identity
)

var (
	cfgFile    string
	logLevel   string
	logProfile string
	baseURL    string
	sessionDir string
	flowsFile  string
)

var rootCmd = &cobra.Command{
	Use:   "cvflow",
	Short: "Run CV analysis steps against the analysis backend",
	Long: `cvflow drives the job-backed steps of the interviewer and candidate flows.

Each step submits a form, starts a long-running analysis job on the backend,
polls its progress until it completes, fails, expires or times out, and then
moves on to the next step of the flow.

Examples:
  cvflow session new interviewer
  cvflow run interviewer step2 --field job_description=@posting.txt
  cvflow run interviewer step4 --consent data_processing_consent --file 'cvs/**/*.pdf' --export
  cvflow serve --port 8080`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: user config dir/cvflow/cvflow.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logProfile, "log-profile", "", "Log profile (structured|console)")
	pf.StringVar(&baseURL, "base-url", "", "Backend base URL")
	pf.StringVar(&sessionDir, "session-dir", "", "Directory holding session ids")
	pf.StringVar(&flowsFile, "flows", "", "Flow catalog override (YAML or JSON)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build metadata for `cvflow version` and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity established by config loading, or nil.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initConfig(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(ExitConfigError, "Failed to load config", err)
	}
	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(ExitConfigError, "Failed to initialize logging", err)
	}

	id := config.DefaultIdentity
	appIdentity = &id
	return nil
}

// flagOverrides turns explicitly set persistent flags into config overrides.
func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	set := func(section, key string, value any) {
		m, ok := overrides[section].(map[string]any)
		if !ok {
			m = map[string]any{}
			overrides[section] = m
		}
		m[key] = value
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		set("logging", "level", logLevel)
	}
	if flags.Changed("log-profile") {
		set("logging", "profile", logProfile)
	}
	if flags.Changed("base-url") {
		set("backend", "base_url", baseURL)
	}
	if flags.Changed("session-dir") {
		set("session", "dir", sessionDir)
	}
	if flags.Changed("flows") {
		set("flows", "file", flowsFile)
	}
	return overrides
}

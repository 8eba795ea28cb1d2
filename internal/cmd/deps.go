package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/3leaps/cvflow/internal/config"
	"github.com/3leaps/cvflow/internal/observability"
	"github.com/3leaps/cvflow/pkg/flow"
	"github.com/3leaps/cvflow/pkg/jobclient"
	"github.com/3leaps/cvflow/pkg/poller"
	"github.com/3leaps/cvflow/pkg/report"
	"github.com/3leaps/cvflow/pkg/runlog"
	"github.com/3leaps/cvflow/pkg/session"
)

func currentConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, exitError(ExitConfigError, "Config not loaded", fmt.Errorf("configuration was not initialized"))
	}
	return cfg, nil
}

func loadCatalog(cfg *config.Config) (*flow.Catalog, error) {
	c, err := flow.Load(cfg.Flows.File)
	if err != nil {
		return nil, exitError(ExitConfigError, "Failed to load flow catalog", err)
	}
	return c, nil
}

func resolveStep(cfg *config.Config, flowName, stepName string) (*flow.Flow, *flow.Step, error) {
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	f, s, err := catalog.Step(flowName, stepName)
	if err != nil {
		return nil, nil, exitError(ExitInvalidArgument, "Unknown step", err)
	}
	return f, s, nil
}

func resolveFlow(cfg *config.Config, flowName string) (*flow.Flow, error) {
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	f, err := catalog.Flow(flowName)
	if err != nil {
		return nil, exitError(ExitInvalidArgument, "Unknown flow", err)
	}
	return f, nil
}

func newJobClient(cfg *config.Config) (*jobclient.Client, error) {
	c, err := jobclient.New(jobclient.Config{
		BaseURL:        cfg.Backend.BaseURL,
		RequestTimeout: cfg.Backend.RequestTimeout,
		RateLimit:      cfg.Backend.RateLimit,
		UserAgent:      cfg.Backend.UserAgent,
	}, jobclient.WithLogger(observability.CLILogger))
	if err != nil {
		return nil, exitError(ExitConfigError, "Invalid backend config", err)
	}
	return c, nil
}

// sessionGuard returns the guard for one flow. Each flow keeps its ids in
// its own directory so restarting one flow leaves the other untouched.
func sessionGuard(cfg *config.Config, flowName string) *session.Guard {
	return session.NewGuard(session.NewFileStore(filepath.Join(cfg.Session.Dir, flowName)))
}

func pollerConfig(cfg *config.Config) poller.Config {
	pc := poller.DefaultConfig()
	if cfg.Polling.Interval > 0 {
		pc.Interval = cfg.Polling.Interval
	}
	if cfg.Polling.Timeout > 0 {
		pc.Timeout = cfg.Polling.Timeout
	}
	pc.Logger = observability.CLILogger
	return pc
}

func openSink(ctx context.Context, cfg *config.Config, dest string) (report.Sink, error) {
	if dest == "" {
		dest = cfg.Report.Destination
	}
	sink, err := report.Open(ctx, dest, report.S3Config{
		Region:         cfg.Report.S3.Region,
		Endpoint:       cfg.Report.S3.Endpoint,
		Profile:        cfg.Report.S3.Profile,
		ForcePathStyle: cfg.Report.S3.ForcePathStyle,
	})
	if err != nil {
		return nil, exitError(ExitExternalServiceUnavailable, "Failed to open report destination", err)
	}
	return sink, nil
}

// exportResult renders v and stores it, returning the stored location.
func exportResult(ctx context.Context, cfg *config.Config, dest, base string, v any) (string, error) {
	doc, err := report.Export(base, v)
	if err != nil {
		return "", exitError(ExitFailure, "Failed to render report", err)
	}
	sink, err := openSink(ctx, cfg, dest)
	if err != nil {
		return "", err
	}
	loc, err := sink.Put(ctx, doc)
	if err != nil {
		return "", exitError(ExitFileWriteError, "Failed to store report", err)
	}
	return loc, nil
}

func reportBase(flowName, stepName, sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	base := fmt.Sprintf("cvflow-%s-%s", flowName, stepName)
	if short != "" {
		base += "-" + short
	}
	return filepath.Base(base)
}

// runHistory returns the run store, or nil when history is disabled.
func runHistory(cfg *config.Config) *runlog.Store {
	if cfg.History.Keep <= 0 || cfg.History.Dir == "" {
		return nil
	}
	return runlog.NewStore(cfg.History.Dir)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cvflow/internal/observability"
	"github.com/3leaps/cvflow/internal/server"
	"github.com/3leaps/cvflow/internal/server/handlers"
	"github.com/3leaps/cvflow/internal/server/sim"
	"github.com/3leaps/cvflow/pkg/flow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a simulated analysis backend",
	Long: `Serve the session, start, progress and result endpoints of every flow in the
catalog from an in-memory simulation. Jobs advance one item per step delay.

Start fields control the simulation:
  simulate=error    the job fails halfway
  simulate=expire   the session disappears once the job is running
Uploading a file whose name contains "corrupt" fails the job at that file.

Health endpoints: /health, /health/live, /health/ready, /health/startup.

Examples:
  cvflow serve
  cvflow serve --port 9000 --step-delay 250ms`,
	RunE: runServe,
}

var (
	serveHost      string
	servePort      int
	serveStepDelay string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().StringVar(&serveStepDelay, "step-delay", "", "Time each simulated item takes, e.g. 500ms (default from config)")
}

// identityHealthChecker fails when the application identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// catalogHealthChecker fails when no flow is being served.
type catalogHealthChecker struct {
	catalog *flow.Catalog
}

func (c catalogHealthChecker) CheckHealth(context.Context) error {
	if c.catalog == nil || len(c.catalog.FlowNames()) == 0 {
		return errors.New("flow catalog is empty")
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}
	delay := cfg.Server.StepDelay
	if serveStepDelay != "" {
		d, err := parseDelay(serveStepDelay)
		if err != nil {
			return exitError(ExitInvalidArgument, "Invalid --step-delay", err)
		}
		delay = d
	}

	logger := observability.CLILogger
	backend := sim.New(sim.WithStepDelay(delay), sim.WithLogger(logger))

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	id := GetAppIdentity()
	if id == nil {
		return exitError(ExitConfigError, "Identity not initialized", errors.New("config was not loaded"))
	}
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	hm.RegisterChecker("catalog", catalogHealthChecker{catalog: catalog})

	srv := server.New(host, port,
		server.WithBackend(backend, catalog),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting simulated backend",
			zap.String("addr", srv.Addr()),
			zap.Duration("step_delay", delay),
			zap.Strings("flows", catalog.FlowNames()))
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(ExitFailure, "Shutdown failed", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return exitError(ExitFailure, "Server failed", err)
	}
	logger.Info("Server stopped", zap.Int("sessions", backend.Sessions()))
	return nil
}

func parseDelay(s string) (d time.Duration, err error) {
	d, err = time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("step delay must not be negative, got %s", s)
	}
	return d, nil
}

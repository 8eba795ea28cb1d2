package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateHome points the user config search at an empty directory.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return home
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolateHome(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "http://localhost:8080", cfg.Backend.BaseURL)
		assert.Equal(t, 15*time.Second, cfg.Backend.RequestTimeout)
		assert.Zero(t, cfg.Backend.RateLimit)
		assert.Equal(t, "cvflow", cfg.Backend.UserAgent)

		assert.Equal(t, 2*time.Second, cfg.Polling.Interval)
		assert.Equal(t, 5*time.Minute, cfg.Polling.Timeout)

		assert.NotEmpty(t, cfg.Session.Dir)
		assert.NotEmpty(t, cfg.History.Dir)
		assert.Equal(t, 50, cfg.History.Keep)
		assert.Empty(t, cfg.Flows.File)
		assert.Equal(t, ".", cfg.Report.Destination)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.Equal(t, time.Second, cfg.Server.StepDelay)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, ProfileStructured, cfg.Logging.Profile)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolateHome(t)

		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"polling": map[string]any{
				"interval": "500ms",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 500*time.Millisecond, cfg.Polling.Interval)

		assert.Equal(t, ProfileStructured, cfg.Logging.Profile)
		assert.Equal(t, 5*time.Minute, cfg.Polling.Timeout)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolateHome(t)
		t.Setenv("CVFLOW_PORT", "3000")
		t.Setenv("CVFLOW_LOG_LEVEL", "WARN")
		t.Setenv("CVFLOW_BASE_URL", "https://api.example.com")
		t.Setenv("CVFLOW_S3_FORCE_PATH_STYLE", "true")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "https://api.example.com", cfg.Backend.BaseURL)
		assert.True(t, cfg.Report.S3.ForcePathStyle)
	})

	t.Run("LongFormEnv", func(t *testing.T) {
		isolateHome(t)
		t.Setenv("CVFLOW_BACKEND_RATE_LIMIT", "2.5")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 2.5, cfg.Backend.RateLimit, 0.0001)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolateHome(t)
		t.Setenv("CVFLOW_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := Load(cctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoad_ConfigFile(t *testing.T) {
	ctx := context.Background()

	t.Run("ExplicitFile", func(t *testing.T) {
		isolateHome(t)
		path := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
backend:
  base_url: https://cv.example.com
polling:
  interval: 3s
  timeout: 2m
report:
  destination: s3://reports/cv
`), 0o644))

		SetConfigFile(path)
		defer SetConfigFile("")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "https://cv.example.com", cfg.Backend.BaseURL)
		assert.Equal(t, 3*time.Second, cfg.Polling.Interval)
		assert.Equal(t, 2*time.Minute, cfg.Polling.Timeout)
		assert.Equal(t, "s3://reports/cv", cfg.Report.Destination)
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		isolateHome(t)
		path := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("polling:\n  interval: 3s\n"), 0o644))
		t.Setenv("CVFLOW_POLL_INTERVAL", "7s")

		SetConfigFile(path)
		defer SetConfigFile("")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7*time.Second, cfg.Polling.Interval)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolateHome(t)
		SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config")
	})

	t.Run("UserConfigDir", func(t *testing.T) {
		home := isolateHome(t)
		dir := filepath.Join(home, ".cvflow")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cvflow.yaml"), []byte("logging:\n  profile: console\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, ProfileConsole, cfg.Logging.Profile)
	})
}

func TestLoad_Validation(t *testing.T) {
	ctx := context.Background()
	isolateHome(t)

	tests := []struct {
		name      string
		overrides map[string]any
		contains  string
	}{
		{"empty base url", map[string]any{"backend": map[string]any{"base_url": " "}}, "backend.base_url"},
		{"zero interval", map[string]any{"polling": map[string]any{"interval": "0s"}}, "polling.interval"},
		{"negative timeout", map[string]any{"polling": map[string]any{"timeout": "-1s"}}, "polling.timeout"},
		{"bad profile", map[string]any{"logging": map[string]any{"profile": "fancy"}}, "logging.profile"},
		{"bad port", map[string]any{"server": map[string]any{"port": 70000}}, "server.port"},
		{"negative rate", map[string]any{"backend": map[string]any{"rate_limit": -1}}, "backend.rate_limit"},
		{"negative history", map[string]any{"history": map[string]any{"keep": -1}}, "history.keep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestGetConfig(t *testing.T) {
	isolateHome(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	isolateHome(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "CVFLOW_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}

	for _, want := range []string{
		"CVFLOW_BASE_URL",
		"CVFLOW_POLL_INTERVAL",
		"CVFLOW_POLL_TIMEOUT",
		"CVFLOW_LOG_LEVEL",
		"CVFLOW_PORT",
		"CVFLOW_HOST",
		"CVFLOW_REPORT_DESTINATION",
		"CVFLOW_HISTORY_DIR",
	} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

func TestDurationParsing(t *testing.T) {
	isolateHome(t)
	t.Setenv("CVFLOW_READ_TIMEOUT", "45s")
	t.Setenv("CVFLOW_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("CVFLOW_POLL_TIMEOUT", "90s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 90*time.Second, cfg.Polling.Timeout)
}

func TestConfigReload(t *testing.T) {
	isolateHome(t)
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "http://localhost:8080", v.GetString("backend.base_url"))
	assert.Equal(t, "2s", v.GetString("polling.interval"))
	assert.Equal(t, "5m", v.GetString("polling.timeout"))
	assert.Equal(t, "localhost", v.GetString("server.host"))
	assert.Equal(t, 8080, v.GetInt("server.port"))
	assert.Equal(t, "30s", v.GetString("server.read_timeout"))
	assert.Equal(t, "120s", v.GetString("server.idle_timeout"))
	assert.Equal(t, "info", v.GetString("logging.level"))
	assert.Equal(t, "structured", v.GetString("logging.profile"))
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}

// resetAppIdentity resets package state for isolated tests.
// Must only be used in tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getUserConfigPaths())
	assert.Nil(t, GetConfig())
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getEnvSpecs())
}

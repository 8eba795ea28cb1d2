package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env mapping.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the cvflow identity.
var DefaultIdentity = Identity{
	BinaryName: "cvflow",
	EnvPrefix:  "CVFLOW",
	ConfigName: "cvflow",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// envSpec maps one environment variable onto a config key path.
type envSpec struct {
	Name string
	Path []string
}

func (s envSpec) key() string {
	return strings.Join(s.Path, ".")
}

// envBindings lists the short env names. Every key is also reachable via
// the long form PREFIX_SECTION_KEY (e.g. CVFLOW_BACKEND_BASE_URL).
var envBindings = []struct {
	suffix string
	path   []string
}{
	{"BASE_URL", []string{"backend", "base_url"}},
	{"REQUEST_TIMEOUT", []string{"backend", "request_timeout"}},
	{"RATE_LIMIT", []string{"backend", "rate_limit"}},
	{"USER_AGENT", []string{"backend", "user_agent"}},
	{"POLL_INTERVAL", []string{"polling", "interval"}},
	{"POLL_TIMEOUT", []string{"polling", "timeout"}},
	{"SESSION_DIR", []string{"session", "dir"}},
	{"HISTORY_DIR", []string{"history", "dir"}},
	{"HISTORY_KEEP", []string{"history", "keep"}},
	{"FLOWS_FILE", []string{"flows", "file"}},
	{"LOG_LEVEL", []string{"logging", "level"}},
	{"LOG_PROFILE", []string{"logging", "profile"}},
	{"REPORT_DESTINATION", []string{"report", "destination"}},
	{"S3_REGION", []string{"report", "s3", "region"}},
	{"S3_ENDPOINT", []string{"report", "s3", "endpoint"}},
	{"S3_PROFILE", []string{"report", "s3", "profile"}},
	{"S3_FORCE_PATH_STYLE", []string{"report", "s3", "force_path_style"}},
	{"HOST", []string{"server", "host"}},
	{"PORT", []string{"server", "port"}},
	{"READ_TIMEOUT", []string{"server", "read_timeout"}},
	{"WRITE_TIMEOUT", []string{"server", "write_timeout"}},
	{"IDLE_TIMEOUT", []string{"server", "idle_timeout"}},
	{"SHUTDOWN_TIMEOUT", []string{"server", "shutdown_timeout"}},
	{"STEP_DELAY", []string{"server", "step_delay"}},
}

// SetConfigFile forces Load to read path instead of searching the user
// config directories. An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load resolves the configuration and makes it available via GetConfig.
//
// Precedence, highest first: runtime overrides, environment, config file,
// defaults. Overrides are nested maps keyed like the config file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	configMu.RLock()
	id := *appIdentity
	configMu.RUnlock()

	v.SetEnvPrefix(id.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.key(), spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Backend.RateLimit < 0 {
		errs = append(errs, errors.New("backend.rate_limit must be >= 0"))
	}
	if c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("polling.interval must be > 0"))
	}
	if c.Polling.Timeout <= 0 {
		errs = append(errs, errors.New("polling.timeout must be > 0"))
	}
	switch c.Logging.Profile {
	case ProfileStructured, ProfileConsole:
	default:
		errs = append(errs, fmt.Errorf("logging.profile must be %q or %q, got %q", ProfileStructured, ProfileConsole, c.Logging.Profile))
	}
	if c.History.Keep < 0 {
		errs = append(errs, errors.New("history.keep must be >= 0"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.request_timeout", "15s")
	v.SetDefault("backend.rate_limit", 0)
	v.SetDefault("backend.user_agent", "cvflow")

	v.SetDefault("polling.interval", "2s")
	v.SetDefault("polling.timeout", "5m")

	v.SetDefault("session.dir", defaultSessionDir())
	v.SetDefault("history.dir", defaultHistoryDir())
	v.SetDefault("history.keep", 50)
	v.SetDefault("flows.file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", ProfileStructured)

	v.SetDefault("report.destination", ".")
	v.SetDefault("report.s3.region", "")
	v.SetDefault("report.s3.endpoint", "")
	v.SetDefault("report.s3.profile", "")
	v.SetDefault("report.s3.force_path_style", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.step_delay", "1s")
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	paths := getUserConfigPaths()
	if len(paths) == 0 {
		return nil
	}

	configMu.RLock()
	name := appIdentity.ConfigName
	configMu.RUnlock()

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths returns the directories searched for <name>.yaml.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, id.BinaryName))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, "."+id.BinaryName))
	}
	return paths
}

// getEnvSpecs returns the short env mappings for the current identity.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []envSpec{}
	}

	specs := make([]envSpec, 0, len(envBindings))
	for _, b := range envBindings {
		specs = append(specs, envSpec{
			Name: id.EnvPrefix + "_" + b.suffix,
			Path: b.path,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func defaultSessionDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "cvflow", "session")
	}
	return filepath.Join(".cvflow", "session")
}

func defaultHistoryDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "cvflow", "runs")
	}
	return filepath.Join(".cvflow", "runs")
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

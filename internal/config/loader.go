// Package config loads gpubatch configuration from defaults, an optional YAML
// file, GPUBATCH_* environment variables and runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/gpubatch/pkg/allocator"
)

const (
	// AppName names the config file, data directory and env prefix.
	AppName   = "gpubatch"
	EnvPrefix = "GPUBATCH"
)

type Config struct {
	Launcher  LauncherConfig  `mapstructure:"launcher"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Task      TaskConfig      `mapstructure:"task"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	History   HistoryConfig   `mapstructure:"history"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LauncherConfig holds the allocation request and launch pacing.
type LauncherConfig struct {
	ClusterInfo      string  `mapstructure:"cluster_info"`
	NumGPUs          int     `mapstructure:"num_gpus"`
	MinGPUsPerHost   int     `mapstructure:"min_gpus_per_host"`
	Hosts            string  `mapstructure:"hosts"`
	IgnoreHosts      string  `mapstructure:"ignore_hosts"`
	GPUsAsSingleHost bool    `mapstructure:"gpus_as_single_host"`
	WaitForAvailable int     `mapstructure:"wait_for_available"`
	DryRun           bool    `mapstructure:"dryrun"`
	LaunchRate       float64 `mapstructure:"launch_rate"`
}

type AllocatorConfig struct {
	Executable  string   `mapstructure:"executable"`
	AcquireArgs []string `mapstructure:"acquire_args"`
	RunArgs     []string `mapstructure:"run_args"`
}

type TaskConfig struct {
	Name        string `mapstructure:"name"`
	Script      string `mapstructure:"script"`
	Interpreter string `mapstructure:"interpreter"`
	ConfigName  string `mapstructure:"config_name"`
	ConfigDir   string `mapstructure:"config_dir"`
	ConfigPath  string `mapstructure:"config_path"`
	WorkingDir  string `mapstructure:"working_dir"`
}

type JobsConfig struct {
	Root   string `mapstructure:"root"`
	Record bool   `mapstructure:"record"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DB      string `mapstructure:"db"`
}

type ArchiveConfig struct {
	URI            string `mapstructure:"uri"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EnvSpec maps a short environment variable onto a config path. Every key is
// also reachable as GPUBATCH_<SECTION>_<KEY>.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile sets an explicit config file for subsequent Load calls.
// An empty path restores the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("launcher.cluster_info", "")
	v.SetDefault("launcher.num_gpus", 1)
	v.SetDefault("launcher.min_gpus_per_host", 1)
	v.SetDefault("launcher.hosts", "")
	v.SetDefault("launcher.ignore_hosts", "")
	v.SetDefault("launcher.gpus_as_single_host", true)
	v.SetDefault("launcher.wait_for_available", int(allocator.WaitNone))
	v.SetDefault("launcher.dryrun", false)
	v.SetDefault("launcher.launch_rate", 0.0)

	v.SetDefault("allocator.executable", "ccc")
	v.SetDefault("allocator.acquire_args", []string{"gpus"})
	v.SetDefault("allocator.run_args", []string{"run"})

	v.SetDefault("task.name", "")
	v.SetDefault("task.script", "")
	v.SetDefault("task.interpreter", "python3")
	v.SetDefault("task.config_name", "")
	v.SetDefault("task.config_dir", "")
	v.SetDefault("task.config_path", "")
	v.SetDefault("task.working_dir", "")

	v.SetDefault("jobs.root", "")
	v.SetDefault("jobs.record", true)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.db", "")

	v.SetDefault("archive.uri", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_FORMAT", Path: "logging.format"},
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_NUM_GPUS", Path: "launcher.num_gpus"},
		{Name: EnvPrefix + "_CLUSTER", Path: "launcher.cluster_info"},
		{Name: EnvPrefix + "_ALLOCATOR", Path: "allocator.executable"},
		{Name: EnvPrefix + "_JOBS_ROOT", Path: "jobs.root"},
		{Name: EnvPrefix + "_HISTORY_DB", Path: "history.db"},
		{Name: EnvPrefix + "_ARCHIVE_URI", Path: "archive.uri"},
	}
}

// getUserConfigPaths lists directories searched for gpubatch.yaml when no
// explicit file is set.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}

// Load builds the config. Precedence, highest first: runtime overrides,
// environment, config file, defaults. Overrides are nested maps keyed like
// the YAML file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	v := viper.New()
	SetDefaults(v)

	v.SetConfigType("yaml")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(AppName)
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
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
	cfg.applyPathDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func (c *Config) applyPathDefaults() {
	if c.Jobs.Root == "" || c.History.DB == "" {
		dataDir := gfconfig.GetAppDataDir(AppName)
		if c.Jobs.Root == "" {
			c.Jobs.Root = filepath.Join(dataDir, "jobs")
		}
		if c.History.DB == "" {
			c.History.DB = filepath.Join(dataDir, "history.db")
		}
	}
}

// Validate checks value ranges. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Launcher.NumGPUs < 1 {
		errs = append(errs, fmt.Errorf("launcher.num_gpus must be >= 1, got %d", c.Launcher.NumGPUs))
	}
	if c.Launcher.MinGPUsPerHost < 1 {
		errs = append(errs, fmt.Errorf("launcher.min_gpus_per_host must be >= 1, got %d", c.Launcher.MinGPUsPerHost))
	}
	if c.Launcher.WaitForAvailable < int(allocator.WaitNone) {
		errs = append(errs, fmt.Errorf("launcher.wait_for_available must be >= -1, got %d", c.Launcher.WaitForAvailable))
	}
	if c.Launcher.LaunchRate < 0 {
		errs = append(errs, fmt.Errorf("launcher.launch_rate must be >= 0, got %g", c.Launcher.LaunchRate))
	}
	if strings.TrimSpace(c.Allocator.Executable) == "" {
		errs = append(errs, errors.New("allocator.executable is required"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug|info|warn|error, got %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console|json, got %q", c.Logging.Format))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// AllocationRequest maps the launcher section onto an allocator request.
// Tasks is filled in per batch.
func (c *Config) AllocationRequest() allocator.Request {
	return allocator.Request{
		ClusterInfo:      c.Launcher.ClusterInfo,
		GPUs:             c.Launcher.NumGPUs,
		Tasks:            1,
		MinGPUsPerHost:   c.Launcher.MinGPUsPerHost,
		Hosts:            c.Launcher.Hosts,
		IgnoreHosts:      c.Launcher.IgnoreHosts,
		GPUsAsSingleHost: c.Launcher.GPUsAsSingleHost,
		Wait:             allocator.WaitPolicy(c.Launcher.WaitForAvailable),
	}
}

// Package config provides configuration management for Ash.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Modes the server can run in.
const (
	ModeStandalone  = "standalone"  // coordinator that also hosts sandboxes locally
	ModeCoordinator = "coordinator" // coordinator that dispatches all sandboxes to runners
)

// Sandbox runtimes.
const (
	RuntimeProcess = "process" // plain child process with rlimit caps (best effort)
	RuntimeDocker  = "docker"  // one container per sandbox (strict isolation)
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration sections for Ash.
type Config struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Mode             string `mapstructure:"mode"`
	DataDir          string `mapstructure:"data_dir"`
	DBDriver         string `mapstructure:"db_driver"`
	DBDSN            string `mapstructure:"db_dsn"`
	MaxSandboxes     int    `mapstructure:"max_sandboxes"`
	IdleTimeoutMS    int64  `mapstructure:"idle_timeout_ms"`
	ColdCleanupTTLMS int64  `mapstructure:"cold_cleanup_ttl_ms"`
	Runtime          string `mapstructure:"runtime"`
	StrictSandbox    bool   `mapstructure:"strict_sandbox"`
	InternalSecret   string `mapstructure:"internal_secret"`
	APIKey           string `mapstructure:"api_key"`
	SnapshotURL      string `mapstructure:"snapshot_url"`
	NATSURL          string `mapstructure:"nats_url"`
	DebugTiming      bool   `mapstructure:"debug_timing"`

	Runner   RunnerConfig   `mapstructure:"runner"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RunnerConfig holds runner-mode configuration. A process started with a
// non-empty runner ID registers itself against ServerURL and hosts sandboxes
// on behalf of the coordinator.
type RunnerConfig struct {
	ID            string `mapstructure:"id"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	AdvertiseHost string `mapstructure:"advertise_host"`
	ServerURL     string `mapstructure:"server_url"`
	MaxSandboxes  int    `mapstructure:"max_sandboxes"`
}

// DockerConfig holds Docker client configuration for the docker runtime.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"api_version"`
	Image      string `mapstructure:"image"`
}

// LimitsConfig holds per-sandbox resource caps.
type LimitsConfig struct {
	MemoryMB int     `mapstructure:"memory_mb"`
	CPUs     float64 `mapstructure:"cpus"`
	DiskMB   int     `mapstructure:"disk_mb"`
	MaxProcs int     `mapstructure:"max_procs"`
}

// TimeoutsConfig holds the tunable timeouts, in seconds unless noted.
type TimeoutsConfig struct {
	BridgeReady   int `mapstructure:"bridge_ready"`
	Install       int `mapstructure:"install"`
	ShutdownGrace int `mapstructure:"shutdown_grace"`
	Heartbeat     int `mapstructure:"heartbeat"`
	RunnerLive    int `mapstructure:"runner_live"`
	SSEWrite      int `mapstructure:"sse_write"`
	ExecDefault   int `mapstructure:"exec_default"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// IdleTimeout returns the idle sweep threshold as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// ColdCleanupTTL returns the cold-record TTL as a time.Duration.
func (c *Config) ColdCleanupTTL() time.Duration {
	return time.Duration(c.ColdCleanupTTLMS) * time.Millisecond
}

// BridgeReadyTimeout returns the bridge readiness timeout.
func (t *TimeoutsConfig) BridgeReadyTimeout() time.Duration {
	return time.Duration(t.BridgeReady) * time.Second
}

// InstallTimeout returns the install.sh timeout.
func (t *TimeoutsConfig) InstallTimeout() time.Duration {
	return time.Duration(t.Install) * time.Second
}

// ShutdownGraceTimeout returns the bridge shutdown grace period.
func (t *TimeoutsConfig) ShutdownGraceTimeout() time.Duration {
	return time.Duration(t.ShutdownGrace) * time.Second
}

// HeartbeatInterval returns the runner heartbeat interval.
func (t *TimeoutsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(t.Heartbeat) * time.Second
}

// RunnerLiveness returns the runner liveness window.
func (t *TimeoutsConfig) RunnerLiveness() time.Duration {
	return time.Duration(t.RunnerLive) * time.Second
}

// SSEWriteTimeout returns the per-write SSE drain deadline.
func (t *TimeoutsConfig) SSEWriteTimeout() time.Duration {
	return time.Duration(t.SSEWrite) * time.Second
}

// ExecDefaultTimeout returns the default exec command timeout.
func (t *TimeoutsConfig) ExecDefaultTimeout() time.Duration {
	return time.Duration(t.ExecDefault) * time.Second
}

// SQLitePath returns the path of the embedded database file.
func (c *Config) SQLitePath() string {
	if c.DBDSN != "" {
		return c.DBDSN
	}
	return filepath.Join(c.DataDir, "ash.db")
}

// RunnerMode reports whether this process is configured as a runner.
func (c *Config) RunnerMode() bool {
	return c.Runner.ID != ""
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ASH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ash"
	}
	return filepath.Join(home, ".ash")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 4100)
	v.SetDefault("mode", ModeStandalone)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("db_driver", DriverSQLite)
	v.SetDefault("db_dsn", "")
	v.SetDefault("max_sandboxes", 10)
	v.SetDefault("idle_timeout_ms", int64(30*time.Minute/time.Millisecond))
	v.SetDefault("cold_cleanup_ttl_ms", int64(2*time.Hour/time.Millisecond))
	v.SetDefault("runtime", RuntimeProcess)
	v.SetDefault("strict_sandbox", false)
	v.SetDefault("internal_secret", "")
	v.SetDefault("api_key", "")
	v.SetDefault("snapshot_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("debug_timing", false)

	// Runner defaults - empty ID means not a runner
	v.SetDefault("runner.id", "")
	v.SetDefault("runner.host", "0.0.0.0")
	v.SetDefault("runner.port", 4101)
	v.SetDefault("runner.advertise_host", "")
	v.SetDefault("runner.server_url", "")
	v.SetDefault("runner.max_sandboxes", 10)

	// Docker runtime defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.api_version", "1.41")
	v.SetDefault("docker.image", "ash-sandbox:latest")

	// Per-sandbox resource caps
	v.SetDefault("limits.memory_mb", 2048)
	v.SetDefault("limits.cpus", 1.0)
	v.SetDefault("limits.disk_mb", 1024)
	v.SetDefault("limits.max_procs", 64)

	// Timeouts (seconds)
	v.SetDefault("timeouts.bridge_ready", 30)
	v.SetDefault("timeouts.install", 120)
	v.SetDefault("timeouts.shutdown_grace", 3)
	v.SetDefault("timeouts.heartbeat", 10)
	v.SetDefault("timeouts.runner_live", 30)
	v.SetDefault("timeouts.sse_write", 30)
	v.SetDefault("timeouts.exec_default", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ASH_ with snake_case naming, e.g.
// ASH_PORT, ASH_DATA_DIR, ASH_RUNNER_SERVER_URL.
// Config file should be named ash.yaml and placed in the current directory or /etc/ash/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("ash")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ash/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if cfg.Mode != ModeStandalone && cfg.Mode != ModeCoordinator {
		errs = append(errs, "mode must be one of: standalone, coordinator")
	}
	if cfg.DBDriver != DriverSQLite && cfg.DBDriver != DriverPostgres {
		errs = append(errs, "db_driver must be one of: sqlite, postgres")
	}
	if cfg.DBDriver == DriverPostgres && cfg.DBDSN == "" {
		errs = append(errs, "db_dsn is required when db_driver is postgres")
	}
	if cfg.MaxSandboxes <= 0 {
		errs = append(errs, "max_sandboxes must be positive")
	}
	if cfg.IdleTimeoutMS <= 0 {
		errs = append(errs, "idle_timeout_ms must be positive")
	}
	if cfg.ColdCleanupTTLMS <= 0 {
		errs = append(errs, "cold_cleanup_ttl_ms must be positive")
	}
	if cfg.Runtime != RuntimeProcess && cfg.Runtime != RuntimeDocker {
		errs = append(errs, "runtime must be one of: process, docker")
	}
	if cfg.RunnerMode() {
		if cfg.Runner.ServerURL == "" {
			errs = append(errs, "runner.server_url is required in runner mode")
		}
		if cfg.Runner.Port <= 0 || cfg.Runner.Port > 65535 {
			errs = append(errs, "runner.port must be between 1 and 65535")
		}
		if cfg.Runner.MaxSandboxes <= 0 {
			errs = append(errs, "runner.max_sandboxes must be positive")
		}
	}
	if cfg.Mode == ModeCoordinator && cfg.InternalSecret == "" {
		errs = append(errs, "internal_secret is required in coordinator mode")
	}
	if cfg.SnapshotURL != "" &&
		!strings.HasPrefix(cfg.SnapshotURL, "s3://") && !strings.HasPrefix(cfg.SnapshotURL, "gs://") {
		errs = append(errs, "snapshot_url must be an s3:// or gs:// URL")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

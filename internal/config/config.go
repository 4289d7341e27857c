package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and socket configuration.
type Paths struct {
	StateDir   string `toml:"state_dir"`
	LogDir     string `toml:"log_dir"`
	RuntimeDir string `toml:"runtime_dir"`
	SocketPath string `toml:"socket_path"`
}

// Daemon contains timing knobs for the supervisor loop.
type Daemon struct {
	SweepIntervalMillis    int `toml:"sweep_interval_ms"`
	RetryBaseMillis        int `toml:"retry_base_ms"`
	RetryMaxMillis         int `toml:"retry_max_ms"`
	DefaultMaxAttempts     int `toml:"default_max_attempts"`
	KillGraceMillis        int `toml:"kill_grace_ms"`
	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Events configures the built-in event sources that feed worker dispatch.
type Events struct {
	InboxEnabled        bool     `toml:"inbox_enabled"`
	InboxDir            string   `toml:"inbox_dir"`
	InboxDebounceMillis int      `toml:"inbox_debounce_ms"`
	UdevEnabled         bool     `toml:"udev_enabled"`
	UdevSubsystems      []string `toml:"udev_subsystems"`
}

// Runner is a named command template that workers can reference by name.
type Runner struct {
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Concurrency *int              `toml:"concurrency,omitempty"`
	On          string            `toml:"on,omitempty"`
	Env         map[string]string `toml:"env,omitempty"`
}

// Config encapsulates all configuration values for tether.
//
// Configuration sections by subsystem:
//   - Paths: state database, logs, runtime socket and pid files
//   - Daemon: retry sweep cadence, backoff, kill grace, shutdown timeout
//   - Logging: log format, level, and retention
//   - Events: inbox directory watcher and udev listener
//   - Runners: reusable command templates keyed by name
type Config struct {
	Paths   Paths             `toml:"paths"`
	Daemon  Daemon            `toml:"daemon"`
	Logging Logging           `toml:"logging"`
	Events  Events            `toml:"events"`
	Runners map[string]Runner `toml:"runners"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("tether.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.RuntimeDir, c.RunLogDir(), c.WorkerLogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Events.InboxEnabled && strings.TrimSpace(c.Events.InboxDir) != "" {
		if err := os.MkdirAll(c.Events.InboxDir, 0o755); err != nil {
			return fmt.Errorf("create inbox directory %q: %w", c.Events.InboxDir, err)
		}
	}
	return nil
}

// DatabasePath is the SQLite file holding workers and runs.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "tether.db")
}

// PIDPath is the daemon pid file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "tether.pid")
}

// LockPath is the flock file enforcing a single daemon per user.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "tether.lock")
}

// SocketPath returns the IPC socket location.
func (c *Config) SocketPath() string {
	if strings.TrimSpace(c.Paths.SocketPath) != "" {
		return c.Paths.SocketPath
	}
	return filepath.Join(c.Paths.RuntimeDir, "tether.sock")
}

// DaemonLogPath is the file the daemon writes its own structured log to.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.Paths.LogDir, "daemon.log")
}

// RunLogDir holds one combined stdout/stderr file per run.
func (c *Config) RunLogDir() string {
	return filepath.Join(c.Paths.LogDir, "runs")
}

// WorkerLogDir holds per-worker activity logs.
func (c *Config) WorkerLogDir() string {
	return filepath.Join(c.Paths.LogDir, "workers")
}

// SweepInterval returns how often due retries are promoted.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Daemon.SweepIntervalMillis) * time.Millisecond
}

// RetryBase returns the first retry delay.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Daemon.RetryBaseMillis) * time.Millisecond
}

// RetryMax returns the backoff cap.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.Daemon.RetryMaxMillis) * time.Millisecond
}

// KillGrace is the delay between SIGTERM and SIGKILL when stopping a run.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Daemon.KillGraceMillis) * time.Millisecond
}

// ShutdownTimeout bounds the draining phase.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Daemon.ShutdownTimeoutSeconds) * time.Second
}

// InboxDebounce returns the settle delay for inbox file events.
func (c *Config) InboxDebounce() time.Duration {
	return time.Duration(c.Events.InboxDebounceMillis) * time.Millisecond
}

// Runner looks up a named runner template.
func (c *Config) Runner(name string) (Runner, bool) {
	if c == nil || c.Runners == nil {
		return Runner{}, false
	}
	r, ok := c.Runners[strings.TrimSpace(name)]
	return r, ok
}

// RunnerNames returns configured runner names in sorted order.
func (c *Config) RunnerNames() []string {
	names := make([]string, 0, len(c.Runners))
	for name := range c.Runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExpandRunnerArgs substitutes ${VAR} references in args using env first and
// the process environment second. Unknown variables expand to empty strings.
func ExpandRunnerArgs(args []string, env map[string]string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = os.Expand(arg, func(key string) string {
			if v, ok := env[key]; ok {
				return v
			}
			return os.Getenv(key)
		})
	}
	return out
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tether/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "tether")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.SocketPath() != filepath.Join(wantState, "run", "tether.sock") {
		t.Fatalf("unexpected socket path: %q", cfg.SocketPath())
	}
	if cfg.DatabasePath() != filepath.Join(wantState, "tether.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if cfg.Daemon.RetryBaseMillis != 1000 || cfg.Daemon.RetryMaxMillis != 60000 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Daemon)
	}
	if cfg.Daemon.DefaultMaxAttempts != 3 {
		t.Fatalf("unexpected default max attempts: %d", cfg.Daemon.DefaultMaxAttempts)
	}
	if cfg.Logging.Format != "console" {
		t.Fatalf("unexpected log format: %q", cfg.Logging.Format)
	}
	if cfg.Events.InboxEnabled || cfg.Events.UdevEnabled {
		t.Fatal("expected event sources disabled by default")
	}
}

func TestLoadCustomConfigOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(tempHome, "config.toml")
	content := `
[paths]
state_dir = "~/state"
socket_path = "~/custom.sock"

[daemon]
retry_base_ms = 50
retry_max_ms = 200
default_max_attempts = 5

[logging]
format = "JSON"
level = "DEBUG"

[runners.echo]
command = "echo"
args = ["${GREETING}", "world"]
concurrency = 2
on = "task.*"

[runners.echo.env]
GREETING = "hello"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Paths.StateDir != filepath.Join(tempHome, "state") {
		t.Fatalf("unexpected state dir: %q", cfg.Paths.StateDir)
	}
	if cfg.SocketPath() != filepath.Join(tempHome, "custom.sock") {
		t.Fatalf("unexpected socket path: %q", cfg.SocketPath())
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("expected normalized logging values, got %+v", cfg.Logging)
	}
	if cfg.Daemon.DefaultMaxAttempts != 5 {
		t.Fatalf("unexpected max attempts: %d", cfg.Daemon.DefaultMaxAttempts)
	}

	runner, ok := cfg.Runner("echo")
	if !ok {
		t.Fatal("expected echo runner")
	}
	if runner.Concurrency == nil || *runner.Concurrency != 2 {
		t.Fatalf("unexpected runner concurrency: %v", runner.Concurrency)
	}
	args := config.ExpandRunnerArgs(runner.Args, runner.Env)
	if strings.Join(args, " ") != "hello world" {
		t.Fatalf("unexpected expanded args: %v", args)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cases := map[string]string{
		"backoff cap below base": "[daemon]\nretry_base_ms = 500\nretry_max_ms = 100\n",
		"negative attempts":      "[daemon]\ndefault_max_attempts = -1\n",
		"unknown level":          "[logging]\nlevel = \"loud\"\n",
		"runner without command": "[runners.bad]\nargs = [\"x\"]\n",
		"zero concurrency":       "[runners.bad]\ncommand = \"true\"\nconcurrency = 0\n",
		"udev without subsystem": "[events]\nudev_enabled = true\nudev_subsystems = []\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, _, _, err := config.Load(path); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestExpandRunnerArgsFallsBackToProcessEnv(t *testing.T) {
	t.Setenv("TETHER_TEST_VALUE", "from-env")
	args := config.ExpandRunnerArgs([]string{"${TETHER_TEST_VALUE}", "$MISSING_TETHER_VAR", "plain"}, nil)
	if args[0] != "from-env" {
		t.Fatalf("expected process env fallback, got %q", args[0])
	}
	if args[1] != "" {
		t.Fatalf("expected unknown variable to expand empty, got %q", args[1])
	}
	if args[2] != "plain" {
		t.Fatalf("unexpected literal arg: %q", args[2])
	}
}

func TestCreateSampleProducesLoadableConfig(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	path := filepath.Join(tempHome, ".config", "tether", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if _, ok := cfg.Runner("notify"); !ok {
		t.Fatal("expected sample runner to be present")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.RunLogDir(), cfg.WorkerLogDir(), cfg.Paths.RuntimeDir, cfg.Events.InboxDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist: %v", dir, err)
		}
	}
}

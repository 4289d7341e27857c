package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"tether/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test and
// fast retry timings. It applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Paths.SocketPath = shortSocketPath(t)
	cfgVal.Events.InboxDir = filepath.Join(base, "inbox")
	cfgVal.Daemon.SweepIntervalMillis = 20
	cfgVal.Daemon.RetryBaseMillis = 20
	cfgVal.Daemon.RetryMaxMillis = 80
	cfgVal.Daemon.KillGraceMillis = 500
	cfgVal.Daemon.ShutdownTimeoutSeconds = 5
	cfgVal.Logging.RetentionDays = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// shortSocketPath keeps unix socket paths under the sun_path limit, which
// nested t.TempDir paths can exceed.
func shortSocketPath(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tether")
	if err != nil {
		t.Fatalf("mkdir socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

// WithRetry overrides the backoff timings and default attempt budget.
func WithRetry(baseMillis, maxMillis, attempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.RetryBaseMillis = baseMillis
		b.cfg.Daemon.RetryMaxMillis = maxMillis
		b.cfg.Daemon.DefaultMaxAttempts = attempts
	}
}

// WithRunner registers a named runner template.
func WithRunner(name string, runner config.Runner) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Runners == nil {
			b.cfg.Runners = map[string]config.Runner{}
		}
		b.cfg.Runners[name] = runner
	}
}

// WithInbox enables the inbox event source.
func WithInbox() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Events.InboxEnabled = true
		b.cfg.Events.InboxDebounceMillis = 20
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. Each stub runs body (default "exit 0").
func WithStubbedBinaries(body string, names ...string) ConfigOption {
	return func(b *configBuilder) {
		if body == "" {
			body = "exit 0"
		}
		binDir := filepath.Join(b.baseDir, "bin")
		for _, name := range names {
			WriteScript(b.t, filepath.Join(binDir, name), body)
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"tether/internal/config"
	"tether/internal/events"
	"tether/internal/logging"
	"tether/internal/manager"
	"tether/internal/services"
	"tether/internal/store"
)

// Version is reported by ping and status. Release builds override it with
// -ldflags "-X tether/internal/daemon.Version=...".
var Version = "dev"

// Daemon owns the store, the worker manager, and the event sources, and
// enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	base   *slog.Logger
	logger *slog.Logger

	lockPath string
	lock     *flock.Flock

	mu        sync.RWMutex
	store     *store.Store
	manager   *manager.Manager
	sources   []events.Source
	restore   *manager.RestoreReport
	startedAt time.Time

	sourcesWG sync.WaitGroup
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool                   `json:"running"`
	Version       string                 `json:"version"`
	PID           int                    `json:"pid"`
	StartedAt     time.Time              `json:"started_at"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	SocketPath    string                 `json:"socket_path"`
	DatabasePath  string                 `json:"database_path"`
	LockPath      string                 `json:"lock_path"`
	LogPath       string                 `json:"log_path"`
	EventSources  []string               `json:"event_sources,omitempty"`
	Restore       *manager.RestoreReport `json:"restore,omitempty"`
	Summary       manager.Summary        `json:"summary"`
	Error         string                 `json:"error,omitempty"`
}

// New constructs a daemon. Nothing is opened until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		base:     logger,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		shutdown: make(chan struct{}),
	}, nil
}

// Start acquires the instance lock, opens the store, reconciles workers left
// over from a previous daemon, and starts the retry sweep and event sources.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return services.Wrap(services.ErrConflict, "daemon", "start", "another tether daemon instance is already running", nil)
	}
	if err := writePIDFile(d.cfg.PIDPath()); err != nil {
		d.releaseLock()
		return fmt.Errorf("write pid file: %w", err)
	}

	st, err := store.Open(d.cfg)
	if err != nil {
		d.removePIDFile()
		d.releaseLock()
		return fmt.Errorf("open store: %w", err)
	}
	mgr := manager.New(d.cfg, st, d.base)

	report, err := mgr.RestoreWorkers(ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "worker restoration failed", "restore_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "runs from the previous daemon may keep a stale status"),
			logging.String(logging.FieldErrorHint, "inspect the state database and stop affected workers manually"),
		)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := mgr.Start(d.ctx); err != nil {
		d.cancel()
		_ = st.Close()
		d.removePIDFile()
		d.releaseLock()
		return fmt.Errorf("start manager: %w", err)
	}

	sources := d.buildSources(mgr)
	d.mu.Lock()
	d.store = st
	d.manager = mgr
	d.sources = sources
	d.restore = &report
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()

	for _, src := range sources {
		d.sourcesWG.Add(1)
		go d.runSource(d.ctx, src)
	}

	d.running.Store(true)
	d.logger.Info("tether daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("database", st.Path()),
		logging.Int("restored_workers", report.Workers),
		logging.Int("orphaned_runs", report.Orphaned),
		logging.Int("adopted_runs", report.Adopted),
	)
	return nil
}

func (d *Daemon) buildSources(mgr *manager.Manager) []events.Source {
	var sources []events.Source
	if d.cfg.Events.InboxEnabled {
		sources = append(sources, events.NewInbox(d.cfg.Events.InboxDir, d.cfg.InboxDebounce(), mgr, d.base))
	}
	if d.cfg.Events.UdevEnabled {
		sources = append(sources, events.NewUdev(d.cfg.Events.UdevSubsystems, mgr, d.base))
	}
	return sources
}

func (d *Daemon) runSource(ctx context.Context, src events.Source) {
	defer d.sourcesWG.Done()
	if err := src.Run(ctx); err != nil {
		logging.WarnWithContext(d.logger, "event source stopped", "event_source_failed",
			logging.String("source", src.Name()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "events from this source will not be dispatched"),
		)
	}
}

// Stop drains the daemon: event sources end, attached workers and their runs
// are stopped, and the store, pid file, and lock are released. Detached
// workers keep running and are reconciled by the next Start.
func (d *Daemon) Stop(ctx context.Context) error {
	if !d.running.Load() {
		return nil
	}

	d.mu.RLock()
	mgr, st := d.manager, d.store
	d.mu.RUnlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.sourcesWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownTimeout())
	defer cancel()

	var errs []error
	if err := mgr.ShutdownAll(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := mgr.Drain(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain reapers: %w", err))
	}
	mgr.Stop()

	d.mu.Lock()
	d.manager = nil
	d.store = nil
	d.sources = nil
	d.mu.Unlock()

	if err := st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	d.removePIDFile()
	d.releaseLock()
	d.ctx = nil
	d.cancel = nil
	d.running.Store(false)
	d.logger.Info("tether daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return errors.Join(errs...)
}

// Manager returns the live worker manager.
func (d *Daemon) Manager() (*manager.Manager, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.manager == nil {
		return nil, services.Wrap(services.ErrInvalidState, "daemon", "", "daemon is not running", nil)
	}
	return d.manager, nil
}

// RequestShutdown asks the process hosting the daemon to drain and exit.
// Repeated calls are ignored.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("shutdown requested", logging.String(logging.FieldEventType, "shutdown_requested"))
		close(d.shutdown)
	})
}

// ShutdownRequested is closed once RequestShutdown has been called.
func (d *Daemon) ShutdownRequested() <-chan struct{} {
	return d.shutdown
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		Version:      Version,
		PID:          os.Getpid(),
		SocketPath:   d.cfg.SocketPath(),
		DatabasePath: d.cfg.DatabasePath(),
		LockPath:     d.lockPath,
		LogPath:      d.cfg.DaemonLogPath(),
	}

	d.mu.RLock()
	mgr := d.manager
	status.StartedAt = d.startedAt
	status.Restore = d.restore
	for _, src := range d.sources {
		status.EventSources = append(status.EventSources, src.Name())
	}
	d.mu.RUnlock()

	if !status.StartedAt.IsZero() && status.Running {
		status.UptimeSeconds = int64(time.Since(status.StartedAt).Seconds())
	}
	if mgr == nil {
		return status
	}
	summary, err := mgr.Summary(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Summary = summary
	return status
}

func (d *Daemon) releaseLock() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "lock_release_failed"),
			logging.String(logging.FieldImpact, "next daemon start may report another instance"),
		)
	}
}

func (d *Daemon) removePIDFile() {
	if err := os.Remove(d.cfg.PIDPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove pid file", logging.Error(err), logging.String("path", d.cfg.PIDPath()))
	}
}

func writePIDFile(path string) error {
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// ReadPIDFile returns the pid recorded by a running daemon, or 0 when the file
// is absent or malformed.
func ReadPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

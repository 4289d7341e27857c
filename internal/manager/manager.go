package manager

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmespath/go-jmespath"

	"tether/internal/config"
	"tether/internal/logging"
	"tether/internal/runner"
	"tether/internal/store"
)

// StopMessage is recorded on runs terminated by request.
const StopMessage = "run stopped: process terminated by request"

const (
	orphanedMessage       = "orphaned by daemon restart"
	supervisionLostMsg    = "supervision lost across daemon restart; exit status unknown"
	cancelledBeforeRunMsg = "run stopped before it started"
	retryCancelledMsg     = "run stopped: scheduled retry cancelled by request"
	workerStoppedRetryMsg = "retry cancelled: worker is not running"
)

// Manager owns every worker and run. It is safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger
	locks  *keyedLocks
	now    func() time.Time

	mu       sync.Mutex
	handles  map[string]*runner.Handle
	adopted  map[string]int
	rules    map[string]*workerRules
	activity map[string]*slog.Logger

	loopMu  sync.Mutex
	running bool
	loopCtx context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	reapers sync.WaitGroup

	draining atomic.Bool
}

// workerRules caches what StartWorker validated so dispatch does not
// recompile filters and templates for every event.
type workerRules struct {
	filters []*jmespath.JMESPath
	args    argTemplates
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for backoff and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a Manager over an open store.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		store:    st,
		logger:   logging.NewComponentLogger(logger, "manager"),
		locks:    newKeyedLocks(),
		now:      time.Now,
		handles:  make(map[string]*runner.Handle),
		adopted:  make(map[string]int),
		rules:    make(map[string]*workerRules),
		activity: make(map[string]*slog.Logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the retry sweep. Restored runs adopted before Start are
// watched as soon as they are registered.
func (m *Manager) Start(ctx context.Context) error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		return errors.New("manager already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCtx = loopCtx
	m.cancel = cancel
	m.running = true
	m.loops.Add(1)
	go m.sweepLoop(loopCtx)
	m.mu.Lock()
	adopted := make(map[string]int, len(m.adopted))
	for id, pid := range m.adopted {
		adopted[id] = pid
	}
	m.mu.Unlock()
	for id, pid := range adopted {
		m.loops.Add(1)
		go m.watchAdopted(loopCtx, id, pid)
	}
	return nil
}

// Stop ends the sweep and adopted-run watchers and waits for them.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	if !m.running {
		m.loopMu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.loopCtx = nil
	m.loopMu.Unlock()

	cancel()
	m.loops.Wait()
}

// Drain marks the manager as shutting down and waits, bounded by ctx, for the
// reapers of every process that has already exited to finish recording it.
// Processes exiting afterwards are left for restart reconciliation instead of
// writing to a store that is about to close.
func (m *Manager) Drain(ctx context.Context) error {
	m.draining.Store(true)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for m.exitedHandles() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// exitedHandles counts handles whose process is reaped but whose reaper has
// not yet released them.
func (m *Manager) exitedHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		select {
		case <-h.Done():
			n++
		default:
		}
	}
	return n
}

// WaitReapers blocks until every tracked process has been reaped or ctx ends.
func (m *Manager) WaitReapers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.reapers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Summary reports worker and run counts for the daemon status view.
type Summary struct {
	Workers      map[store.WorkerStatus]int `json:"workers"`
	Runs         map[store.RunStatus]int    `json:"runs"`
	LiveHandles  int                        `json:"live_handles"`
	AdoptedRuns  int                        `json:"adopted_runs"`
	DatabasePath string                     `json:"database_path"`
}

// Summary collects counts from the store and the in-memory supervisor.
func (m *Manager) Summary(ctx context.Context) (Summary, error) {
	workers, err := m.store.WorkerCounts(ctx)
	if err != nil {
		return Summary{}, wrapStore("status", err)
	}
	runs, err := m.store.Stats(ctx)
	if err != nil {
		return Summary{}, wrapStore("status", err)
	}
	m.mu.Lock()
	live, adopted := len(m.handles), len(m.adopted)
	m.mu.Unlock()
	return Summary{
		Workers:      workers,
		Runs:         runs,
		LiveHandles:  live,
		AdoptedRuns:  adopted,
		DatabasePath: m.store.Path(),
	}, nil
}

// workerLogger returns the activity logger for a worker: daemon log plus a
// JSON file under the worker log directory.
func (m *Manager) workerLogger(workerID string) *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger, ok := m.activity[workerID]; ok {
		return logger
	}
	level := slog.LevelInfo
	if m.cfg != nil && m.cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	file := logging.NewFileHandler(m.WorkerLogPath(workerID), level)
	logger := logging.TeeLogger(m.logger, file).With(logging.WorkerID(workerID))
	m.activity[workerID] = logger
	return logger
}

// WorkerLogPath is where a worker's activity log lives.
func (m *Manager) WorkerLogPath(workerID string) string {
	return filepath.Join(m.cfg.WorkerLogDir(), workerID+".log")
}

func (m *Manager) forgetWorker(workerID string) {
	m.mu.Lock()
	delete(m.rules, workerID)
	delete(m.activity, workerID)
	m.mu.Unlock()
}

func (m *Manager) handle(runID string) *runner.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[runID]
}

func (m *Manager) adoptedPID(runID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid, ok := m.adopted[runID]
	return pid, ok
}

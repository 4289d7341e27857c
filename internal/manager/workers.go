package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tether/internal/config"
	"tether/internal/logging"
	"tether/internal/services"
	"tether/internal/store"
)

// WorkerSpec is the caller's request to create a worker. Either RunnerName or
// Command must be set; explicit fields override the runner template.
type WorkerSpec struct {
	RunnerName   string            `json:"runner_name,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	EventType    string            `json:"event_type,omitempty"`
	Filters      []string          `json:"filters,omitempty"`
	Concurrency  *int              `json:"concurrency,omitempty"`
	MaxAttempts  *int              `json:"max_attempts,omitempty"`
	InstancePath string            `json:"instance_path,omitempty"`
	Detach       bool              `json:"detach,omitempty"`
}

// PruneResult lists what PruneWorkers removed.
type PruneResult struct {
	Workers      []string `json:"workers"`
	RemovedFiles int      `json:"removed_files"`
}

// StartWorker validates spec, persists a running worker, and makes it
// eligible for dispatch.
func (m *Manager) StartWorker(ctx context.Context, spec WorkerSpec) (*store.Worker, error) {
	worker, rules, err := m.resolveWorker(spec)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateWorker(ctx, worker); err != nil {
		return nil, wrapStore("start worker", err)
	}
	m.mu.Lock()
	m.rules[worker.ID] = rules
	m.mu.Unlock()

	m.workerLogger(worker.ID).Info("worker started",
		logging.String(logging.FieldEventType, "worker_started"),
		logging.String("command", worker.Command),
		logging.Any("args", worker.Args),
		logging.String("on", worker.EventType),
		logging.Int("concurrency", worker.Concurrency),
		logging.Int("max_attempts", worker.MaxAttempts),
		logging.Bool("detached", worker.Detached),
	)
	return worker, nil
}

func (m *Manager) resolveWorker(spec WorkerSpec) (*store.Worker, *workerRules, error) {
	invalid := func(format string, args ...any) error {
		return services.Wrap(services.ErrValidation, "manager", "start worker", fmt.Sprintf(format, args...), nil)
	}

	worker := &store.Worker{
		RunnerName:   strings.TrimSpace(spec.RunnerName),
		Command:      strings.TrimSpace(spec.Command),
		Args:         spec.Args,
		EventType:    strings.TrimSpace(spec.EventType),
		Filters:      spec.Filters,
		Concurrency:  1,
		MaxAttempts:  m.cfg.Daemon.DefaultMaxAttempts,
		InstancePath: strings.TrimSpace(spec.InstancePath),
		Detached:     spec.Detach,
		Status:       store.WorkerRunning,
	}
	env := map[string]string{}

	if worker.RunnerName != "" {
		tmpl, ok := m.cfg.Runner(worker.RunnerName)
		if !ok {
			return nil, nil, invalid("unknown runner %q", worker.RunnerName)
		}
		for k, v := range tmpl.Env {
			env[k] = v
		}
		if worker.Command == "" {
			worker.Command = tmpl.Command
		}
		if len(worker.Args) == 0 {
			worker.Args = config.ExpandRunnerArgs(tmpl.Args, tmpl.Env)
		}
		if worker.EventType == "" {
			worker.EventType = tmpl.On
		}
		if tmpl.Concurrency != nil {
			worker.Concurrency = *tmpl.Concurrency
		}
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	if len(env) > 0 {
		worker.Env = env
	}

	if worker.Command == "" {
		return nil, nil, invalid("command must not be empty")
	}
	if worker.EventType == "" {
		return nil, nil, invalid("event type must not be empty")
	}
	if spec.Concurrency != nil {
		worker.Concurrency = *spec.Concurrency
	}
	if worker.Concurrency < 1 {
		return nil, nil, invalid("concurrency must be at least 1, got %d", worker.Concurrency)
	}
	if spec.MaxAttempts != nil {
		worker.MaxAttempts = *spec.MaxAttempts
	}
	if worker.MaxAttempts < 1 {
		return nil, nil, invalid("max attempts must be at least 1, got %d", worker.MaxAttempts)
	}
	if worker.InstancePath != "" {
		expanded, err := config.ExpandPath(worker.InstancePath)
		if err != nil {
			return nil, nil, invalid("instance path: %v", err)
		}
		info, err := os.Stat(expanded)
		if err != nil || !info.IsDir() {
			return nil, nil, invalid("instance path %q is not a directory", expanded)
		}
		worker.InstancePath = expanded
	}

	filters, err := compileFilters(worker.Filters)
	if err != nil {
		return nil, nil, invalid("%v", err)
	}
	args, err := parseArgTemplates(worker.Args)
	if err != nil {
		return nil, nil, invalid("%v", err)
	}
	return worker, &workerRules{filters: filters, args: args}, nil
}

// rulesFor returns cached filters and templates, rebuilding them from the
// stored worker after a restart.
func (m *Manager) rulesFor(worker *store.Worker) (*workerRules, error) {
	m.mu.Lock()
	rules, ok := m.rules[worker.ID]
	m.mu.Unlock()
	if ok {
		return rules, nil
	}
	filters, err := compileFilters(worker.Filters)
	if err != nil {
		return nil, err
	}
	args, err := parseArgTemplates(worker.Args)
	if err != nil {
		return nil, err
	}
	rules = &workerRules{filters: filters, args: args}
	m.mu.Lock()
	m.rules[worker.ID] = rules
	m.mu.Unlock()
	return rules, nil
}

// StopWorker marks the worker stopped so no new runs are admitted. With
// stopRuns every non-terminal run is stopped as well; otherwise in-flight runs
// finish on their own.
func (m *Manager) StopWorker(ctx context.Context, id string, stopRuns bool) (*store.Worker, error) {
	unlock := m.locks.Lock(workerKey(id))
	defer unlock()

	worker, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return nil, wrapStore("stop worker", err)
	}
	if worker == nil {
		return nil, services.NotFound("worker", id)
	}
	if worker.Status != store.WorkerStopped {
		if _, err := m.store.UpdateWorkerStatus(ctx, id, store.WorkerStopped, worker.LastError); err != nil {
			return nil, wrapStore("stop worker", err)
		}
	}

	logger := m.workerLogger(id)
	if stopRuns {
		runs, err := m.store.ListRunsByStatus(ctx, id, store.RunPending, store.RunRunning, store.RunPaused, store.RunRetryScheduled)
		if err != nil {
			return nil, wrapStore("stop worker", err)
		}
		var g errgroup.Group
		for _, run := range runs {
			g.Go(func() error {
				_, err := m.StopRun(ctx, run.ID)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			logging.WarnWithContext(logger, "worker stopped but some runs could not be stopped", "worker_stop_partial",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "inspect the worker's runs with tether run list --worker"),
				logging.String(logging.FieldImpact, "some runs may still be executing"),
			)
			return nil, err
		}
	}
	logger.Info("worker stopped",
		logging.String(logging.FieldEventType, "worker_stopped"),
		logging.Bool("stop_runs", stopRuns),
	)

	updated, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return nil, wrapStore("stop worker", err)
	}
	if updated == nil {
		return nil, services.NotFound("worker", id)
	}
	return updated, nil
}

// GetWorker returns a worker or a NotFound error.
func (m *Manager) GetWorker(ctx context.Context, id string) (*store.Worker, error) {
	worker, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return nil, wrapStore("get worker", err)
	}
	if worker == nil {
		return nil, services.NotFound("worker", id)
	}
	return worker, nil
}

// ListWorkers returns non-stopped workers, or every worker when all is set.
func (m *Manager) ListWorkers(ctx context.Context, all bool) ([]*store.Worker, error) {
	workers, err := m.store.ListWorkers(ctx, all)
	if err != nil {
		return nil, wrapStore("list workers", err)
	}
	return workers, nil
}

// ShutdownAll stops every attached worker and its runs. Detached workers and
// their processes are left running.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	workers, err := m.store.ListWorkersByStatus(ctx, store.WorkerRunning)
	if err != nil {
		return wrapStore("shutdown", err)
	}
	var g errgroup.Group
	g.SetLimit(8)
	stopped := 0
	for _, worker := range workers {
		if worker.Detached {
			continue
		}
		stopped++
		g.Go(func() error {
			if _, err := m.StopWorker(ctx, worker.ID, true); err != nil {
				return fmt.Errorf("stop worker %s: %w", worker.ID, err)
			}
			return nil
		})
	}
	err = g.Wait()
	m.logger.Info("workers shut down",
		logging.String(logging.FieldEventType, "shutdown_all"),
		logging.Int("stopped", stopped),
		logging.Int("detached", len(workers)-stopped),
	)
	return err
}

// PruneWorkers deletes stopped or errored workers idle for longer than
// olderThan (all of them when olderThan is zero) whose runs are all terminal,
// together with their run logs and activity log.
func (m *Manager) PruneWorkers(ctx context.Context, olderThan time.Duration) (PruneResult, error) {
	var cutoff time.Time
	if olderThan > 0 {
		cutoff = m.now().Add(-olderThan)
	}
	pruned, err := m.store.PruneWorkers(ctx, cutoff)
	if err != nil {
		return PruneResult{}, wrapStore("prune workers", err)
	}
	result := PruneResult{Workers: make([]string, 0, len(pruned))}
	var removeErrs []error
	for _, p := range pruned {
		result.Workers = append(result.Workers, p.ID)
		paths := append(p.RunLogPaths, m.WorkerLogPath(p.ID))
		for _, path := range paths {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err == nil {
				result.RemovedFiles++
			} else if !errors.Is(err, os.ErrNotExist) {
				removeErrs = append(removeErrs, err)
			}
		}
		m.forgetWorker(p.ID)
	}
	if len(result.Workers) > 0 {
		m.logger.Info("pruned workers",
			logging.String(logging.FieldEventType, "workers_pruned"),
			logging.Int("count", len(result.Workers)),
			logging.Int("files_removed", result.RemovedFiles),
		)
	}
	if len(removeErrs) > 0 {
		return result, services.Wrap(services.ErrIO, "manager", "prune workers", "remove log files", errors.Join(removeErrs...))
	}
	return result, nil
}

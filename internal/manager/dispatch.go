package manager

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"tether/internal/logging"
	"tether/internal/logs"
	"tether/internal/runner"
	"tether/internal/services"
	"tether/internal/store"
)

// Event is an external occurrence that may trigger runs.
type Event struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// DispatchResult reports what a single event did.
type DispatchResult struct {
	EventID string       `json:"event_id"`
	Runs    []*store.Run `json:"runs"`
	// Dropped lists workers that matched but were at their concurrency limit.
	Dropped []string `json:"dropped,omitempty"`
}

// Dispatch offers event to every running worker whose event type and filters
// match. A worker at its concurrency limit drops the event; nothing is queued.
func (m *Manager) Dispatch(ctx context.Context, event Event) (DispatchResult, error) {
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return DispatchResult{}, services.Wrap(services.ErrValidation, "manager", "dispatch", "event type must not be empty", nil)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Payload = normalizePayload(event.Payload)
	result := DispatchResult{EventID: event.ID, Runs: []*store.Run{}}

	workers, err := m.store.ListWorkersByStatus(ctx, store.WorkerRunning)
	if err != nil {
		return result, wrapStore("dispatch", err)
	}
	for _, worker := range workers {
		if !matchEventType(worker.EventType, event.Type) {
			continue
		}
		logger := m.workerLogger(worker.ID)
		rules, err := m.rulesFor(worker)
		if err != nil {
			logging.WarnWithContext(logger, "worker rules could not be compiled", "worker_rules_invalid",
				logging.Error(err),
				logging.String(logging.FieldImpact, "event skipped for this worker"),
				logging.String(logging.FieldErrorHint, "stop the worker and start it again with valid filters and args"),
			)
			continue
		}
		accepted, err := acceptsEvent(rules.filters, event)
		if err != nil {
			logging.WarnWithContext(logger, "filter evaluation failed", "event_filter_failed",
				logging.Error(err),
				logging.String("event_id", event.ID),
				logging.String(logging.FieldImpact, "event skipped for this worker"),
			)
			continue
		}
		if !accepted {
			logger.Debug("event rejected by filter",
				logging.String(logging.FieldEventType, "event_filtered"),
				logging.String("event_id", event.ID),
				logging.String("type", event.Type),
			)
			continue
		}

		run, admitted, err := m.admit(ctx, worker.ID, rules, event)
		if err != nil {
			if errors.Is(err, services.ErrSpawn) || errors.Is(err, services.ErrConflict) {
				// recorded on the run; keep offering the event to other workers
				if run != nil {
					result.Runs = append(result.Runs, run)
				}
				continue
			}
			return result, err
		}
		if !admitted {
			result.Dropped = append(result.Dropped, worker.ID)
			continue
		}
		result.Runs = append(result.Runs, run)
	}
	return result, nil
}

// admit creates and launches a run when the worker is still running and below
// its concurrency limit.
func (m *Manager) admit(ctx context.Context, workerID string, rules *workerRules, event Event) (*store.Run, bool, error) {
	unlock := m.locks.Lock(workerKey(workerID))
	defer unlock()

	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, false, wrapStore("dispatch", err)
	}
	if worker == nil || worker.Status != store.WorkerRunning {
		return nil, false, nil
	}
	logger := m.workerLogger(worker.ID)

	active, err := m.store.CountActiveRuns(ctx, worker.ID)
	if err != nil {
		return nil, false, wrapStore("dispatch", err)
	}
	if active >= worker.Concurrency {
		logger.Info("event dropped at concurrency limit",
			logging.String(logging.FieldEventType, "event_dropped"),
			logging.String("event_id", event.ID),
			logging.String("type", event.Type),
			logging.String("entity_id", event.EntityID),
			logging.Int("active", active),
			logging.Int("concurrency", worker.Concurrency),
		)
		return nil, false, nil
	}

	runID := uuid.NewString()
	args, err := rules.args.render(worker.Args, templateData{
		ID:        event.ID,
		Type:      event.Type,
		EntityID:  event.EntityID,
		Payload:   event.Payload,
		WorkerID:  worker.ID,
		Attempt:   1,
		Timestamp: m.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logging.WarnWithContext(logger, "argument template failed", "run_template_failed",
			logging.Error(err),
			logging.String("event_id", event.ID),
			logging.String(logging.FieldImpact, "event skipped for this worker"),
			logging.String(logging.FieldErrorHint, "check the worker args against the event payload"),
		)
		return nil, false, nil
	}

	run := &store.Run{
		ID:          runID,
		WorkerID:    worker.ID,
		EventID:     event.ID,
		EventType:   event.Type,
		EntityID:    event.EntityID,
		Payload:     event.Payload,
		Command:     worker.Command,
		Args:        args,
		Env:         worker.Env,
		Dir:         worker.InstancePath,
		Status:      store.RunPending,
		Attempt:     1,
		MaxAttempts: worker.MaxAttempts,
		LogPath:     runner.LogPath(m.cfg.RunLogDir(), runID),
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, false, wrapStore("dispatch", err)
	}
	logger.Info("run admitted",
		logging.String(logging.FieldEventType, "run_admitted"),
		logging.RunID(run.ID),
		logging.String("event_id", event.ID),
		logging.String("type", event.Type),
		logging.String("entity_id", event.EntityID),
	)

	launched, err := m.launch(ctx, run)
	if launched == nil {
		launched = run
	}
	return launched, true, err
}

// launch spawns a pending run and moves it to running. A spawn failure is
// recorded on the run through the retry policy and also returned.
func (m *Manager) launch(ctx context.Context, run *store.Run) (*store.Run, error) {
	unlock := m.locks.Lock(runKey(run.ID))
	defer unlock()

	current, err := m.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, wrapStore("launch run", err)
	}
	if current == nil {
		return nil, services.NotFound("run", run.ID)
	}
	if current.Status != store.RunPending {
		return current, nil
	}

	logger := m.workerLogger(current.WorkerID)
	handle, spawnErr := runner.Spawn(runner.Spec{
		RunID:     current.ID,
		Command:   current.Command,
		Args:      current.Args,
		Dir:       current.Dir,
		Env:       current.Env,
		KillGrace: m.cfg.KillGrace(),
	}, m.cfg.RunLogDir())
	if spawnErr != nil {
		updated, err := m.recordFailure(ctx, current.ID, []store.RunStatus{store.RunPending}, nil, spawnErr.Error())
		if err != nil {
			return nil, err
		}
		logging.WarnWithContext(logger, "run failed to spawn", "run_spawn_failed",
			logging.RunID(current.ID),
			logging.Error(spawnErr),
			logging.String("status", string(updated.Status)),
			logging.String(logging.FieldErrorHint, "check that the worker command exists and is executable"),
			logging.String(logging.FieldImpact, "run recorded as failed"),
		)
		if errors.Is(spawnErr, services.ErrSpawn) || errors.Is(spawnErr, services.ErrConflict) {
			return updated, spawnErr
		}
		return updated, services.Wrap(services.ErrSpawn, "manager", "launch run", "spawn failed", spawnErr)
	}

	started := m.now().UTC()
	updated, applied, err := m.store.TransitionRun(ctx, current.ID, []store.RunStatus{store.RunPending}, func(r *store.Run) {
		r.Status = store.RunRunning
		r.PID = handle.PID()
		r.StartedAt = &started
		r.LogPath = handle.LogPath()
	})
	if err != nil {
		handle.StartKill()
		m.track(handle)
		return nil, wrapStore("launch run", err)
	}
	m.track(handle)
	if !applied {
		handle.StartKill()
		return updated, nil
	}
	logger.Info("run started",
		logging.String(logging.FieldEventType, "run_started"),
		logging.RunID(updated.ID),
		logging.Int("pid", updated.PID),
		logging.Int("attempt", updated.Attempt),
	)
	return updated, nil
}

// track registers a handle and starts its reaper. Callers hold the run lock,
// so the reaper's own transition waits until the launch is persisted.
func (m *Manager) track(handle *runner.Handle) {
	m.mu.Lock()
	m.handles[handle.RunID()] = handle
	m.mu.Unlock()
	m.reapers.Add(1)
	go m.reap(handle)
}

func (m *Manager) reap(handle *runner.Handle) {
	defer m.reapers.Done()
	exit, _ := handle.Wait(context.Background())
	defer func() {
		m.mu.Lock()
		delete(m.handles, handle.RunID())
		m.mu.Unlock()
	}()
	if m.draining.Load() && !exit.Killed {
		return
	}
	if err := m.finishRun(context.Background(), handle.RunID(), exit); err != nil {
		m.logger.Error("failed to record run exit",
			logging.RunID(handle.RunID()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "run_finish_failed"),
			logging.String(logging.FieldErrorHint, "check state database access"),
		)
	}
}

// finishRun applies a process exit to a running run.
func (m *Manager) finishRun(ctx context.Context, runID string, exit runner.Exit) error {
	unlock := m.locks.Lock(runKey(runID))
	defer unlock()

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return wrapStore("finish run", err)
	}
	if run == nil || run.Status != store.RunRunning {
		return nil
	}
	lines, _ := logs.CountLines(run.LogPath)
	code := exit.Code
	now := m.now().UTC()
	logger := m.workerLogger(run.WorkerID)

	switch {
	case exit.Killed:
		updated, _, err := m.store.TransitionRun(ctx, runID, []store.RunStatus{store.RunRunning}, func(r *store.Run) {
			r.Status = store.RunStopped
			r.PID = 0
			r.ExitCode = &code
			r.ErrorMessage = StopMessage
			r.LogLines = lines
			r.CompletedAt = &now
		})
		if err != nil {
			return wrapStore("finish run", err)
		}
		logger.Info("run stopped", logging.String(logging.FieldEventType, "run_stopped"), logging.RunID(updated.ID))
		return nil
	case exit.Success():
		updated, _, err := m.store.TransitionRun(ctx, runID, []store.RunStatus{store.RunRunning}, func(r *store.Run) {
			r.Status = store.RunDone
			r.PID = 0
			r.ExitCode = &code
			r.ErrorMessage = ""
			r.LogLines = lines
			r.CompletedAt = &now
		})
		if err != nil {
			return wrapStore("finish run", err)
		}
		logger.Info("run finished",
			logging.String(logging.FieldEventType, "run_done"),
			logging.RunID(updated.ID),
			logging.Int64("log_lines", lines),
		)
		return nil
	default:
		updated, err := m.recordFailure(ctx, runID, []store.RunStatus{store.RunRunning}, &code, exit.Message, withLogLines(lines))
		if err != nil {
			return err
		}
		attrs := []logging.Attr{
			logging.String(logging.FieldEventType, "run_failed"),
			logging.RunID(updated.ID),
			logging.Int("exit_code", code),
			logging.Int("attempt", updated.Attempt),
			logging.Int("max_attempts", updated.MaxAttempts),
			logging.String("status", string(updated.Status)),
		}
		if updated.NextRetryAt != nil {
			attrs = append(attrs, logging.String("next_retry_at", updated.NextRetryAt.Format(time.RFC3339Nano)))
		}
		logger.Info("run failed", logging.Args(attrs...)...)
		return nil
	}
}

// normalizePayload reshapes a payload into plain JSON values (float64
// numbers, []any, map[string]any) so filters compare numbers the same way
// whether the event arrived over IPC or from a YAML inbox file.
func normalizePayload(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return payload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return payload
	}
	return out
}

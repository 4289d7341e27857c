package manager

import (
	"context"
	"errors"
	"fmt"

	"tether/internal/logging"
	"tether/internal/logs"
	"tether/internal/runner"
	"tether/internal/services"
	"tether/internal/store"
)

func wrapStore(operation string, err error) error {
	if errors.Is(err, store.ErrRunNotFound) {
		return services.Wrap(services.ErrNotFound, "manager", operation, "run not found", err)
	}
	return services.Wrap(services.ErrIO, "manager", operation, "state database access failed", err)
}

type failureOption func(*store.Run)

func withLogLines(lines int64) failureOption {
	return func(r *store.Run) { r.LogLines = lines }
}

// recordFailure ends the current attempt of a run that exited non-zero or
// failed to spawn. With attempts left the run becomes retry_scheduled with an
// exponential backoff; otherwise it is terminal error. Callers hold the run lock.
func (m *Manager) recordFailure(ctx context.Context, runID string, from []store.RunStatus, code *int, message string, opts ...failureOption) (*store.Run, error) {
	now := m.now().UTC()
	updated, _, err := m.store.TransitionRun(ctx, runID, from, func(r *store.Run) {
		r.PID = 0
		r.ExitCode = code
		r.ErrorMessage = message
		r.CompletedAt = &now
		for _, opt := range opts {
			opt(r)
		}
		if r.Attempt < r.MaxAttempts {
			next := now.Add(Backoff(m.cfg.RetryBase(), m.cfg.RetryMax(), r.Attempt))
			r.Status = store.RunRetryScheduled
			r.NextRetryAt = &next
			return
		}
		r.Status = store.RunError
		r.NextRetryAt = nil
	})
	if err != nil {
		return nil, wrapStore("record failure", err)
	}
	return updated, nil
}

// GetRun returns a run or a NotFound error.
func (m *Manager) GetRun(ctx context.Context, id string) (*store.Run, error) {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return nil, wrapStore("get run", err)
	}
	if run == nil {
		return nil, services.NotFound("run", id)
	}
	return run, nil
}

// ListRuns returns runs newest first. Without All or Status only
// non-terminal runs are listed.
func (m *Manager) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	if filter.WorkerID != "" {
		if _, err := m.GetWorker(ctx, filter.WorkerID); err != nil {
			return nil, err
		}
	}
	if filter.Status != "" {
		if _, ok := store.ParseRunStatus(string(filter.Status)); !ok {
			return nil, services.Wrap(services.ErrValidation, "manager", "list runs", fmt.Sprintf("unknown run status %q", filter.Status), nil)
		}
	}
	runs, err := m.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, wrapStore("list runs", err)
	}
	return runs, nil
}

// StopRun stops a run in any state. A running process is terminated and
// waited for; pending, paused, and retry_scheduled runs are stopped directly,
// cancelling their retry. Stopping a terminal run succeeds without change.
func (m *Manager) StopRun(ctx context.Context, id string) (*store.Run, error) {
	unlock := m.locks.Lock(runKey(id))
	defer unlock()

	run, err := m.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	logger := m.workerLogger(run.WorkerID)
	now := m.now().UTC()

	if run.Status != store.RunRunning {
		updated, _, err := m.store.TransitionRun(ctx, id, []store.RunStatus{store.RunPending, store.RunPaused, store.RunRetryScheduled}, func(r *store.Run) {
			if r.Status == store.RunPending {
				r.ErrorMessage = cancelledBeforeRunMsg
			} else {
				r.ErrorMessage = retryCancelledMsg
			}
			r.Status = store.RunStopped
			r.NextRetryAt = nil
			r.PID = 0
			r.CompletedAt = &now
		})
		if err != nil {
			return nil, wrapStore("stop run", err)
		}
		logger.Info("run stopped",
			logging.String(logging.FieldEventType, "run_stopped"),
			logging.RunID(id),
			logging.String("previous_status", string(run.Status)),
		)
		return updated, nil
	}

	code := -1
	if handle := m.handle(id); handle != nil {
		exit, err := handle.Kill(ctx)
		if err != nil {
			return nil, services.Wrap(services.ErrIO, "manager", "stop run", "wait for process exit", err)
		}
		code = exit.Code
	} else if pid, ok := m.adoptedPID(id); ok {
		if err := runner.TerminatePID(ctx, pid, m.cfg.KillGrace()); err != nil {
			return nil, services.Wrap(services.ErrIO, "manager", "stop run", "terminate adopted process", err)
		}
		m.forgetAdopted(id)
	} else if err := runner.TerminatePID(ctx, run.PID, m.cfg.KillGrace()); err != nil {
		return nil, services.Wrap(services.ErrIO, "manager", "stop run", "terminate process", err)
	}

	lines, _ := logs.CountLines(run.LogPath)
	now = m.now().UTC()
	updated, _, err := m.store.TransitionRun(ctx, id, []store.RunStatus{store.RunRunning}, func(r *store.Run) {
		r.Status = store.RunStopped
		r.PID = 0
		r.ExitCode = &code
		r.ErrorMessage = StopMessage
		r.LogLines = lines
		r.CompletedAt = &now
	})
	if err != nil {
		return nil, wrapStore("stop run", err)
	}
	logger.Info("run stopped",
		logging.String(logging.FieldEventType, "run_stopped"),
		logging.RunID(id),
		logging.Int("exit_code", code),
	)
	return updated, nil
}

// PauseRun suspends a scheduled retry, keeping next_retry_at but making the
// sweep ignore it. Pausing a paused run is a no-op; any other state is
// InvalidState.
func (m *Manager) PauseRun(ctx context.Context, id string) (*store.Run, error) {
	unlock := m.locks.Lock(runKey(id))
	defer unlock()

	run, err := m.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case store.RunPaused:
		return run, nil
	case store.RunRetryScheduled:
	default:
		return nil, invalidState("pause run", run)
	}
	updated, applied, err := m.store.TransitionRun(ctx, id, []store.RunStatus{store.RunRetryScheduled}, func(r *store.Run) {
		r.Status = store.RunPaused
	})
	if err != nil {
		return nil, wrapStore("pause run", err)
	}
	if !applied {
		return nil, invalidState("pause run", updated)
	}
	m.workerLogger(run.WorkerID).Info("run paused",
		logging.String(logging.FieldEventType, "run_paused"),
		logging.RunID(id),
	)
	return updated, nil
}

// ResumeRun re-arms a paused retry. Resuming a retry_scheduled run is a
// no-op; any other state is InvalidState.
func (m *Manager) ResumeRun(ctx context.Context, id string) (*store.Run, error) {
	unlock := m.locks.Lock(runKey(id))
	defer unlock()

	run, err := m.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case store.RunRetryScheduled:
		return run, nil
	case store.RunPaused:
	default:
		return nil, invalidState("resume run", run)
	}
	updated, applied, err := m.store.TransitionRun(ctx, id, []store.RunStatus{store.RunPaused}, func(r *store.Run) {
		r.Status = store.RunRetryScheduled
	})
	if err != nil {
		return nil, wrapStore("resume run", err)
	}
	if !applied {
		return nil, invalidState("resume run", updated)
	}
	m.workerLogger(run.WorkerID).Info("run resumed",
		logging.String(logging.FieldEventType, "run_resumed"),
		logging.RunID(id),
	)
	return updated, nil
}

func invalidState(operation string, run *store.Run) error {
	return services.Wrap(services.ErrInvalidState, "manager", operation,
		fmt.Sprintf("run %s is %s", run.ID, run.Status), nil)
}

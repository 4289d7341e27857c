package manager

import (
	"context"
	"errors"
	"time"

	"tether/internal/logging"
	"tether/internal/logs"
	"tether/internal/runner"
	"tether/internal/store"
)

// RestoreReport summarizes a RestoreWorkers pass.
type RestoreReport struct {
	Workers  int `json:"workers"`
	Orphaned int `json:"orphaned"`
	Adopted  int `json:"adopted"`
}

// RestoreWorkers reconciles persisted state after a daemon start. Every
// running worker stays running. Its running runs whose pid is gone, and its
// pending runs that were never spawned, become error. Running runs whose pid
// is still alive are adopted and watched until the process disappears.
// Failures on individual runs are collected and returned together; the pass
// never stops early.
func (m *Manager) RestoreWorkers(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport
	workers, err := m.store.ListWorkersByStatus(ctx, store.WorkerRunning)
	if err != nil {
		return report, wrapStore("restore workers", err)
	}
	var errs []error
	for _, worker := range workers {
		report.Workers++
		if _, err := m.rulesFor(worker); err != nil {
			errs = append(errs, err)
		}
		runs, err := m.store.ListRunsByStatus(ctx, worker.ID, store.RunRunning, store.RunPending)
		if err != nil {
			errs = append(errs, wrapStore("restore workers", err))
			continue
		}
		logger := m.workerLogger(worker.ID)
		for _, run := range runs {
			adopted, err := m.restoreRun(ctx, run)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if adopted {
				report.Adopted++
				logger.Info("run adopted after restart",
					logging.String(logging.FieldEventType, "run_adopted"),
					logging.RunID(run.ID),
					logging.Int("pid", run.PID),
				)
				continue
			}
			report.Orphaned++
			logger.Info("run orphaned by restart",
				logging.String(logging.FieldEventType, "run_orphaned"),
				logging.RunID(run.ID),
				logging.String("previous_status", string(run.Status)),
			)
		}
	}
	m.logger.Info("workers restored",
		logging.String(logging.FieldEventType, "workers_restored"),
		logging.Int("workers", report.Workers),
		logging.Int("orphaned_runs", report.Orphaned),
		logging.Int("adopted_runs", report.Adopted),
	)
	return report, errors.Join(errs...)
}

func (m *Manager) restoreRun(ctx context.Context, run *store.Run) (bool, error) {
	unlock := m.locks.Lock(runKey(run.ID))
	defer unlock()

	if m.handle(run.ID) != nil {
		return true, nil
	}
	if run.Status == store.RunRunning && runner.ProcessAlive(run.PID) {
		m.adopt(run.ID, run.PID)
		return true, nil
	}
	lines, _ := logs.CountLines(run.LogPath)
	now := m.now().UTC()
	_, _, err := m.store.TransitionRun(ctx, run.ID, []store.RunStatus{store.RunRunning, store.RunPending}, func(r *store.Run) {
		r.Status = store.RunError
		r.PID = 0
		r.NextRetryAt = nil
		r.ErrorMessage = orphanedMessage
		r.LogLines = lines
		r.CompletedAt = &now
	})
	if err != nil {
		return false, wrapStore("restore run", err)
	}
	return false, nil
}

func (m *Manager) adopt(runID string, pid int) {
	m.mu.Lock()
	m.adopted[runID] = pid
	m.mu.Unlock()

	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		m.loops.Add(1)
		go m.watchAdopted(m.loopCtx, runID, pid)
	}
}

// watchAdopted polls an adopted pid and records the run as error once the
// process is gone, since its exit status cannot be observed.
func (m *Manager) watchAdopted(ctx context.Context, runID string, pid int) {
	defer m.loops.Done()
	interval := m.cfg.SweepInterval()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if current, ok := m.adoptedPID(runID); !ok || current != pid {
			return
		}
		if runner.ProcessAlive(pid) {
			continue
		}
		if err := m.loseSupervision(ctx, runID, pid); err != nil {
			m.logger.Warn("failed to record lost adopted run",
				logging.RunID(runID),
				logging.Error(err),
				logging.String(logging.FieldEventType, "adopted_run_update_failed"),
			)
			continue
		}
		return
	}
}

func (m *Manager) loseSupervision(ctx context.Context, runID string, pid int) error {
	unlock := m.locks.Lock(runKey(runID))
	defer unlock()

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return wrapStore("adopted run exit", err)
	}
	if run == nil || run.Status != store.RunRunning || run.PID != pid {
		m.forgetAdopted(runID)
		return nil
	}
	lines, _ := logs.CountLines(run.LogPath)
	now := m.now().UTC()
	if _, _, err := m.store.TransitionRun(ctx, runID, []store.RunStatus{store.RunRunning}, func(r *store.Run) {
		r.Status = store.RunError
		r.PID = 0
		r.ErrorMessage = supervisionLostMsg
		r.LogLines = lines
		r.CompletedAt = &now
	}); err != nil {
		return wrapStore("adopted run exit", err)
	}
	m.forgetAdopted(runID)
	m.workerLogger(run.WorkerID).Info("adopted run exited",
		logging.String(logging.FieldEventType, "run_supervision_lost"),
		logging.RunID(runID),
	)
	return nil
}

func (m *Manager) forgetAdopted(runID string) {
	m.mu.Lock()
	delete(m.adopted, runID)
	m.mu.Unlock()
}

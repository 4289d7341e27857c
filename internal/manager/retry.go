package manager

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tether/internal/logging"
	"tether/internal/runner"
	"tether/internal/store"
)

// Backoff returns the delay before retrying after the given attempt:
// base doubled per previous attempt, capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if limit > 0 && delay >= limit {
			return limit
		}
		delay *= 2
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

func (m *Manager) sweepLoop(ctx context.Context) {
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
			if _, err := m.SweepRetries(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.WarnWithContext(m.logger, "retry sweep failed", "retry_sweep_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check state database access"),
					logging.String(logging.FieldImpact, "due retries wait for the next sweep"),
				)
			}
		}
	}
}

// SweepRetries promotes every due retry_scheduled run whose worker is running
// and has spare capacity. Each promotion closes the scheduled run and launches
// a successor attempt. Due retries of workers that are no longer running are
// stopped. It returns the successors launched.
func (m *Manager) SweepRetries(ctx context.Context) ([]*store.Run, error) {
	due, err := m.store.DueRetries(ctx, m.now())
	if err != nil {
		return nil, wrapStore("sweep retries", err)
	}
	var (
		launched []*store.Run
		errs     []error
	)
	for _, run := range due {
		if err := ctx.Err(); err != nil {
			return launched, err
		}
		successor, err := m.promote(ctx, run)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if successor != nil {
			launched = append(launched, successor)
		}
	}
	return launched, errors.Join(errs...)
}

func (m *Manager) promote(ctx context.Context, due *store.Run) (*store.Run, error) {
	unlockWorker := m.locks.Lock(workerKey(due.WorkerID))
	defer unlockWorker()

	worker, err := m.store.GetWorker(ctx, due.WorkerID)
	if err != nil {
		return nil, wrapStore("promote retry", err)
	}
	if worker == nil || worker.Status != store.WorkerRunning {
		return nil, m.cancelRetry(ctx, due.ID)
	}
	active, err := m.store.CountActiveRuns(ctx, worker.ID)
	if err != nil {
		return nil, wrapStore("promote retry", err)
	}
	if active >= worker.Concurrency {
		return nil, nil
	}

	successorID := uuid.NewString()
	successor := &store.Run{
		ID:          successorID,
		WorkerID:    due.WorkerID,
		EventID:     due.EventID,
		EventType:   due.EventType,
		EntityID:    due.EntityID,
		Payload:     due.Payload,
		Command:     due.Command,
		Args:        due.Args,
		Env:         due.Env,
		Dir:         due.Dir,
		Status:      store.RunPending,
		Attempt:     due.Attempt + 1,
		MaxAttempts: due.MaxAttempts,
		LogPath:     runner.LogPath(m.cfg.RunLogDir(), successorID),
	}

	unlockRun := m.locks.Lock(runKey(due.ID))
	promoted, err := m.store.PromoteRetry(ctx, due.ID, successor)
	unlockRun()
	if err != nil {
		return nil, wrapStore("promote retry", err)
	}
	if !promoted {
		return nil, nil
	}
	m.workerLogger(worker.ID).Info("retry promoted",
		logging.String(logging.FieldEventType, "retry_promoted"),
		logging.RunID(successor.ID),
		logging.String("retry_of", due.ID),
		logging.Int("attempt", successor.Attempt),
		logging.Int("max_attempts", successor.MaxAttempts),
	)
	updated, err := m.launch(ctx, successor)
	if updated == nil {
		updated = successor
	}
	if err != nil && updated.Status == store.RunPending {
		return updated, err
	}
	return updated, nil
}

func (m *Manager) cancelRetry(ctx context.Context, runID string) error {
	unlock := m.locks.Lock(runKey(runID))
	defer unlock()
	now := m.now().UTC()
	updated, applied, err := m.store.TransitionRun(ctx, runID, []store.RunStatus{store.RunRetryScheduled}, func(r *store.Run) {
		r.Status = store.RunStopped
		r.NextRetryAt = nil
		r.ErrorMessage = workerStoppedRetryMsg
		r.CompletedAt = &now
	})
	if err != nil {
		return wrapStore("cancel retry", err)
	}
	if applied {
		m.workerLogger(updated.WorkerID).Info("scheduled retry cancelled",
			logging.String(logging.FieldEventType, "retry_cancelled"),
			logging.RunID(runID),
		)
	}
	return nil
}

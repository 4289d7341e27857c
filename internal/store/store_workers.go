package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateWorker inserts a new worker. An empty ID is assigned a UUID; timestamps
// are always set by the store.
func (s *Store) CreateWorker(ctx context.Context, w *Worker) error {
	if w == nil {
		return errors.New("worker is nil")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = WorkerRunning
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	envJSON, err := encodeJSON(w.Env)
	if err != nil {
		return fmt.Errorf("encode worker env: %w", err)
	}
	var filtersJSON any
	if len(w.Filters) > 0 {
		filtersJSON = encodeList(w.Filters)
	}

	if _, err := s.execWithRetry(ctx,
		`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		nullableString(w.RunnerName),
		w.Command,
		encodeList(w.Args),
		envJSON,
		w.EventType,
		filtersJSON,
		w.Concurrency,
		w.MaxAttempts,
		nullableString(w.InstancePath),
		boolToInt(w.Detached),
		string(w.Status),
		nullableString(w.LastError),
		formatTime(now),
		formatTime(now),
	); err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// GetWorker fetches a worker by identifier. A missing worker returns nil, nil.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return worker, nil
}

// ListWorkers returns workers ordered by creation time. Without all, stopped
// workers are omitted.
func (s *Store) ListWorkers(ctx context.Context, all bool) ([]*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	var args []any
	if !all {
		query += ` WHERE status <> ?`
		args = append(args, string(WorkerStopped))
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	workers, err := collectWorkers(rows)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

// ListWorkersByStatus returns every worker in the given status.
func (s *Store) ListWorkersByStatus(ctx context.Context, status WorkerStatus) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+workerColumns+` FROM workers WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list workers by status: %w", err)
	}
	workers, err := collectWorkers(rows)
	if err != nil {
		return nil, fmt.Errorf("list workers by status: %w", err)
	}
	return workers, nil
}

// UpdateWorkerStatus sets a worker's status and last error. It reports false
// when the worker does not exist.
func (s *Store) UpdateWorkerStatus(ctx context.Context, id string, status WorkerStatus, lastError string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE workers SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status),
		nullableString(lastError),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("update worker status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update worker status: %w", err)
	}
	return affected > 0, nil
}

// DeleteWorker removes a worker and, through the foreign key, its runs.
func (s *Store) DeleteWorker(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete worker: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete worker: %w", err)
	}
	return affected > 0, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned by TransitionRun when the run does not exist.
var ErrRunNotFound = errors.New("run not found")

// CreateRun inserts a new run. An empty ID is assigned a UUID.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r == nil {
		return errors.New("run is nil")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertRun(ctx, tx, r)
	})
}

func insertRun(ctx context.Context, tx *sql.Tx, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunPending
	}
	if r.Attempt <= 0 {
		r.Attempt = 1
	}
	if r.MaxAttempts < r.Attempt {
		r.MaxAttempts = r.Attempt
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	payloadJSON, err := encodeJSON(r.Payload)
	if err != nil {
		return fmt.Errorf("encode run payload: %w", err)
	}
	envJSON, err := encodeJSON(r.Env)
	if err != nil {
		return fmt.Errorf("encode run env: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.WorkerID,
		r.EventID,
		r.EventType,
		nullableString(r.EntityID),
		payloadJSON,
		r.Command,
		encodeList(r.Args),
		envJSON,
		nullableString(r.Dir),
		string(r.Status),
		nullableInt(r.ExitCode),
		nullableString(r.ErrorMessage),
		r.Attempt,
		r.MaxAttempts,
		nullableTime(r.NextRetryAt),
		nullablePID(r.PID),
		r.LogPath,
		r.LogLines,
		nullableString(r.RetryOf),
		nullableTime(r.StartedAt),
		nullableTime(r.CompletedAt),
		formatTime(now),
		formatTime(now),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by identifier. A missing run returns nil, nil.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, narrowed by filter.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, filter.WorkerID)
	}
	switch {
	case filter.Status != "":
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	case !filter.All:
		query += ` AND status IN (` + makePlaceholders(len(openRunStatuses)) + `)`
		args = append(args, statusArgs(openRunStatuses)...)
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListRunsByStatus returns runs in any of the given statuses, oldest first.
func (s *Store) ListRunsByStatus(ctx context.Context, workerID string, statuses ...RunStatus) ([]*Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
	args := statusArgs(statuses)
	if workerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	return runs, nil
}

// CountActiveRuns counts the worker's pending and running runs.
func (s *Store) CountActiveRuns(ctx context.Context, workerID string) (int, error) {
	var count int
	args := append([]any{workerID}, statusArgs(activeRunStatuses)...)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM runs WHERE worker_id = ? AND status IN (`+makePlaceholders(len(activeRunStatuses))+`)`,
		args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return count, nil
}

// DueRetries returns retry_scheduled runs whose next_retry_at is at or before now.
func (s *Store) DueRetries(ctx context.Context, now time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+runColumns+` FROM runs WHERE status = ? AND next_retry_at <= ? ORDER BY next_retry_at, id`,
		string(RunRetryScheduled),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("due retries: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, fmt.Errorf("due retries: %w", err)
	}
	return runs, nil
}

// TransitionRun applies mutate to the run only when its current status is one
// of from (any status when from is empty), all inside one transaction. It
// returns the run as stored after the call and whether mutate was applied.
func (s *Store) TransitionRun(ctx context.Context, id string, from []RunStatus, mutate func(*Run)) (*Run, bool, error) {
	var (
		result  *Run
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, applied = nil, false
		run, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		result = run
		if len(from) > 0 && !slices.Contains(from, run.Status) {
			return nil
		}
		mutate(run)
		if err := updateRun(ctx, tx, run); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("transition run: %w", err)
	}
	return result, applied, nil
}

// UpdateRun persists every mutable run column.
func (s *Store) UpdateRun(ctx context.Context, r *Run) error {
	if r == nil {
		return errors.New("run is nil")
	}
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return updateRun(ctx, tx, r)
	}); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func updateRun(ctx context.Context, tx *sql.Tx, r *Run) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx,
		`UPDATE runs SET
            status = ?, exit_code = ?, error_message = ?, attempt = ?, next_retry_at = ?,
            pid = ?, log_lines = ?, started_at = ?, completed_at = ?, updated_at = ?
        WHERE id = ?`,
		string(r.Status),
		nullableInt(r.ExitCode),
		nullableString(r.ErrorMessage),
		r.Attempt,
		nullableTime(r.NextRetryAt),
		nullablePID(r.PID),
		r.LogLines,
		nullableTime(r.StartedAt),
		nullableTime(r.CompletedAt),
		formatTime(r.UpdatedAt),
		r.ID,
	)
	return err
}

// PromoteRetry closes the retry_scheduled run id and inserts successor as its
// next attempt in one transaction. It returns false without inserting when the
// run is no longer retry_scheduled (already promoted, stopped, or paused).
func (s *Store) PromoteRetry(ctx context.Context, id string, successor *Run) (bool, error) {
	if successor == nil {
		return false, errors.New("successor run is nil")
	}
	var promoted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		promoted = false
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, next_retry_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
			string(RunError),
			formatTime(time.Now()),
			id,
			string(RunRetryScheduled),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		successor.RetryOf = id
		if err := insertRun(ctx, tx, successor); err != nil {
			return err
		}
		promoted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("promote retry: %w", err)
	}
	return promoted, nil
}

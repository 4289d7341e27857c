package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Stats returns a count of runs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[RunStatus]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[RunStatus]int)
	for rows.Next() {
		var status RunStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// WorkerCounts returns a count of workers grouped by status.
func (s *Store) WorkerCounts(ctx context.Context) (map[WorkerStatus]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM workers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("worker stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[WorkerStatus]int)
	for rows.Next() {
		var status WorkerStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// PruneWorkers deletes stopped or errored workers last updated before cutoff
// (every such worker when cutoff is zero) whose runs are all terminal. Their
// runs are deleted with them.
func (s *Store) PruneWorkers(ctx context.Context, cutoff time.Time) ([]PrunedWorker, error) {
	var pruned []PrunedWorker
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pruned = nil
		query := `SELECT id FROM workers w
            WHERE status IN (?, ?)
              AND NOT EXISTS (
                  SELECT 1 FROM runs r WHERE r.worker_id = w.id AND r.status IN (` + makePlaceholders(len(openRunStatuses)) + `)
              )`
		args := []any{string(WorkerStopped), string(WorkerError)}
		args = append(args, statusArgs(openRunStatuses)...)
		if !cutoff.IsZero() {
			query += ` AND updated_at < ?`
			args = append(args, formatTime(cutoff))
		}
		query += ` ORDER BY created_at, id`

		ids, err := queryStrings(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		for _, id := range ids {
			logPaths, err := queryStrings(ctx, tx, `SELECT log_path FROM runs WHERE worker_id = ? ORDER BY created_at`, id)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE worker_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id); err != nil {
				return err
			}
			pruned = append(pruned, PrunedWorker{ID: id, RunLogPaths: logPaths})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prune workers: %w", err)
	}
	return pruned, nil
}

func queryStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

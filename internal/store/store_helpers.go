package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const workerColumns = "id, runner_name, command, args_json, env_json, event_type, filters_json, concurrency, max_attempts, instance_path, detached, status, last_error, created_at, updated_at"

const runColumns = "id, worker_id, event_id, event_type, entity_id, payload_json, command, args_json, env_json, dir, status, exit_code, error_message, attempt, max_attempts, next_retry_at, pid, log_path, log_lines, retry_of, started_at, completed_at, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(scanner rowScanner) (*Worker, error) {
	var (
		w           Worker
		runnerName  sql.NullString
		argsJSON    sql.NullString
		envJSON     sql.NullString
		filtersJSON sql.NullString
		instance    sql.NullString
		detached    int
		status      string
		lastError   sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	if err := scanner.Scan(
		&w.ID,
		&runnerName,
		&w.Command,
		&argsJSON,
		&envJSON,
		&w.EventType,
		&filtersJSON,
		&w.Concurrency,
		&w.MaxAttempts,
		&instance,
		&detached,
		&status,
		&lastError,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	w.RunnerName = runnerName.String
	w.InstancePath = instance.String
	w.Detached = detached != 0
	w.Status = WorkerStatus(status)
	w.LastError = lastError.String
	if err := decodeJSON(argsJSON, &w.Args); err != nil {
		return nil, fmt.Errorf("decode worker args: %w", err)
	}
	if err := decodeJSON(envJSON, &w.Env); err != nil {
		return nil, fmt.Errorf("decode worker env: %w", err)
	}
	if err := decodeJSON(filtersJSON, &w.Filters); err != nil {
		return nil, fmt.Errorf("decode worker filters: %w", err)
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		w.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		w.UpdatedAt = updated
	}
	return &w, nil
}

func scanRun(scanner rowScanner) (*Run, error) {
	var (
		r            Run
		entityID     sql.NullString
		payloadJSON  sql.NullString
		argsJSON     sql.NullString
		envJSON      sql.NullString
		dir          sql.NullString
		status       string
		exitCode     sql.NullInt64
		errorMessage sql.NullString
		nextRetryRaw sql.NullString
		pid          sql.NullInt64
		retryOf      sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&r.ID,
		&r.WorkerID,
		&r.EventID,
		&r.EventType,
		&entityID,
		&payloadJSON,
		&r.Command,
		&argsJSON,
		&envJSON,
		&dir,
		&status,
		&exitCode,
		&errorMessage,
		&r.Attempt,
		&r.MaxAttempts,
		&nextRetryRaw,
		&pid,
		&r.LogPath,
		&r.LogLines,
		&retryOf,
		&startedRaw,
		&completedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	r.EntityID = entityID.String
	r.Dir = dir.String
	r.Status = RunStatus(status)
	r.ErrorMessage = errorMessage.String
	r.RetryOf = retryOf.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if pid.Valid {
		r.PID = int(pid.Int64)
	}
	if err := decodeJSON(payloadJSON, &r.Payload); err != nil {
		return nil, fmt.Errorf("decode run payload: %w", err)
	}
	if err := decodeJSON(argsJSON, &r.Args); err != nil {
		return nil, fmt.Errorf("decode run args: %w", err)
	}
	if err := decodeJSON(envJSON, &r.Env); err != nil {
		return nil, fmt.Errorf("decode run env: %w", err)
	}
	r.NextRetryAt = parseNullableTime(nextRetryRaw)
	r.StartedAt = parseNullableTime(startedRaw)
	r.CompletedAt = parseNullableTime(completedRaw)
	if created, err := parseTimeString(createdRaw); err == nil {
		r.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		r.UpdatedAt = updated
	}
	return &r, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func collectWorkers(rows *sql.Rows) ([]*Worker, error) {
	defer rows.Close()
	var workers []*Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

func encodeJSON(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		if len(v) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(v) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func encodeList(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeJSON(raw sql.NullString, dest any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dest)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return formatTime(*value)
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullablePID(pid int) any {
	if pid <= 0 {
		return nil
	}
	return pid
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &t
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func statusArgs(statuses []RunStatus) []any {
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	return args
}

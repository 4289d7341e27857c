package store

import (
	"slices"
	"time"
)

// WorkerStatus represents the lifecycle of a worker.
type WorkerStatus string

const (
	WorkerRunning WorkerStatus = "running"
	WorkerStopped WorkerStatus = "stopped"
	WorkerError   WorkerStatus = "error"
)

// RunStatus represents the lifecycle of a single run attempt.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunDone           RunStatus = "done"
	RunError          RunStatus = "error"
	RunStopped        RunStatus = "stopped"
	RunPaused         RunStatus = "paused"
	RunRetryScheduled RunStatus = "retry_scheduled"
)

var allRunStatuses = []RunStatus{
	RunPending,
	RunRunning,
	RunDone,
	RunError,
	RunStopped,
	RunPaused,
	RunRetryScheduled,
}

// activeRunStatuses count against a worker's concurrency limit.
var activeRunStatuses = []RunStatus{RunPending, RunRunning}

// openRunStatuses are every non-terminal status.
var openRunStatuses = []RunStatus{RunPending, RunRunning, RunPaused, RunRetryScheduled}

// Terminal reports whether no further transition can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunDone, RunError, RunStopped:
		return true
	default:
		return false
	}
}

// Active reports whether the status counts toward worker concurrency.
func (s RunStatus) Active() bool {
	return slices.Contains(activeRunStatuses, s)
}

// ParseRunStatus validates a user supplied status string.
func ParseRunStatus(value string) (RunStatus, bool) {
	status := RunStatus(value)
	return status, slices.Contains(allRunStatuses, status)
}

// RunStatuses returns every known run status.
func RunStatuses() []RunStatus {
	return slices.Clone(allRunStatuses)
}

// Worker is a standing rule binding an event type and filters to a command.
type Worker struct {
	ID           string            `json:"id"`
	RunnerName   string            `json:"runner_name,omitempty"`
	Command      string            `json:"command"`
	Args         []string          `json:"args"`
	Env          map[string]string `json:"env,omitempty"`
	EventType    string            `json:"event_type"`
	Filters      []string          `json:"filters,omitempty"`
	Concurrency  int               `json:"concurrency"`
	MaxAttempts  int               `json:"max_attempts"`
	InstancePath string            `json:"instance_path,omitempty"`
	Detached     bool              `json:"detached"`
	Status       WorkerStatus      `json:"status"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Run is one execution attempt of a worker's command.
type Run struct {
	ID           string            `json:"id"`
	WorkerID     string            `json:"worker_id"`
	EventID      string            `json:"event_id"`
	EventType    string            `json:"event_type"`
	EntityID     string            `json:"entity_id,omitempty"`
	Payload      map[string]any    `json:"payload,omitempty"`
	Command      string            `json:"command"`
	Args         []string          `json:"args"`
	Env          map[string]string `json:"env,omitempty"`
	Dir          string            `json:"dir,omitempty"`
	Status       RunStatus         `json:"status"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Attempt      int               `json:"attempt"`
	MaxAttempts  int               `json:"max_attempts"`
	NextRetryAt  *time.Time        `json:"next_retry_at,omitempty"`
	PID          int               `json:"pid,omitempty"`
	LogPath      string            `json:"log_path"`
	LogLines     int64             `json:"log_lines"`
	RetryOf      string            `json:"retry_of,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RunFilter narrows ListRuns. With All unset and no Status, only
// non-terminal runs are returned.
type RunFilter struct {
	WorkerID string
	Status   RunStatus
	All      bool
	Limit    int
}

// PrunedWorker describes a worker removed by PruneWorkers.
type PrunedWorker struct {
	ID          string
	RunLogPaths []string
}

package ipc

import (
	"tether/internal/daemon"
	"tether/internal/logs"
	"tether/internal/manager"
	"tether/internal/store"
)

// ShutdownAck is the acknowledgement returned by the shutdown operation.
const ShutdownAck = "shutdown_ack"

// PingResponse confirms the daemon is reachable.
type PingResponse struct {
	Version string `json:"version"`
	Status  string `json:"status"`
}

// StatusResponse is the daemon status snapshot.
type StatusResponse = daemon.Status

// ShutdownResponse acknowledges a shutdown request.
type ShutdownResponse struct {
	Ack string `json:"ack"`
}

// StartWorkerRequest creates a worker.
type StartWorkerRequest = manager.WorkerSpec

// IDRequest addresses a single worker or run.
type IDRequest struct {
	ID string `json:"id"`
}

// StopWorkerRequest stops a worker and optionally its open runs.
type StopWorkerRequest struct {
	ID       string `json:"id"`
	StopRuns bool   `json:"stop_runs"`
}

// ListWorkersRequest includes stopped workers when All is set.
type ListWorkersRequest struct {
	All bool `json:"all"`
}

// PruneWorkersRequest limits pruning to workers idle for at least
// OlderThanSeconds; zero prunes every eligible worker.
type PruneWorkersRequest struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
}

// PruneWorkersResponse lists pruned workers.
type PruneWorkersResponse = manager.PruneResult

// ListRunsRequest filters runs. With neither Status nor All set only
// non-terminal runs are returned.
type ListRunsRequest struct {
	WorkerID string `json:"worker_id,omitempty"`
	Status   string `json:"status,omitempty"`
	All      bool   `json:"all,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// TailRequest asks for the last Lines lines of a worker or run log.
type TailRequest struct {
	ID    string `json:"id"`
	Lines int    `json:"lines,omitempty"`
}

// TailResponse carries the tailed log text.
type TailResponse struct {
	Path  string `json:"path"`
	Logs  string `json:"logs"`
	Lines int64  `json:"lines"`
}

// GetLogsRequest pages through a log by line number. A negative SinceLine
// returns the last Limit lines.
type GetLogsRequest struct {
	TargetID   string `json:"target_id"`
	TargetType string `json:"target_type"`
	SinceLine  int    `json:"since_line"`
	Limit      int    `json:"limit,omitempty"`
}

// GetLogsResponse is one page of log lines.
type GetLogsResponse = logs.Page

// EmitEventRequest dispatches an event manually.
type EmitEventRequest = manager.Event

// EmitEventResponse reports runs created by an emitted event.
type EmitEventResponse = manager.DispatchResult

// Worker is the wire form of a worker.
type Worker = store.Worker

// Run is the wire form of a run.
type Run = store.Run

const defaultTailLines = 100

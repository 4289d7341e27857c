package manager

import (
	"context"
	"fmt"
	"strings"

	"tether/internal/logs"
	"tether/internal/services"
)

// Log target kinds accepted by GetLogs.
const (
	TargetRun    = "run"
	TargetWorker = "worker"
)

// GetWorkerLogPath resolves a worker's activity log without reading it.
func (m *Manager) GetWorkerLogPath(ctx context.Context, id string) (string, error) {
	worker, err := m.GetWorker(ctx, id)
	if err != nil {
		return "", err
	}
	return m.WorkerLogPath(worker.ID), nil
}

// GetRunLogPath resolves a run's combined output file without reading it.
func (m *Manager) GetRunLogPath(ctx context.Context, id string) (string, error) {
	run, err := m.GetRun(ctx, id)
	if err != nil {
		return "", err
	}
	return run.LogPath, nil
}

// Line limits for GetLogs. A zero limit selects DefaultLogLines.
const (
	DefaultLogLines = 1000
	MaxLogLines     = 10000
)

// GetLogs returns up to limit lines starting at sinceLine from a run's output
// or a worker's activity log. A negative sinceLine selects the last limit
// lines. The page's NextLine is the offset to request next. A trailing line
// without a newline is returned only once the run has finished.
func (m *Manager) GetLogs(ctx context.Context, targetID, targetType string, sinceLine, limit int) (logs.Page, error) {
	switch {
	case limit < 0 || limit > MaxLogLines:
		return logs.Page{}, services.Wrap(services.ErrValidation, "manager", "get logs",
			fmt.Sprintf("limit must be between 0 and %d, got %d", MaxLogLines, limit), nil)
	case limit == 0:
		limit = DefaultLogLines
	}

	var (
		path  string
		final bool
	)
	switch strings.ToLower(strings.TrimSpace(targetType)) {
	case TargetRun:
		run, err := m.GetRun(ctx, targetID)
		if err != nil {
			return logs.Page{}, err
		}
		path, final = run.LogPath, run.Status.Terminal()
	case TargetWorker:
		var err error
		path, err = m.GetWorkerLogPath(ctx, targetID)
		if err != nil {
			return logs.Page{}, err
		}
	default:
		return logs.Page{}, services.Wrap(services.ErrValidation, "manager", "get logs",
			fmt.Sprintf("unknown log target type %q (want run or worker)", targetType), nil)
	}

	read := logs.ReadLines
	if final {
		read = logs.ReadLinesFinal
	}
	page, err := read(path, sinceLine, limit)
	if err != nil {
		return logs.Page{}, services.Wrap(services.ErrIO, "manager", "get logs", "read log file", err)
	}
	return page, nil
}

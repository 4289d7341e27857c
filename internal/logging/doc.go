// Package logging assembles structured slog loggers and formatting helpers used
// across tether.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so manager and IPC code can tag
// log lines with worker IDs, run IDs, and correlation IDs. TeeLogger and
// NewFileHandler together produce the per-worker activity log: every decision
// the manager makes about a worker lands in the daemon log and in that
// worker's own file. CleanupOldLogs applies logging.retention_days.
//
// Prefer these constructors over hand-rolled slog setup to ensure new
// components emit data with the same shape and routing guarantees as the rest
// of the system.
package logging

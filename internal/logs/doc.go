// Package logs slices run and worker log files by line for the daemon's
// get_logs operation and the CLI's one-shot and follow views.
//
// Reads stream the file with bounded memory. A negative starting line selects
// the last N lines, and every page reports the line to request next so
// callers can poll for new output without re-reading what they have seen.
package logs

package logging

import "strings"

// FormatSubject builds the worker/run subject string used in console output.
func FormatSubject(workerID, runID string) string {
	workerID = strings.TrimSpace(workerID)
	runID = strings.TrimSpace(runID)
	parts := make([]string, 0, 2)
	if workerID != "" {
		parts = append(parts, "Worker "+shortID(workerID))
	}
	if runID != "" {
		parts = append(parts, "Run "+shortID(runID))
	}
	return strings.Join(parts, " · ")
}

// shortID trims uuid-style identifiers to their first group for display.
func shortID(id string) string {
	if idx := strings.IndexByte(id, '-'); idx >= 8 {
		return id[:idx]
	}
	return id
}

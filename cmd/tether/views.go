package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"tether/internal/ipc"
)

// formatStatusLabel turns "retry_scheduled" into "Retry Scheduled".
func formatStatusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	// a Caser is stateful, so each call gets its own
	return cases.Title(language.English).String(strings.ReplaceAll(status, "_", " "))
}

func formatDisplayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatDisplayTime(*t)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatCommand(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	if command != "" {
		parts = append(parts, command)
	}
	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\"'") {
			arg = fmt.Sprintf("%q", arg)
		}
		parts = append(parts, arg)
	}
	return truncate(strings.Join(parts, " "), 60)
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit || limit < 4 {
		return value
	}
	return string(runes[:limit-3]) + "..."
}

func buildCountRows[K ~string](counts map[K]int) [][]string {
	keys := make([]string, 0, len(counts))
	for key, count := range counts {
		if count > 0 {
			keys = append(keys, string(key))
		}
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{formatStatusLabel(key), fmt.Sprintf("%d", counts[K(key)])})
	}
	return rows
}

func buildWorkerRows(workers []*ipc.Worker) [][]string {
	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		if w == nil {
			continue
		}
		rows = append(rows, []string{
			w.ID,
			w.EventType,
			formatStatusLabel(string(w.Status)),
			fmt.Sprintf("%d", w.Concurrency),
			formatCommand(w.Command, w.Args),
			formatDisplayTime(w.CreatedAt),
		})
	}
	return rows
}

var workerHeaders = []string{"ID", "Event", "Status", "Concurrency", "Command", "Created"}

var workerAligns = []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}

func buildRunRows(runs []*ipc.Run) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		if r == nil {
			continue
		}
		exit := ""
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		rows = append(rows, []string{
			r.ID,
			shortID(r.WorkerID),
			r.EventType,
			truncate(r.EntityID, 24),
			formatStatusLabel(string(r.Status)),
			fmt.Sprintf("%d/%d", r.Attempt, r.MaxAttempts),
			exit,
			formatDisplayTime(r.CreatedAt),
		})
	}
	return rows
}

var runHeaders = []string{"ID", "Worker", "Event", "Entity", "Status", "Attempt", "Exit", "Created"}

var runAligns = []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}

type detailRow struct {
	label string
	value string
}

func renderDetails(rows []detailRow) string {
	width := 0
	for _, row := range rows {
		width = max(width, len(row.label))
	}
	var b strings.Builder
	for _, row := range rows {
		if row.value == "" {
			continue
		}
		fmt.Fprintf(&b, "%-*s  %s\n", width+1, row.label+":", row.value)
	}
	return b.String()
}

func workerDetails(w *ipc.Worker) string {
	rows := []detailRow{
		{"ID", w.ID},
		{"Status", formatStatusLabel(string(w.Status))},
		{"Event", w.EventType},
		{"Runner", w.RunnerName},
		{"Command", w.Command},
		{"Args", strings.Join(w.Args, " ")},
		{"Filters", strings.Join(w.Filters, "; ")},
		{"Concurrency", fmt.Sprintf("%d", w.Concurrency)},
		{"Max attempts", fmt.Sprintf("%d", w.MaxAttempts)},
		{"Directory", w.InstancePath},
		{"Detached", yesNo(w.Detached)},
		{"Last error", w.LastError},
		{"Created", formatDisplayTime(w.CreatedAt)},
		{"Updated", formatDisplayTime(w.UpdatedAt)},
	}
	return renderDetails(rows)
}

func runDetails(r *ipc.Run) string {
	exit := ""
	if r.ExitCode != nil {
		exit = fmt.Sprintf("%d", *r.ExitCode)
	}
	pid := ""
	if r.PID > 0 {
		pid = fmt.Sprintf("%d", r.PID)
	}
	rows := []detailRow{
		{"ID", r.ID},
		{"Worker", r.WorkerID},
		{"Status", formatStatusLabel(string(r.Status))},
		{"Event", fmt.Sprintf("%s (%s)", r.EventType, r.EventID)},
		{"Entity", r.EntityID},
		{"Command", formatCommand(r.Command, r.Args)},
		{"Attempt", fmt.Sprintf("%d of %d", r.Attempt, r.MaxAttempts)},
		{"Retry of", r.RetryOf},
		{"Next retry", formatOptionalTime(r.NextRetryAt)},
		{"PID", pid},
		{"Exit code", exit},
		{"Error", r.ErrorMessage},
		{"Log", r.LogPath},
		{"Started", formatOptionalTime(r.StartedAt)},
		{"Completed", formatOptionalTime(r.CompletedAt)},
		{"Created", formatDisplayTime(r.CreatedAt)},
	}
	return renderDetails(rows)
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

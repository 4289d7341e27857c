package manager_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tether/internal/config"
	"tether/internal/logging"
	"tether/internal/manager"
	"tether/internal/runner"
	"tether/internal/services"
	"tether/internal/store"
	"tether/internal/testsupport"
)

type harness struct {
	cfg *config.Config
	st  *store.Store
	mgr *manager.Manager
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	st := testsupport.MustOpenStore(t, cfg)
	mgr := manager.New(cfg, st, logging.NewNop())
	h := &harness{cfg: cfg, st: st, mgr: mgr}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Stop()
		workers, _ := st.ListWorkers(ctx, true)
		for _, w := range workers {
			_, _ = mgr.StopWorker(ctx, w.ID, true)
		}
		_ = mgr.WaitReapers(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) startWorker(t *testing.T, spec manager.WorkerSpec) *store.Worker {
	t.Helper()
	worker, err := h.mgr.StartWorker(context.Background(), spec)
	if err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	return worker
}

func (h *harness) dispatch(t *testing.T, event manager.Event) manager.DispatchResult {
	t.Helper()
	result, err := h.mgr.Dispatch(context.Background(), event)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	return result
}

func (h *harness) waitStatus(t *testing.T, runID string, want store.RunStatus) *store.Run {
	t.Helper()
	var run *store.Run
	testsupport.WaitFor(t, 10*time.Second, fmt.Sprintf("run %s to be %s", runID, want), func() bool {
		got, err := h.mgr.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		run = got
		return got.Status == want
	})
	return run
}

func (h *harness) runsFor(t *testing.T, workerID string) []*store.Run {
	t.Helper()
	runs, err := h.mgr.ListRuns(context.Background(), store.RunFilter{WorkerID: workerID, All: true})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	return runs
}

func intPtr(v int) *int { return &v }

func TestEchoRunCompletes(t *testing.T) {
	h := newHarness(t)
	worker := h.startWorker(t, manager.WorkerSpec{
		Command:     "echo",
		Args:        []string{"hi"},
		EventType:   "x",
		Concurrency: intPtr(1),
	})

	result := h.dispatch(t, manager.Event{Type: "x"})
	if len(result.Runs) != 1 {
		t.Fatalf("expected one admitted run, got %+v", result)
	}
	run := h.waitStatus(t, result.Runs[0].ID, store.RunDone)
	if run.WorkerID != worker.ID {
		t.Fatalf("run attached to wrong worker: %s", run.WorkerID)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", run.ExitCode)
	}
	if run.PID != 0 {
		t.Fatalf("expected pid cleared after exit, got %d", run.PID)
	}
	if run.LogLines != 1 {
		t.Fatalf("expected one log line recorded, got %d", run.LogLines)
	}
	content, err := os.ReadFile(run.LogPath)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(content), "hi") {
		t.Fatalf("expected log to contain hi, got %q", content)
	}
}

func TestFailingRunRetriesUntilAttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	worker := h.startWorker(t, manager.WorkerSpec{
		Command:     "/bin/sh",
		Args:        []string{"-c", "echo failing; exit 1"},
		EventType:   "x",
		MaxAttempts: intPtr(3),
	})

	h.dispatch(t, manager.Event{Type: "x", EntityID: "entity-1"})

	testsupport.WaitFor(t, 10*time.Second, "retry chain to finish", func() bool {
		runs := h.runsFor(t, worker.ID)
		if len(runs) != 3 {
			return false
		}
		for _, r := range runs {
			if !r.Status.Terminal() {
				return false
			}
		}
		return true
	})

	runs := h.runsFor(t, worker.ID)
	byAttempt := map[int]*store.Run{}
	for _, r := range runs {
		if r.Status != store.RunError {
			t.Fatalf("expected every attempt to end in error, got %s for attempt %d", r.Status, r.Attempt)
		}
		if r.EntityID != "entity-1" || r.MaxAttempts != 3 {
			t.Fatalf("attempt lost its event snapshot: %+v", r)
		}
		if r.NextRetryAt != nil || r.PID != 0 {
			t.Fatalf("terminal run still carries retry or pid: %+v", r)
		}
		byAttempt[r.Attempt] = r
	}
	for attempt := 1; attempt <= 3; attempt++ {
		if byAttempt[attempt] == nil {
			t.Fatalf("missing attempt %d in %+v", attempt, runs)
		}
	}
	if byAttempt[2].RetryOf != byAttempt[1].ID || byAttempt[3].RetryOf != byAttempt[2].ID {
		t.Fatal("expected each attempt to point at its predecessor")
	}
	if byAttempt[3].ExitCode == nil || *byAttempt[3].ExitCode != 1 {
		t.Fatalf("expected final exit code 1, got %v", byAttempt[3].ExitCode)
	}

	time.Sleep(5 * h.cfg.RetryMax())
	if got := len(h.runsFor(t, worker.ID)); got != 3 {
		t.Fatalf("expected no further attempts, got %d runs", got)
	}
}

func TestConcurrencyLimitDropsEvents(t *testing.T) {
	h := newHarness(t)
	worker := h.startWorker(t, manager.WorkerSpec{
		Command:     "sleep",
		Args:        []string{"5"},
		EventType:   "x",
		Concurrency: intPtr(1),
	})

	first := h.dispatch(t, manager.Event{Type: "x"})
	second := h.dispatch(t, manager.Event{Type: "x"})

	if len(first.Runs) != 1 || first.Runs[0].Status != store.RunRunning {
		t.Fatalf("expected first event to start a run, got %+v", first)
	}
	if len(second.Runs) != 0 {
		t.Fatalf("expected second event to be dropped, got %+v", second.Runs)
	}
	if len(second.Dropped) != 1 || second.Dropped[0] != worker.ID {
		t.Fatalf("expected worker listed as dropped, got %v", second.Dropped)
	}
	if got := len(h.runsFor(t, worker.ID)); got != 1 {
		t.Fatalf("expected exactly one run record, got %d", got)
	}
}

func TestStopWorkerStopsExecutingRun(t *testing.T) {
	h := newHarness(t)
	worker := h.startWorker(t, manager.WorkerSpec{
		Command:   "sleep",
		Args:      []string{"30"},
		EventType: "x",
	})
	result := h.dispatch(t, manager.Event{Type: "x"})
	runID := result.Runs[0].ID
	pid := result.Runs[0].PID

	stopped, err := h.mgr.StopWorker(context.Background(), worker.ID, true)
	if err != nil {
		t.Fatalf("StopWorker: %v", err)
	}
	if stopped.Status != store.WorkerStopped {
		t.Fatalf("expected worker stopped, got %s", stopped.Status)
	}

	run, err := h.mgr.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunStopped {
		t.Fatalf("expected run stopped, got %s", run.Status)
	}
	if run.ErrorMessage != manager.StopMessage {
		t.Fatalf("expected termination message, got %q", run.ErrorMessage)
	}
	if run.PID != 0 || run.CompletedAt == nil {
		t.Fatalf("expected pid cleared and completion recorded: %+v", run)
	}
	if runner.ProcessAlive(pid) {
		t.Fatalf("expected pid %d to be gone after stop", pid)
	}

	again := h.dispatch(t, manager.Event{Type: "x"})
	if len(again.Runs) != 0 {
		t.Fatal("expected stopped worker to admit no runs")
	}
}

func TestStopWorkerUnknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.StopWorker(context.Background(), "missing", false)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStopRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	worker := testsupport.NewWorker(t, h.st, "x", "true")
	next := time.Now().Add(time.Hour)
	run := &store.Run{
		WorkerID:    worker.ID,
		EventID:     "evt",
		EventType:   "x",
		Command:     "true",
		Status:      store.RunRetryScheduled,
		Attempt:     1,
		MaxAttempts: 3,
		NextRetryAt: &next,
		LogPath:     filepath.Join(h.cfg.RunLogDir(), "retry.log"),
	}
	if err := h.st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	first, err := h.mgr.StopRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("first StopRun: %v", err)
	}
	if first.Status != store.RunStopped || first.NextRetryAt != nil {
		t.Fatalf("expected stopped with retry cancelled, got %+v", first)
	}

	second, err := h.mgr.StopRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("second StopRun: %v", err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) || second.Status != store.RunStopped {
		t.Fatalf("expected no change on second stop: %+v vs %+v", first, second)
	}
}

func TestPauseAndResumeScheduledRetry(t *testing.T) {
	h := newHarness(t)
	worker := testsupport.NewWorker(t, h.st, "x", "true")
	next := time.Now().Add(time.Hour)
	run := &store.Run{
		WorkerID:    worker.ID,
		EventID:     "evt",
		EventType:   "x",
		Command:     "true",
		Status:      store.RunRetryScheduled,
		Attempt:     1,
		MaxAttempts: 2,
		NextRetryAt: &next,
		LogPath:     filepath.Join(h.cfg.RunLogDir(), "paused.log"),
	}
	if err := h.st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	ctx := context.Background()

	paused, err := h.mgr.PauseRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("PauseRun: %v", err)
	}
	if paused.Status != store.RunPaused || paused.NextRetryAt == nil {
		t.Fatalf("expected paused with retry time kept, got %+v", paused)
	}
	if _, err := h.mgr.PauseRun(ctx, run.ID); err != nil {
		t.Fatalf("second PauseRun should be a no-op: %v", err)
	}

	resumed, err := h.mgr.ResumeRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if resumed.Status != store.RunRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", resumed.Status)
	}
	if _, err := h.mgr.ResumeRun(ctx, run.ID); err != nil {
		t.Fatalf("second ResumeRun should be a no-op: %v", err)
	}
}

func TestPausedRetryIsNotPromoted(t *testing.T) {
	h := newHarness(t)
	worker := testsupport.NewWorker(t, h.st, "x", "true")
	past := time.Now().Add(-time.Minute)
	run := &store.Run{
		WorkerID:    worker.ID,
		EventID:     "evt",
		EventType:   "x",
		Command:     "true",
		Status:      store.RunRetryScheduled,
		Attempt:     1,
		MaxAttempts: 2,
		NextRetryAt: &past,
		LogPath:     filepath.Join(h.cfg.RunLogDir(), "due.log"),
	}
	if err := h.st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := h.mgr.PauseRun(context.Background(), run.ID); err != nil {
		t.Fatalf("PauseRun: %v", err)
	}

	launched, err := h.mgr.SweepRetries(context.Background())
	if err != nil {
		t.Fatalf("SweepRetries: %v", err)
	}
	if len(launched) != 0 {
		t.Fatalf("expected paused run to be skipped, got %d successors", len(launched))
	}

	if _, err := h.mgr.ResumeRun(context.Background(), run.ID); err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	launched, err = h.mgr.SweepRetries(context.Background())
	if err != nil {
		t.Fatalf("SweepRetries after resume: %v", err)
	}
	if len(launched) != 1 || launched[0].Attempt != 2 || launched[0].RetryOf != run.ID {
		t.Fatalf("expected one successor attempt, got %+v", launched)
	}
	h.waitStatus(t, launched[0].ID, store.RunDone)

	original, err := h.mgr.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if original.Status != store.RunError || original.NextRetryAt != nil {
		t.Fatalf("expected superseded attempt closed, got %+v", original)
	}
}

func TestPauseRunningRunIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.startWorker(t, manager.WorkerSpec{Command: "sleep", Args: []string{"30"}, EventType: "x"})
	result := h.dispatch(t, manager.Event{Type: "x"})

	_, err := h.mgr.PauseRun(context.Background(), result.Runs[0].ID)
	if !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	_, err = h.mgr.ResumeRun(context.Background(), result.Runs[0].ID)
	if !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state on resume, got %v", err)
	}

	stopped, err := h.mgr.StopRun(context.Background(), result.Runs[0].ID)
	if err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if stopped.Status != store.RunStopped || stopped.ErrorMessage != manager.StopMessage {
		t.Fatalf("unexpected stopped run: %+v", stopped)
	}
}

func TestRestoreWorkersMarksDeadRunsOrphaned(t *testing.T) {
	h := newHarness(t)
	worker := testsupport.NewWorker(t, h.st, "x", "sleep", "30")

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	deadPID := cmd.ProcessState.Pid()
	started := time.Now()
	running := &store.Run{
		WorkerID:    worker.ID,
		EventID:     "evt-1",
		EventType:   "x",
		Command:     "sleep",
		Status:      store.RunRunning,
		PID:         deadPID,
		StartedAt:   &started,
		MaxAttempts: 1,
		LogPath:     filepath.Join(h.cfg.RunLogDir(), "dead.log"),
	}
	pending := &store.Run{
		WorkerID:    worker.ID,
		EventID:     "evt-2",
		EventType:   "x",
		Command:     "sleep",
		Status:      store.RunPending,
		MaxAttempts: 1,
		LogPath:     filepath.Join(h.cfg.RunLogDir(), "pending.log"),
	}
	for _, r := range []*store.Run{running, pending} {
		if err := h.st.CreateRun(context.Background(), r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	report, err := h.mgr.RestoreWorkers(context.Background())
	if err != nil {
		t.Fatalf("RestoreWorkers: %v", err)
	}
	if report.Workers != 1 || report.Orphaned != 2 || report.Adopted != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, id := range []string{running.ID, pending.ID} {
		run, err := h.mgr.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status != store.RunError || run.PID != 0 {
			t.Fatalf("expected orphaned run in error, got %+v", run)
		}
		if !strings.Contains(run.ErrorMessage, "orphaned by daemon restart") {
			t.Fatalf("unexpected message: %q", run.ErrorMessage)
		}
	}
	restored, err := h.mgr.GetWorker(context.Background(), worker.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if restored.Status != store.WorkerRunning {
		t.Fatalf("expected worker to stay running, got %s", restored.Status)
	}
}

func TestRestoreWorkersAdoptsLiveProcess(t *testing.T) {
	h := newHarness(t)
	worker := testsupport.NewWorker(t, h.st, "x", "sleep", "30")

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-exited
	})

	started := time.Now()
	run := &store.Run{
		WorkerID:    worker.ID,
		EventID:     "evt",
		EventType:   "x",
		Command:     "sleep",
		Status:      store.RunRunning,
		PID:         cmd.Process.Pid,
		StartedAt:   &started,
		MaxAttempts: 1,
		LogPath:     filepath.Join(h.cfg.RunLogDir(), "live.log"),
	}
	if err := h.st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	report, err := h.mgr.RestoreWorkers(context.Background())
	if err != nil {
		t.Fatalf("RestoreWorkers: %v", err)
	}
	if report.Adopted != 1 {
		t.Fatalf("expected one adopted run, got %+v", report)
	}
	h.start(t)

	if err := cmd.Process.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	<-exited

	lost := h.waitStatus(t, run.ID, store.RunError)
	if !strings.Contains(lost.ErrorMessage, "supervision lost") {
		t.Fatalf("unexpected message: %q", lost.ErrorMessage)
	}
}

func TestShutdownAllLeavesDetachedWorkers(t *testing.T) {
	h := newHarness(t)
	attached := h.startWorker(t, manager.WorkerSpec{Command: "sleep", Args: []string{"30"}, EventType: "x"})
	detached := h.startWorker(t, manager.WorkerSpec{Command: "true", EventType: "y", Detach: true})
	if !detached.Detached || attached.Detached {
		t.Fatalf("unexpected detached flags: attached=%v detached=%v", attached.Detached, detached.Detached)
	}
	result := h.dispatch(t, manager.Event{Type: "x"})

	if err := h.mgr.ShutdownAll(context.Background()); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}

	got, _ := h.mgr.GetWorker(context.Background(), attached.ID)
	if got.Status != store.WorkerStopped {
		t.Fatalf("expected attached worker stopped, got %s", got.Status)
	}
	got, _ = h.mgr.GetWorker(context.Background(), detached.ID)
	if got.Status != store.WorkerRunning {
		t.Fatalf("expected detached worker running, got %s", got.Status)
	}
	run, _ := h.mgr.GetRun(context.Background(), result.Runs[0].ID)
	if run.Status != store.RunStopped {
		t.Fatalf("expected attached run stopped, got %s", run.Status)
	}
}

func TestGetLogsRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.startWorker(t, manager.WorkerSpec{
		Command:   "/bin/sh",
		Args:      []string{"-c", "for i in 1 2 3 4 5; do echo line$i; done"},
		EventType: "x",
	})
	result := h.dispatch(t, manager.Event{Type: "x"})
	run := h.waitStatus(t, result.Runs[0].ID, store.RunDone)

	page, err := h.mgr.GetLogs(context.Background(), run.ID, manager.TargetRun, 0, 5)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	want := []string{"line1", "line2", "line3", "line4", "line5"}
	if strings.Join(page.Lines, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected lines: %#v", page.Lines)
	}

	rest, err := h.mgr.GetLogs(context.Background(), run.ID, manager.TargetRun, 5, 5)
	if err != nil {
		t.Fatalf("GetLogs at end: %v", err)
	}
	if len(rest.Lines) != 0 {
		t.Fatalf("expected empty page, got %#v", rest.Lines)
	}

	var joined string
	testsupport.WaitFor(t, 5*time.Second, "run_done in worker activity log", func() bool {
		workerPage, err := h.mgr.GetLogs(context.Background(), run.WorkerID, manager.TargetWorker, -1, 50)
		if err != nil {
			t.Fatalf("GetLogs worker: %v", err)
		}
		joined = strings.Join(workerPage.Lines, "\n")
		return strings.Contains(joined, "run_done")
	})
	for _, event := range []string{"worker_started", "run_admitted", "run_started"} {
		if !strings.Contains(joined, event) {
			t.Fatalf("expected %s in worker activity log:\n%s", event, joined)
		}
	}

	if _, err := h.mgr.GetLogs(context.Background(), run.ID, "disc", 0, 1); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for unknown target type, got %v", err)
	}
	if _, err := h.mgr.GetLogs(context.Background(), "missing", manager.TargetRun, 0, 1); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStartWorkerValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]manager.WorkerSpec{
		"empty command":     {EventType: "x"},
		"zero concurrency":  {Command: "true", EventType: "x", Concurrency: intPtr(0)},
		"missing type":      {Command: "true"},
		"unknown runner":    {RunnerName: "nope", EventType: "x"},
		"bad filter":        {Command: "true", EventType: "x", Filters: []string{"payload.["}},
		"bad template":      {Command: "echo", Args: []string{"{{ .EntityID "}, EventType: "x"},
		"zero max attempts": {Command: "true", EventType: "x", MaxAttempts: intPtr(0)},
		"missing directory": {Command: "true", EventType: "x", InstancePath: "/definitely/not/here"},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.mgr.StartWorker(context.Background(), spec)
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	workers, err := h.mgr.ListWorkers(context.Background(), true)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected no workers persisted, got %d", len(workers))
	}
}

func TestRunnerTemplateAndArgRendering(t *testing.T) {
	h := newHarness(t, testsupport.WithRunner("notify", config.Runner{
		Command:     "/bin/sh",
		Args:        []string{"-c", "echo ${PREFIX} {{ .EntityID | upper }} {{ .Payload.size }}"},
		Concurrency: intPtr(2),
		On:          "file.*",
		Env:         map[string]string{"PREFIX": "got"},
	}))
	worker := h.startWorker(t, manager.WorkerSpec{RunnerName: "notify"})
	if worker.Command != "/bin/sh" || worker.EventType != "file.*" || worker.Concurrency != 2 {
		t.Fatalf("runner template not applied: %+v", worker)
	}

	result := h.dispatch(t, manager.Event{Type: "file.created", EntityID: "report", Payload: map[string]any{"size": 42}})
	if len(result.Runs) != 1 {
		t.Fatalf("expected glob match to admit a run, got %+v", result)
	}
	run := h.waitStatus(t, result.Runs[0].ID, store.RunDone)
	if len(run.Args) != 2 || run.Args[1] != "echo got REPORT 42" {
		t.Fatalf("unexpected rendered args: %#v", run.Args)
	}
	content, err := os.ReadFile(run.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.TrimSpace(string(content)) != "got REPORT 42" {
		t.Fatalf("unexpected output: %q", content)
	}

	none := h.dispatch(t, manager.Event{Type: "dir.created"})
	if len(none.Runs) != 0 {
		t.Fatal("expected non-matching type to be ignored")
	}
}

func TestFiltersGateDispatch(t *testing.T) {
	h := newHarness(t)
	h.startWorker(t, manager.WorkerSpec{
		Command:     "true",
		EventType:   "x",
		Concurrency: intPtr(5),
		Filters:     []string{"payload.size > `10`", "entity_id"},
	})

	small := h.dispatch(t, manager.Event{Type: "x", EntityID: "a", Payload: map[string]any{"size": 3.0}})
	if len(small.Runs) != 0 {
		t.Fatal("expected small payload to be filtered")
	}
	anonymous := h.dispatch(t, manager.Event{Type: "x", Payload: map[string]any{"size": 30.0}})
	if len(anonymous.Runs) != 0 {
		t.Fatal("expected empty entity id to be filtered")
	}
	large := h.dispatch(t, manager.Event{Type: "x", EntityID: "b", Payload: map[string]any{"size": 30.0}})
	if len(large.Runs) != 1 {
		t.Fatalf("expected matching event admitted, got %+v", large)
	}
}

func TestSpawnFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	worker := h.startWorker(t, manager.WorkerSpec{
		Command:     "/definitely/not/here",
		EventType:   "x",
		MaxAttempts: intPtr(2),
	})
	result := h.dispatch(t, manager.Event{Type: "x"})
	if len(result.Runs) != 1 {
		t.Fatalf("expected failed run recorded, got %+v", result)
	}
	run := result.Runs[0]
	if run.Status != store.RunRetryScheduled || run.NextRetryAt == nil || run.PID != 0 {
		t.Fatalf("expected retry scheduled after spawn failure, got %+v", run)
	}
	if !strings.Contains(run.ErrorMessage, "/definitely/not/here") {
		t.Fatalf("expected command in error message, got %q", run.ErrorMessage)
	}

	h.start(t)
	testsupport.WaitFor(t, 10*time.Second, "second attempt to fail", func() bool {
		runs := h.runsFor(t, worker.ID)
		return len(runs) == 2 && runs[0].Status == store.RunError && runs[1].Status == store.RunError
	})
}

func TestPruneWorkersRemovesIdleStoppedWorkers(t *testing.T) {
	h := newHarness(t)
	keep := h.startWorker(t, manager.WorkerSpec{Command: "true", EventType: "x"})
	gone := h.startWorker(t, manager.WorkerSpec{Command: "echo", Args: []string{"bye"}, EventType: "y"})
	result := h.dispatch(t, manager.Event{Type: "y"})
	run := h.waitStatus(t, result.Runs[0].ID, store.RunDone)
	if _, err := h.mgr.StopWorker(context.Background(), gone.ID, false); err != nil {
		t.Fatalf("StopWorker: %v", err)
	}

	pruned, err := h.mgr.PruneWorkers(context.Background(), 0)
	if err != nil {
		t.Fatalf("PruneWorkers: %v", err)
	}
	if len(pruned.Workers) != 1 || pruned.Workers[0] != gone.ID {
		t.Fatalf("unexpected prune result: %+v", pruned)
	}
	if pruned.RemovedFiles < 2 {
		t.Fatalf("expected run log and activity log removed, got %d", pruned.RemovedFiles)
	}
	if _, err := os.Stat(run.LogPath); !os.IsNotExist(err) {
		t.Fatalf("expected run log removed, stat err=%v", err)
	}
	if _, err := h.mgr.GetWorker(context.Background(), gone.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected pruned worker gone, got %v", err)
	}
	if _, err := h.mgr.GetWorker(context.Background(), keep.ID); err != nil {
		t.Fatalf("expected running worker kept: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	base, limit := time.Second, 60*time.Second
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		6:  32 * time.Second,
		7:  60 * time.Second,
		40: 60 * time.Second,
	}
	for attempt, want := range cases {
		if got := manager.Backoff(base, limit, attempt); got != want {
			t.Fatalf("Backoff(attempt=%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestConcurrentDispatchRespectsConcurrency(t *testing.T) {
	h := newHarness(t)
	worker := h.startWorker(t, manager.WorkerSpec{
		Command:     "sleep",
		Args:        []string{"5"},
		EventType:   "x",
		Concurrency: intPtr(2),
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		dropped int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.mgr.Dispatch(context.Background(), manager.Event{Type: "x"})
			if err != nil {
				t.Errorf("Dispatch: %v", err)
				return
			}
			mu.Lock()
			started += len(result.Runs)
			dropped += len(result.Dropped)
			mu.Unlock()
		}()
	}
	wg.Wait()

	active, err := h.st.CountActiveRuns(context.Background(), worker.ID)
	if err != nil {
		t.Fatalf("CountActiveRuns: %v", err)
	}
	if active > 2 || started != 2 || dropped != 28 {
		t.Fatalf("expected 2 runs and 28 drops, got active=%d started=%d dropped=%d", active, started, dropped)
	}
	if got := len(h.runsFor(t, worker.ID)); got != 2 {
		t.Fatalf("expected exactly two run records, got %d", got)
	}
}

func TestGetLogsLimits(t *testing.T) {
	h := newHarness(t)
	worker := h.startWorker(t, manager.WorkerSpec{Command: "true", EventType: "x"})

	for _, limit := range []int{-1, manager.MaxLogLines + 1, 1 << 50} {
		if _, err := h.mgr.GetLogs(context.Background(), worker.ID, manager.TargetWorker, -1, limit); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("expected validation error for limit %d, got %v", limit, err)
		}
	}

	var b strings.Builder
	for i := 0; i < manager.DefaultLogLines+10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(h.mgr.WorkerLogPath(worker.ID), []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write worker log: %v", err)
	}
	page, err := h.mgr.GetLogs(context.Background(), worker.ID, manager.TargetWorker, 0, 0)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(page.Lines) != manager.DefaultLogLines || page.NextLine != manager.DefaultLogLines {
		t.Fatalf("expected a default-sized page, got %d lines next=%d", len(page.Lines), page.NextLine)
	}
}

func TestGetLogsReturnsPartialLineOnlyWhenRunFinished(t *testing.T) {
	h := newHarness(t)
	h.startWorker(t, manager.WorkerSpec{
		Command:   "/bin/sh",
		Args:      []string{"-c", "printf 'one\\npart'; sleep 30"},
		EventType: "x",
	})
	result := h.dispatch(t, manager.Event{Type: "x"})
	run := result.Runs[0]

	testsupport.WaitFor(t, 5*time.Second, "partial output written", func() bool {
		data, _ := os.ReadFile(run.LogPath)
		return strings.HasSuffix(string(data), "part")
	})
	live, err := h.mgr.GetLogs(context.Background(), run.ID, manager.TargetRun, 0, 0)
	if err != nil {
		t.Fatalf("GetLogs running: %v", err)
	}
	if strings.Join(live.Lines, ",") != "one" || live.NextLine != 1 {
		t.Fatalf("expected the partial line held back, got %+v", live)
	}

	if _, err := h.mgr.StopRun(context.Background(), run.ID); err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	rest, err := h.mgr.GetLogs(context.Background(), run.ID, manager.TargetRun, live.NextLine, 0)
	if err != nil {
		t.Fatalf("GetLogs stopped: %v", err)
	}
	if strings.Join(rest.Lines, ",") != "part" || rest.NextLine != 2 {
		t.Fatalf("expected the final partial line, got %+v", rest)
	}
}

func TestDrainWaitsForExitedReapers(t *testing.T) {
	h := newHarness(t)
	killed := h.startWorker(t, manager.WorkerSpec{Command: "sleep", Args: []string{"30"}, EventType: "x"})
	h.startWorker(t, manager.WorkerSpec{Command: "sleep", Args: []string{"2"}, EventType: "y"})

	stopped := h.dispatch(t, manager.Event{Type: "x"}).Runs[0]
	pending := h.dispatch(t, manager.Event{Type: "y"}).Runs[0]

	if _, err := h.mgr.StopWorker(context.Background(), killed.ID, true); err != nil {
		t.Fatalf("StopWorker: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.mgr.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	summary, err := h.mgr.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.LiveHandles != 1 {
		t.Fatalf("expected only the still-running process tracked, got %d", summary.LiveHandles)
	}
	if run, _ := h.mgr.GetRun(context.Background(), stopped.ID); run.Status != store.RunStopped {
		t.Fatalf("expected killed run stopped, got %s", run.Status)
	}

	// exits observed after draining are left for restart reconciliation
	if err := h.mgr.WaitReapers(ctx); err != nil {
		t.Fatalf("WaitReapers: %v", err)
	}
	run, err := h.mgr.GetRun(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunRunning {
		t.Fatalf("expected run left running after drain, got %s", run.Status)
	}
}

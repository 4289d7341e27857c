package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tether/internal/runner"
	"tether/internal/services"
)

func waitExit(t *testing.T, h *runner.Handle) runner.Exit {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exit, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return exit
}

func TestSpawnCapturesCombinedOutput(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "runs")
	h, err := runner.Spawn(runner.Spec{
		RunID:   "run-1",
		Command: "/bin/sh",
		Args:    []string{"-c", "echo out; echo err 1>&2; echo $GREETING"},
		Env:     map[string]string{"GREETING": "hello"},
	}, logDir)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.PID() <= 0 || h.RunID() != "run-1" {
		t.Fatalf("unexpected handle: pid=%d run=%s", h.PID(), h.RunID())
	}

	exit := waitExit(t, h)
	if !exit.Success() || exit.Message != "" {
		t.Fatalf("expected clean exit, got %+v", exit)
	}

	content, err := os.ReadFile(runner.LogPath(logDir, "run-1"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{"out", "err", "hello"} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("expected %q in log %q", want, content)
		}
	}
}

func TestNonZeroExitSynthesizesMessage(t *testing.T) {
	h, err := runner.Spawn(runner.Spec{RunID: "run-2", Command: "/bin/sh", Args: []string{"-c", "exit 3"}}, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	exit := waitExit(t, h)
	if exit.Code != 3 || exit.Message != "process exited with code 3" {
		t.Fatalf("unexpected exit: %+v", exit)
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := runner.Spawn(runner.Spec{RunID: "run-3", Command: "/definitely/not/here", Args: []string{"a"}}, t.TempDir())
	if err == nil {
		t.Fatal("expected spawn error")
	}
	var spawnErr *runner.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T", err)
	}
	if spawnErr.Command != "/definitely/not/here" {
		t.Fatalf("unexpected command on error: %q", spawnErr.Command)
	}
	if !errors.Is(err, services.ErrSpawn) {
		t.Fatalf("expected ErrSpawn marker, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected underlying OS error, got %v", err)
	}
}

func TestTryWaitDoesNotBlock(t *testing.T) {
	h, err := runner.Spawn(runner.Spec{RunID: "run-4", Command: "sleep", Args: []string{"5"}}, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _, _ = h.Kill(context.Background()) })

	if _, done := h.TryWait(); done {
		t.Fatal("expected process to still be running")
	}
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	h, err := runner.Spawn(runner.Spec{
		RunID:     "run-5",
		Command:   "/bin/sh",
		Args:      []string{"-c", "sleep 30 & wait"},
		KillGrace: time.Second,
	}, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exit, err := h.Kill(ctx)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if exit.Success() {
		t.Fatalf("expected non-success exit after kill, got %+v", exit)
	}
	if !exit.Killed {
		t.Fatal("expected exit to record the kill request")
	}
	if _, done := h.TryWait(); !done {
		t.Fatal("expected TryWait to report exit after Kill")
	}
	if runner.ProcessAlive(h.PID()) {
		t.Fatal("expected process to be gone")
	}
}

func TestStartKillReturnsImmediately(t *testing.T) {
	h, err := runner.Spawn(runner.Spec{RunID: "run-6", Command: "sleep", Args: []string{"30"}}, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h.StartKill()
	h.StartKill()
	exit := waitExit(t, h)
	if !exit.Signaled || !strings.Contains(exit.Message, "terminated by signal") {
		t.Fatalf("expected signal exit, got %+v", exit)
	}
}

func TestProcessAlive(t *testing.T) {
	if !runner.ProcessAlive(os.Getpid()) {
		t.Fatal("expected current process to be alive")
	}
	if runner.ProcessAlive(0) {
		t.Fatal("expected pid 0 to be reported dead")
	}
}

func TestTerminatePIDStopsProcessGroup(t *testing.T) {
	h, err := runner.Spawn(runner.Spec{RunID: "run-adopted", Command: "/bin/sh", Args: []string{"-c", "sleep 30"}}, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.TerminatePID(ctx, h.PID(), time.Second); err != nil {
		t.Fatalf("TerminatePID: %v", err)
	}
	exit := waitExit(t, h)
	if !exit.Signaled {
		t.Fatalf("expected signal exit, got %+v", exit)
	}
	if runner.ProcessAlive(h.PID()) {
		t.Fatal("expected process to be gone")
	}
}

package daemon_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tether/internal/config"
	"tether/internal/daemon"
	"tether/internal/logging"
	"tether/internal/manager"
	"tether/internal/services"
	"tether/internal/store"
	"tether/internal/testsupport"
)

func newDaemon(t *testing.T, cfgOpts ...testsupport.ConfigOption) (*daemon.Daemon, *config.Config, func() *daemon.Daemon) {
	t.Helper()
	cfg := testsupport.NewConfig(t, cfgOpts...)
	build := func() *daemon.Daemon {
		d, err := daemon.New(cfg, logging.NewNop())
		if err != nil {
			t.Fatalf("daemon.New: %v", err)
		}
		return d
	}
	return build(), cfg, build
}

func TestDaemonStartStop(t *testing.T) {
	d, cfg, build := newDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.PID != os.Getpid() || status.Version == "" {
		t.Fatalf("unexpected status identity: %+v", status)
	}
	if got := daemon.ReadPIDFile(cfg.PIDPath()); got != os.Getpid() {
		t.Fatalf("expected pid file with %d, got %d", os.Getpid(), got)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}
	other := build()
	if err := other.Start(ctx); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict from second instance, got %v", err)
	}

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	status = d.Status(ctx)
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
	if _, err := d.Manager(); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state after stop, got %v", err)
	}
	if got := daemon.ReadPIDFile(cfg.PIDPath()); got != 0 {
		t.Fatalf("expected pid file removed, got %d", got)
	}

	// the lock is released, so a fresh instance can start
	if err := other.Start(ctx); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	if err := other.Stop(context.Background()); err != nil {
		t.Fatalf("Stop other: %v", err)
	}
}

func TestDaemonStopDrainsAttachedWorkers(t *testing.T) {
	d, _, build := newDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mgr, err := d.Manager()
	if err != nil {
		t.Fatalf("Manager: %v", err)
	}
	attached, err := mgr.StartWorker(ctx, manager.WorkerSpec{Command: "sleep", Args: []string{"30"}, EventType: "job"})
	if err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	detached, err := mgr.StartWorker(ctx, manager.WorkerSpec{Command: "true", EventType: "other", Detach: true})
	if err != nil {
		t.Fatalf("StartWorker detached: %v", err)
	}
	result, err := mgr.Dispatch(ctx, manager.Event{Type: "job", EntityID: "e-1"})
	if err != nil || len(result.Runs) != 1 {
		t.Fatalf("Dispatch: %v %+v", err, result)
	}

	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	next := build()
	if err := next.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer next.Stop(ctx)
	mgr, _ = next.Manager()

	w, err := mgr.GetWorker(ctx, attached.ID)
	if err != nil || w.Status != store.WorkerStopped {
		t.Fatalf("expected attached worker stopped, got %+v %v", w, err)
	}
	run, err := mgr.GetRun(ctx, result.Runs[0].ID)
	if err != nil || run.Status != store.RunStopped {
		t.Fatalf("expected attached run stopped, got %+v %v", run, err)
	}
	w, err = mgr.GetWorker(ctx, detached.ID)
	if err != nil || w.Status != store.WorkerRunning {
		t.Fatalf("expected detached worker still running, got %+v %v", w, err)
	}
	if report := next.Status(ctx).Restore; report == nil || report.Workers != 1 {
		t.Fatalf("expected one restored worker, got %+v", report)
	}
}

func TestDaemonInboxDispatches(t *testing.T) {
	d, cfg, _ := newDaemon(t, testsupport.WithInbox())
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(ctx)

	mgr, _ := d.Manager()
	worker, err := mgr.StartWorker(ctx, manager.WorkerSpec{Command: "true", EventType: "file.*"})
	if err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	status := d.Status(ctx)
	if len(status.EventSources) != 1 || status.EventSources[0] != "inbox" {
		t.Fatalf("expected inbox source, got %v", status.EventSources)
	}

	if err := os.WriteFile(filepath.Join(cfg.Events.InboxDir, "drop.yaml"), []byte("type: file.created\nentity_id: f-1\n"), 0o644); err != nil {
		t.Fatalf("write event: %v", err)
	}
	testsupport.WaitFor(t, 5*time.Second, "inbox run completes", func() bool {
		runs, err := mgr.ListRuns(ctx, store.RunFilter{WorkerID: worker.ID, All: true})
		return err == nil && len(runs) == 1 && runs[0].Status == store.RunDone
	})
}

func TestRequestShutdownClosesChannelOnce(t *testing.T) {
	d, _, _ := newDaemon(t)
	d.RequestShutdown()
	d.RequestShutdown()
	select {
	case <-d.ShutdownRequested():
	default:
		t.Fatal("expected shutdown channel closed")
	}
}

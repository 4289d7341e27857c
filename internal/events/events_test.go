package events_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"tether/internal/events"
	"tether/internal/logging"
	"tether/internal/manager"
	"tether/internal/testsupport"
)

type recordingSink struct {
	mu     sync.Mutex
	events []manager.Event
	err    error
}

func (s *recordingSink) Dispatch(_ context.Context, event manager.Event) (manager.DispatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return manager.DispatchResult{}, s.err
	}
	s.events = append(s.events, event)
	return manager.DispatchResult{EventID: "evt-" + event.Type}, nil
}

func (s *recordingSink) snapshot() []manager.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]manager.Event(nil), s.events...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestInboxScanDispatchesAndMovesFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	inbox := events.NewInbox(dir, 10*time.Millisecond, sink, logging.NewNop())

	writeFile(t, filepath.Join(dir, "a.yaml"), "type: report.ready\nentity_id: r-1\npayload:\n  size: 42\n  tags: [x, y]\n")
	writeFile(t, filepath.Join(dir, "b.json"), `{"type":"task.created","entity_id":"t-9","payload":{"owner":"ops"}}`)
	writeFile(t, filepath.Join(dir, "broken.yaml"), "payload: [unclosed\n")
	writeFile(t, filepath.Join(dir, "untyped.yml"), "entity_id: x\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, ".staging.yaml"), "type: hidden\n")

	if got := inbox.Scan(context.Background()); got != 2 {
		t.Fatalf("expected 2 dispatched files, got %d", got)
	}

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %+v", got)
	}
	if got[0].Type != "report.ready" || got[0].EntityID != "r-1" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[0].Payload["size"] != 42 {
		t.Fatalf("expected decoded payload, got %#v", got[0].Payload)
	}
	if got[1].Type != "task.created" || got[1].Payload["owner"] != "ops" {
		t.Fatalf("unexpected json event: %+v", got[1])
	}

	for _, name := range []string{"a.yaml", "b.json"} {
		if !exists(filepath.Join(dir, "processed", name)) {
			t.Fatalf("expected %s in processed/", name)
		}
	}
	for _, name := range []string{"broken.yaml", "untyped.yml"} {
		if !exists(filepath.Join(dir, "failed", name)) {
			t.Fatalf("expected %s in failed/", name)
		}
	}
	if !exists(filepath.Join(dir, "notes.txt")) || !exists(filepath.Join(dir, ".staging.yaml")) {
		t.Fatal("expected non-candidate files to stay in place")
	}
}

func TestInboxDispatchErrorMovesToFailed(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{err: errors.New("boom")}
	inbox := events.NewInbox(dir, 10*time.Millisecond, sink, nil)

	path := filepath.Join(dir, "e.yaml")
	writeFile(t, path, "type: x\n")
	if err := inbox.ProcessFile(context.Background(), path); err == nil {
		t.Fatal("expected dispatch error")
	}
	if !exists(filepath.Join(dir, "failed", "e.yaml")) {
		t.Fatal("expected file in failed/")
	}
}

func TestInboxDuplicateNamesDoNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	inbox := events.NewInbox(dir, 10*time.Millisecond, sink, nil)

	for i := 0; i < 2; i++ {
		path := filepath.Join(dir, "same.yaml")
		writeFile(t, path, "type: dup\n")
		if err := inbox.ProcessFile(context.Background(), path); err != nil {
			t.Fatalf("ProcessFile: %v", err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, "processed"))
	if err != nil {
		t.Fatalf("read processed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two processed files, got %d", len(entries))
	}
}

func TestInboxRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	inbox := events.NewInbox(dir, 10*time.Millisecond, sink, nil)

	writeFile(t, filepath.Join(dir, "early.yaml"), "type: boot\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx) }()

	testsupport.WaitFor(t, 3*time.Second, "existing file dispatched", func() bool {
		return len(sink.snapshot()) == 1
	})

	tmp := filepath.Join(dir, ".late.tmp")
	writeFile(t, tmp, "type: late\nentity_id: l-1\n")
	if err := os.Rename(tmp, filepath.Join(dir, "late.yaml")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	testsupport.WaitFor(t, 5*time.Second, "new file dispatched", func() bool {
		return len(sink.snapshot()) == 2
	})
	if got := sink.snapshot()[1]; got.Type != "late" || got.EntityID != "l-1" {
		t.Fatalf("unexpected event: %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbox did not stop after cancel")
	}
}

func TestEventFromUEvent(t *testing.T) {
	event, ok := events.EventFromUEvent(netlink.UEvent{
		Action: netlink.ADD,
		KObj:   "/devices/pci0000:00/block/sdb",
		Env: map[string]string{
			"SUBSYSTEM":  "block",
			"DEVNAME":    "sdb",
			"ID_FS_TYPE": "vfat",
		},
	})
	if !ok {
		t.Fatal("expected event")
	}
	if event.Type != "device.add" {
		t.Fatalf("unexpected type %q", event.Type)
	}
	if event.EntityID != "/dev/sdb" {
		t.Fatalf("unexpected entity %q", event.EntityID)
	}
	if event.Payload["subsystem"] != "block" || event.Payload["id_fs_type"] != "vfat" {
		t.Fatalf("unexpected payload %#v", event.Payload)
	}

	fallback, ok := events.EventFromUEvent(netlink.UEvent{
		Action: netlink.CHANGE,
		KObj:   "/devices/virtual/net/lo",
		Env:    map[string]string{"SUBSYSTEM": "net"},
	})
	if !ok || fallback.EntityID != "/devices/virtual/net/lo" {
		t.Fatalf("expected kobj entity fallback, got %+v", fallback)
	}

	if _, ok := events.EventFromUEvent(netlink.UEvent{}); ok {
		t.Fatal("expected uevent without action to be ignored")
	}
}

func TestUdevMatcherFiltersSubsystems(t *testing.T) {
	u := events.NewUdev([]string{"block", "usb"}, &recordingSink{}, nil)
	matcher := u.Matcher()

	accept := []string{"block", "usb"}
	for _, subsystem := range accept {
		if !matcher.Evaluate(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": subsystem}}) {
			t.Fatalf("expected %s to match", subsystem)
		}
	}
	for _, subsystem := range []string{"net", "blockx", "usb_device"} {
		if matcher.Evaluate(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": subsystem}}) {
			t.Fatalf("expected %s to be rejected", subsystem)
		}
	}
}

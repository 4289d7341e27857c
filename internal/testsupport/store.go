package testsupport

import (
	"context"
	"testing"

	"tether/internal/config"
	"tether/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewWorker inserts a running worker that reacts to eventType by running
// command with args.
func NewWorker(t testing.TB, st *store.Store, eventType, command string, args ...string) *store.Worker {
	t.Helper()

	worker := &store.Worker{
		Command:     command,
		Args:        args,
		EventType:   eventType,
		Concurrency: 1,
		MaxAttempts: 1,
		Status:      store.WorkerRunning,
	}
	if err := st.CreateWorker(context.Background(), worker); err != nil {
		t.Fatalf("store.CreateWorker: %v", err)
	}
	return worker
}

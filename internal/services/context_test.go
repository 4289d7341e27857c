package services_test

import (
	"context"
	"testing"

	"tether/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithWorkerID(ctx, "w-1")
	ctx = services.WithRunID(ctx, "r-2")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.WorkerIDFromContext(ctx); !ok || id != "w-1" {
		t.Fatalf("unexpected worker id: %v %v", id, ok)
	}
	if id, ok := services.RunIDFromContext(ctx); !ok || id != "r-2" {
		t.Fatalf("unexpected run id: %v %v", id, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankIDsPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithWorkerID(ctx, "")
	ctx = services.WithRunID(ctx, "")
	if _, ok := services.WorkerIDFromContext(ctx); ok {
		t.Fatal("expected no worker id value")
	}
	if _, ok := services.RunIDFromContext(ctx); ok {
		t.Fatal("expected no run id value")
	}
}

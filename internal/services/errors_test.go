package services_test

import (
	"errors"
	"strings"
	"testing"

	"tether/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrSpawn, "runner", "spawn", "start failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrSpawn) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"runner", "spawn", "start failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestKindRoundTrip(t *testing.T) {
	markers := []error{
		services.ErrNotFound,
		services.ErrValidation,
		services.ErrSpawn,
		services.ErrInvalidState,
		services.ErrIO,
		services.ErrConflict,
	}
	for _, marker := range markers {
		err := services.Wrap(marker, "manager", "op", "detail", nil)
		kind := services.Kind(err)
		rebuilt := services.FromKind(kind, err.Error())
		if !errors.Is(rebuilt, marker) {
			t.Fatalf("kind %q did not round trip to %v", kind, marker)
		}
		if rebuilt.Error() != err.Error() {
			t.Fatalf("message changed: got %q want %q", rebuilt.Error(), err.Error())
		}
	}
}

func TestKindClassifiesUnknownAsInternal(t *testing.T) {
	if kind := services.Kind(errors.New("plain")); kind != services.KindInternal {
		t.Fatalf("expected internal kind, got %q", kind)
	}
	if kind := services.Kind(nil); kind != "" {
		t.Fatalf("expected empty kind for nil, got %q", kind)
	}
	err := services.FromKind(services.KindInternal, "exploded")
	if err.Error() != "exploded" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestNotFoundMessage(t *testing.T) {
	err := services.NotFound("worker", "w-1")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found marker, got %v", err)
	}
	if !strings.Contains(err.Error(), `worker "w-1" not found`) {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

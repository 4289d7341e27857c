package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrSpawn        = errors.New("spawn error")
	ErrInvalidState = errors.New("invalid state")
	ErrIO           = errors.New("io error")
	ErrConflict     = errors.New("conflict")
)

// Error kind names carried on the IPC wire so clients can rebuild markers.
const (
	KindNotFound     = "not_found"
	KindValidation   = "validation"
	KindSpawn        = "spawn"
	KindInvalidState = "invalid_state"
	KindIO           = "io"
	KindConflict     = "conflict"
	KindInternal     = "internal"
)

var kindMarkers = []struct {
	kind   string
	marker error
}{
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindSpawn, ErrSpawn},
	{KindInvalidState, ErrInvalidState},
	{KindIO, ErrIO},
	{KindConflict, ErrConflict},
}

// Wrap builds an error message that includes scope context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, scope, operation, message string, err error) error {
	detail := buildDetail(scope, operation, message)
	if marker == nil {
		marker = ErrIO
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// NotFound reports an unknown worker or run identifier.
func NotFound(entity, id string) error {
	return Wrap(ErrNotFound, entity, "", fmt.Sprintf("%s %q not found", entity, id), nil)
}

// Kind maps err to its wire kind name. Unclassified errors are "internal".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, km := range kindMarkers {
		if errors.Is(err, km.marker) {
			return km.kind
		}
	}
	return KindInternal
}

// FromKind rebuilds an error from a wire kind and message so callers can keep
// using errors.Is against the sentinel markers.
func FromKind(kind, message string) error {
	message = strings.TrimSpace(message)
	for _, km := range kindMarkers {
		if km.kind == kind {
			return &remoteError{marker: km.marker, message: message}
		}
	}
	if message == "" {
		message = "request failed"
	}
	return errors.New(message)
}

type remoteError struct {
	marker  error
	message string
}

func (e *remoteError) Error() string {
	if e.message == "" {
		return e.marker.Error()
	}
	return e.message
}

func (e *remoteError) Unwrap() error { return e.marker }

func buildDetail(scope, operation, message string) string {
	parts := make([]string, 0, 3)
	if scope = strings.TrimSpace(scope); scope != "" {
		parts = append(parts, scope)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "operation failed"
	}
	return strings.Join(parts, ": ")
}

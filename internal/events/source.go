package events

import (
	"context"

	"tether/internal/manager"
)

// Dispatcher receives decoded events.
type Dispatcher interface {
	Dispatch(ctx context.Context, event manager.Event) (manager.DispatchResult, error)
}

// Source produces events until ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

package usecase

import (
	"context"

	"github.com/fastygo/taskboard/domain"
)

// MutationSink abstracts the sync engine so use cases stay transport-agnostic.
type MutationSink interface {
	Enqueue(ctx context.Context, taskID string, typ domain.MutationType, payload domain.MutationPayload) (string, error)
	Trigger()
}

// Connectivity exposes the online signal for display.
type Connectivity interface {
	IsOnline() bool
	// Watch registers fn for online/offline transitions and returns a func that unregisters it.
	Watch(fn func(online bool)) func()
}

package repository

import (
	"context"

	"github.com/fastygo/taskboard/domain"
)

// ChangeHandler receives remote change notifications.
type ChangeHandler func(event domain.ChangeEvent)

// ChangeSubscription is a live change stream; Close cancels it.
type ChangeSubscription interface {
	Close() error
}

// RemoteGateway is the networked authoritative store.
//
// Writes are optimistic: Upsert and Patch succeed only when the stored version equals the
// version the client based its change on, and fail with domain.ErrVersionConflict otherwise.
type RemoteGateway interface {
	Upsert(ctx context.Context, task domain.Task) (*domain.Task, error)
	Patch(ctx context.Context, id string, update domain.Update) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
	// FetchAll returns every task ordered by created_at descending.
	FetchAll(ctx context.Context) ([]domain.Task, error)
	FetchOne(ctx context.Context, id string) (*domain.Task, error)
	SubscribeToChanges(ctx context.Context, onChange ChangeHandler) (ChangeSubscription, error)
}

// RemoteTaskRepository is the storage half of a gateway: the authoritative task table.
type RemoteTaskRepository interface {
	// Upsert reports whether the row was inserted rather than overwritten.
	Upsert(ctx context.Context, task domain.Task) (*domain.Task, bool, error)
	Patch(ctx context.Context, id string, update domain.Update) (*domain.Task, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]domain.Task, error)
	GetByID(ctx context.Context, id string) (*domain.Task, error)
}

// ChangeFeed is the notification half of a gateway.
type ChangeFeed interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
	Subscribe(ctx context.Context, onChange ChangeHandler) (ChangeSubscription, error)
}

package repository

import (
	"context"
	"time"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/pkg/notify"
)

// LocalTaskStore is the durable client-side copy of the board. It is the single source of
// truth for what the UI renders.
type LocalTaskStore interface {
	Get(ctx context.Context, id string) (*domain.Task, error)
	Put(ctx context.Context, task *domain.Task) error
	// Update runs mutate against the stored record inside one transaction.
	Update(ctx context.Context, id string, mutate func(*domain.Task)) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
	// ListByRecency returns every record, newest created first.
	ListByRecency(ctx context.Context) ([]domain.Task, error)
	Count(ctx context.Context) (int, error)
	// Subscribe registers for the ids touched by each committed write.
	Subscribe() *notify.Subscription
}

// MutationQueue is the durable FIFO of operations awaiting remote confirmation.
type MutationQueue interface {
	Append(ctx context.Context, m *domain.Mutation) error
	ListPending(ctx context.Context) ([]domain.Mutation, error)
	ListByTask(ctx context.Context, taskID string) ([]domain.Mutation, error)
	UpdateRetry(ctx context.Context, id string, retryCount int, lastAttempt time.Time, errMsg string) error
	Remove(ctx context.Context, id string) error
	Size(ctx context.Context) (int, error)
}

package task

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/repository"
	"github.com/fastygo/taskboard/usecase"
)

// UseCase is the board API the presentation layer talks to. Every write lands in the local
// store first and reaches the remote asynchronously; callers only see local failures.
type UseCase struct {
	tasks        repository.LocalTaskStore
	sync         usecase.MutationSink
	connectivity usecase.Connectivity
	logger       *zap.Logger
	now          func() time.Time
}

func New(tasks repository.LocalTaskStore, sync usecase.MutationSink, connectivity usecase.Connectivity, logger *zap.Logger) *UseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UseCase{
		tasks:        tasks,
		sync:         sync,
		connectivity: connectivity,
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock returns a copy of uc stamping edits with now.
func (uc *UseCase) WithClock(now func() time.Time) *UseCase {
	clone := *uc
	clone.now = now
	return &clone
}

func (uc *UseCase) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return uc.tasks.ListByRecency(ctx)
}

func (uc *UseCase) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return uc.tasks.Get(ctx, id)
}

// ObserveTasks emits the current board, newest first, and again after every local write
// until ctx ends. Bursts of writes may be folded into one snapshot.
func (uc *UseCase) ObserveTasks(ctx context.Context) (<-chan []domain.Task, error) {
	sub := uc.tasks.Subscribe()
	initial, err := uc.tasks.ListByRecency(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan []domain.Task, 1)
	out <- initial
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case <-sub.C():
				sub.Drain()
				snapshot, err := uc.tasks.ListByRecency(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					uc.logger.Warn("failed to refresh observed tasks", zap.Error(err))
					continue
				}
				select {
				case out <- snapshot:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// CreateTask stores a new pending task and queues it for the remote.
func (uc *UseCase) CreateTask(ctx context.Context, input domain.NewTask) (*domain.Task, error) {
	now := uc.now().UTC()
	task := &domain.Task{
		ID:         uuid.NewString(),
		Title:      strings.TrimSpace(input.Title),
		Deadline:   input.Deadline,
		Importance: input.Importance,
		Status:     domain.StatusInProgress,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	task.MarkPending()

	if err := uc.tasks.Put(ctx, task); err != nil {
		return nil, err
	}
	snapshot := task.Remote()
	if _, err := uc.sync.Enqueue(ctx, task.ID, domain.MutationCreate, domain.MutationPayload{Task: &snapshot}); err != nil {
		uc.rollback(ctx, task.ID, nil)
		return nil, err
	}
	uc.logger.Debug("task created", zap.String("task_id", task.ID))
	return task, nil
}

// UpdateTask merges patch into the local copy and queues the change.
func (uc *UseCase) UpdateTask(ctx context.Context, id string, patch domain.Patch) (*domain.Task, error) {
	if patch.IsEmpty() {
		return nil, domain.NewError(domain.ErrCodeInvalid, "nothing to update")
	}
	current, err := uc.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	candidate := *current
	patch.Apply(&candidate)
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	now := uc.now().UTC()
	updated, err := uc.tasks.Update(ctx, id, func(t *domain.Task) {
		patch.Apply(t)
		t.UpdatedAt = now
		t.MarkPending()
	})
	if err != nil {
		return nil, err
	}
	if _, err := uc.sync.Enqueue(ctx, id, domain.MutationUpdate, domain.MutationPayload{Patch: &patch, UpdatedAt: now}); err != nil {
		uc.rollback(ctx, id, current)
		return nil, err
	}
	return updated, nil
}

// DeleteTask removes the task locally at once; deleting an absent task is a no-op.
func (uc *UseCase) DeleteTask(ctx context.Context, id string) error {
	current, err := uc.tasks.Get(ctx, id)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := uc.tasks.Delete(ctx, id); err != nil {
		return err
	}
	snapshot := current.Remote()
	if _, err := uc.sync.Enqueue(ctx, id, domain.MutationDelete, domain.MutationPayload{Task: &snapshot}); err != nil {
		uc.rollback(ctx, id, current)
		return err
	}
	return nil
}

// RetryFailedTask re-queues the current state of a failed task as an upsert and asks for
// an immediate drain. Tasks that are not failed are returned unchanged.
func (uc *UseCase) RetryFailedTask(ctx context.Context, id string) (*domain.Task, error) {
	current, err := uc.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.SyncState != domain.SyncFailed {
		return current, nil
	}

	updated, err := uc.tasks.Update(ctx, id, func(t *domain.Task) {
		t.MarkPending()
	})
	if err != nil {
		return nil, err
	}
	snapshot := updated.Remote()
	if _, err := uc.sync.Enqueue(ctx, id, domain.MutationCreate, domain.MutationPayload{Task: &snapshot}); err != nil {
		uc.rollback(ctx, id, current)
		return nil, err
	}
	uc.sync.Trigger()
	uc.logger.Info("retrying failed task", zap.String("task_id", id))
	return updated, nil
}

// SyncNow requests a drain without waiting for it.
func (uc *UseCase) SyncNow() {
	uc.sync.Trigger()
}

func (uc *UseCase) IsOnline() bool {
	if uc.connectivity == nil {
		return true
	}
	return uc.connectivity.IsOnline()
}

// WatchConnectivity emits the current online state and every later transition until ctx
// ends. Only the latest unread state is kept.
func (uc *UseCase) WatchConnectivity(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	out <- uc.IsOnline()
	if uc.connectivity == nil {
		close(out)
		return out
	}

	updates := make(chan bool, 1)
	stop := uc.connectivity.Watch(func(online bool) {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- online:
		default:
		}
	})

	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case online := <-updates:
				select {
				case out <- online:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// rollback restores previous after the queue refused a mutation; nil previous means the
// task did not exist.
func (uc *UseCase) rollback(ctx context.Context, id string, previous *domain.Task) {
	var err error
	if previous == nil {
		err = uc.tasks.Delete(ctx, id)
	} else {
		err = uc.tasks.Put(ctx, previous)
	}
	if err != nil {
		uc.logger.Error("failed to roll back local write", zap.String("task_id", id), zap.Error(err))
	}
}

package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/repository"
)

// RemoteGateway joins the authoritative task table with the change stream other clients
// listen on. Every accepted write is announced after it commits.
type RemoteGateway struct {
	tasks  repository.RemoteTaskRepository
	feed   repository.ChangeFeed
	logger *zap.Logger
}

func NewRemoteGateway(tasks repository.RemoteTaskRepository, feed repository.ChangeFeed, logger *zap.Logger) *RemoteGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteGateway{
		tasks:  tasks,
		feed:   feed,
		logger: logger,
	}
}

var _ repository.RemoteGateway = (*RemoteGateway)(nil)

func (g *RemoteGateway) Upsert(ctx context.Context, task domain.Task) (*domain.Task, error) {
	stored, inserted, err := g.tasks.Upsert(ctx, task.Remote())
	if err != nil {
		return nil, err
	}
	changeType := domain.ChangeUpdate
	if inserted {
		changeType = domain.ChangeCreate
	}
	g.publish(ctx, domain.ChangeEvent{Type: changeType, Task: *stored})
	return stored, nil
}

func (g *RemoteGateway) Patch(ctx context.Context, id string, update domain.Update) (*domain.Task, error) {
	stored, err := g.tasks.Patch(ctx, id, update)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, domain.ChangeEvent{Type: domain.ChangeUpdate, Task: *stored})
	return stored, nil
}

// Delete is idempotent; only an actual removal is announced.
func (g *RemoteGateway) Delete(ctx context.Context, id string) error {
	removed, err := g.tasks.Delete(ctx, id)
	if err != nil {
		return err
	}
	if removed {
		g.publish(ctx, domain.ChangeEvent{Type: domain.ChangeDelete, Task: domain.Task{ID: id}})
	}
	return nil
}

func (g *RemoteGateway) FetchAll(ctx context.Context) ([]domain.Task, error) {
	return g.tasks.List(ctx)
}

func (g *RemoteGateway) FetchOne(ctx context.Context, id string) (*domain.Task, error) {
	return g.tasks.GetByID(ctx, id)
}

func (g *RemoteGateway) SubscribeToChanges(ctx context.Context, onChange repository.ChangeHandler) (repository.ChangeSubscription, error) {
	if g.feed == nil {
		return nil, errors.New("change feed not configured")
	}
	return g.feed.Subscribe(ctx, onChange)
}

// publish never fails the write it follows: subscribers that miss an event catch up on the
// next bootstrap.
func (g *RemoteGateway) publish(ctx context.Context, event domain.ChangeEvent) {
	if g.feed == nil {
		return
	}
	if err := g.feed.Publish(ctx, event); err != nil {
		g.logger.Warn("failed to publish task change",
			zap.String("task_id", event.Task.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

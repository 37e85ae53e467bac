package task

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/internal/config"
	"github.com/fastygo/taskboard/internal/infrastructure/boltdb"
	"github.com/fastygo/taskboard/internal/infrastructure/monitor"
	"github.com/fastygo/taskboard/internal/services"
	"github.com/fastygo/taskboard/repository/bolt"
	"github.com/fastygo/taskboard/repository/memory"
)

type enqueued struct {
	taskID  string
	typ     domain.MutationType
	payload domain.MutationPayload
}

type recordingSink struct {
	mu       sync.Mutex
	entries  []enqueued
	triggers int
	err      error
}

func (s *recordingSink) Enqueue(_ context.Context, taskID string, typ domain.MutationType, payload domain.MutationPayload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.entries = append(s.entries, enqueued{taskID: taskID, typ: typ, payload: payload})
	s.triggers++
	return "m" + taskID, nil
}

func (s *recordingSink) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers++
}

var now = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

func newTestUseCase(t *testing.T) (*UseCase, *bolt.TaskStore, *recordingSink, *monitor.Monitor) {
	t.Helper()
	db, err := boltdb.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "board.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := bolt.NewTaskStore(db)
	sink := &recordingSink{}
	mon := monitor.New(time.Hour, nil, nil)
	uc := New(store, sink, mon, nil).WithClock(func() time.Time { return now })
	return uc, store, sink, mon
}

func newInput(title string) domain.NewTask {
	return domain.NewTask{Title: title, Deadline: domain.NewDate(now).AddDays(3), Importance: 5}
}

func TestCreateTask(t *testing.T) {
	uc, store, sink, _ := newTestUseCase(t)
	ctx := context.Background()

	created, err := uc.CreateTask(ctx, newInput("  write report "))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "write report", created.Title)
	assert.Equal(t, domain.StatusInProgress, created.Status)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, domain.SyncPending, created.SyncState)

	stored, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, stored.SyncState)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, domain.MutationCreate, sink.entries[0].typ)
	require.NotNil(t, sink.entries[0].payload.Task)
	assert.Empty(t, sink.entries[0].payload.Task.SyncState)
	assert.Equal(t, created.ID, sink.entries[0].payload.Task.ID)
}

func TestCreateTask_RejectsInvalidInput(t *testing.T) {
	uc, store, sink, _ := newTestUseCase(t)
	ctx := context.Background()

	_, err := uc.CreateTask(ctx, domain.NewTask{Title: " ", Deadline: domain.NewDate(now), Importance: 5})
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeInvalid))

	_, err = uc.CreateTask(ctx, domain.NewTask{Title: "x", Deadline: domain.NewDate(now), Importance: 0})
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeInvalid))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, sink.entries)
}

func TestCreateTask_RollsBackWhenQueueFails(t *testing.T) {
	uc, store, sink, _ := newTestUseCase(t)
	ctx := context.Background()
	sink.err = errors.New("queue unavailable")

	_, err := uc.CreateTask(ctx, newInput("lost"))
	require.Error(t, err)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUpdateTask(t *testing.T) {
	uc, _, sink, _ := newTestUseCase(t)
	ctx := context.Background()
	created, err := uc.CreateTask(ctx, newInput("draft"))
	require.NoError(t, err)

	later := now.Add(time.Hour)
	uc = uc.WithClock(func() time.Time { return later })
	status := domain.StatusDone
	updated, err := uc.UpdateTask(ctx, created.ID, domain.Patch{Status: &status})
	require.NoError(t, err)
	assert.True(t, updated.IsCompleted())
	assert.True(t, updated.UpdatedAt.Equal(later))
	assert.Equal(t, "draft", updated.Title)

	require.Len(t, sink.entries, 2)
	last := sink.entries[1]
	assert.Equal(t, domain.MutationUpdate, last.typ)
	assert.True(t, last.payload.UpdatedAt.Equal(later))
	require.NotNil(t, last.payload.Patch)
	assert.Nil(t, last.payload.Patch.Title)

	_, err = uc.UpdateTask(ctx, created.ID, domain.Patch{})
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeInvalid))

	bad := 42
	_, err = uc.UpdateTask(ctx, created.ID, domain.Patch{Importance: &bad})
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeInvalid))

	_, err = uc.UpdateTask(ctx, "missing", domain.Patch{Status: &status})
	assert.True(t, domain.IsNotFound(err))
	assert.Len(t, sink.entries, 2)
}

func TestDeleteTask(t *testing.T) {
	uc, store, sink, _ := newTestUseCase(t)
	ctx := context.Background()
	created, err := uc.CreateTask(ctx, newInput("obsolete"))
	require.NoError(t, err)

	require.NoError(t, uc.DeleteTask(ctx, created.ID))
	_, err = store.Get(ctx, created.ID)
	assert.True(t, domain.IsNotFound(err))
	require.Len(t, sink.entries, 2)
	assert.Equal(t, domain.MutationDelete, sink.entries[1].typ)

	require.NoError(t, uc.DeleteTask(ctx, created.ID))
	assert.Len(t, sink.entries, 2)
}

func TestObserveTasks(t *testing.T) {
	uc, _, _, _ := newTestUseCase(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := uc.ObserveTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, <-feed)

	first, err := uc.CreateTask(ctx, newInput("first"))
	require.NoError(t, err)
	uc = uc.WithClock(func() time.Time { return now.Add(time.Minute) })
	second, err := uc.CreateTask(ctx, newInput("second"))
	require.NoError(t, err)

	var board []domain.Task
	require.Eventually(t, func() bool {
		select {
		case board = <-feed:
		default:
		}
		return len(board) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, second.ID, board[0].ID)
	assert.Equal(t, first.ID, board[1].ID)

	require.NoError(t, uc.DeleteTask(ctx, first.ID))
	require.Eventually(t, func() bool {
		select {
		case board = <-feed:
		default:
		}
		return len(board) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-feed:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatchConnectivity(t *testing.T) {
	uc, _, _, mon := newTestUseCase(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := uc.WatchConnectivity(ctx)
	assert.True(t, <-states)
	assert.True(t, uc.IsOnline())

	mon.SetReported(false)
	assert.False(t, <-states)
	assert.False(t, uc.IsOnline())

	mon.SetReported(true)
	assert.True(t, <-states)
}

func TestRetryFailedTask_RequeuesAndSyncs(t *testing.T) {
	ctx := context.Background()
	db, err := boltdb.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "board.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := bolt.NewTaskStore(db)
	queue := bolt.NewMutationQueue(db)
	remote := memory.NewRemote()
	mon := monitor.New(time.Hour, nil, nil)
	engine := services.NewSyncEngine(store, queue, remote, mon, nil, services.SyncConfig{Interval: time.Hour, MaxRetries: 1})
	uc := New(store, engine, mon, nil)

	remote.SetFault(func(memory.Op, string) error { return errors.New("connection reset by peer") })
	created, err := uc.CreateTask(ctx, newInput("flaky"))
	require.NoError(t, err)

	report, err := engine.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Abandoned)

	failed, err := uc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncFailed, failed.SyncState)
	assert.Equal(t, "connection reset by peer", failed.SyncError)

	remote.SetFault(nil)
	retried, err := uc.RetryFailedTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, retried.SyncState)
	size, err := queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	_, err = engine.Flush(ctx)
	require.NoError(t, err)
	synced, err := uc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, synced.SyncState)
	stored, ok := remote.Snapshot(created.ID)
	require.True(t, ok)
	assert.Equal(t, "flaky", stored.Title)

	// Not failed: nothing is queued.
	_, err = uc.RetryFailedTask(ctx, created.ID)
	require.NoError(t, err)
	size, err = queue.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	_, err = uc.RetryFailedTask(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

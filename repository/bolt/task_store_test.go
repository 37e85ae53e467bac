package bolt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/internal/config"
	"github.com/fastygo/taskboard/internal/infrastructure/boltdb"
)

func TestTaskStore_PutGetDelete(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewTaskStore(db)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.Put(ctx, newTestTask("t1", now)))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "task t1", got.Title)
	assert.Equal(t, domain.SyncPending, got.SyncState)

	require.NoError(t, store.Delete(ctx, "t1"))
	require.NoError(t, store.Delete(ctx, "t1"), "delete must be idempotent")

	_, err = store.Get(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestTaskStore_ListByRecency(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewTaskStore(db)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, newTestTask("old", base)))
	require.NoError(t, store.Put(ctx, newTestTask("newest", base.Add(2*time.Hour))))
	require.NoError(t, store.Put(ctx, newTestTask("middle", base.Add(time.Hour))))

	// Replacing a record must not leave a stale index entry behind.
	moved := newTestTask("old", base.Add(3*time.Hour))
	require.NoError(t, store.Put(ctx, moved))

	tasks, err := store.ListByRecency(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"old", "newest", "middle"}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
}

func TestTaskStore_Update(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewTaskStore(db)
	ctx := context.Background()

	_, err := store.Update(ctx, "missing", func(*domain.Task) {})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	require.NoError(t, store.Put(ctx, newTestTask("t1", time.Now())))
	title := "renamed"
	updated, err := store.Update(ctx, "t1", func(task *domain.Task) {
		domain.Patch{Title: &title}.Apply(task)
		task.MarkSynced()
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, domain.SyncSynced, got.SyncState)
}

func TestTaskStore_NotifiesInWriteOrder(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewTaskStore(db)
	defer store.Close()
	ctx := context.Background()

	sub := store.Subscribe()
	defer sub.Close()

	require.NoError(t, store.Put(ctx, newTestTask("a", time.Now())))
	require.NoError(t, store.Put(ctx, newTestTask("b", time.Now())))
	_, err := store.Update(ctx, "a", func(task *domain.Task) { task.Importance = 9 })
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "b"))
	require.NoError(t, store.Delete(ctx, "b"))

	<-sub.C()
	assert.Equal(t, []string{"a", "b", "a", "b"}, sub.Drain())
}

func TestTaskStore_Durable(t *testing.T) {
	db, path := openTestDB(t)
	store := NewTaskStore(db)
	require.NoError(t, store.Put(context.Background(), newTestTask("t1", time.Now())))
	require.NoError(t, db.Close())

	reopened, err := boltdb.Open(config.StoreConfig{Path: path, ReadOnly: true}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := NewTaskStore(reopened).Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}

func TestTaskStore_RejectsCancelledContext(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewTaskStore(db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, newTestTask("t1", time.Now())), context.Canceled)
}

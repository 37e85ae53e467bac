package services

import (
	"context"
	"errors"
	"net/http"
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
	"github.com/fastygo/taskboard/repository"
	"github.com/fastygo/taskboard/repository/bolt"
	"github.com/fastygo/taskboard/repository/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type syncFixture struct {
	tasks   *bolt.TaskStore
	queue   *bolt.MutationQueue
	remote  *memory.Remote
	monitor *monitor.Monitor
	clock   *fakeClock
	engine  *SyncEngine
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	db, err := boltdb.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "sync.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &syncFixture{
		tasks:   bolt.NewTaskStore(db),
		queue:   bolt.NewMutationQueue(db),
		remote:  memory.NewRemote(),
		monitor: monitor.New(time.Hour, nil, nil),
		clock:   &fakeClock{now: t0},
	}
	f.engine = NewSyncEngine(f.tasks, f.queue, f.remote, f.monitor, nil, SyncConfig{
		Interval:       time.Hour,
		MaxRetries:     5,
		InitialBackoff: time.Second,
	}, WithClock(f.clock.Now))
	return f
}

func boardTask(id, title string, version int, updated time.Time) domain.Task {
	return domain.Task{
		ID:         id,
		Title:      title,
		Deadline:   domain.NewDate(t0).AddDays(3),
		Importance: 5,
		Status:     domain.StatusInProgress,
		Version:    version,
		CreatedAt:  t0,
		UpdatedAt:  updated,
	}
}

// createLocal mirrors what the task use case does for a new task.
func (f *syncFixture) createLocal(t *testing.T, task domain.Task) {
	t.Helper()
	ctx := context.Background()
	task.MarkPending()
	require.NoError(t, f.tasks.Put(ctx, &task))
	snapshot := task.Remote()
	_, err := f.engine.Enqueue(ctx, task.ID, domain.MutationCreate, domain.MutationPayload{Task: &snapshot})
	require.NoError(t, err)
}

// editLocal mirrors a local title edit at the given time.
func (f *syncFixture) editLocal(t *testing.T, id, title string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	patch := domain.Patch{Title: &title}
	_, err := f.tasks.Update(ctx, id, func(task *domain.Task) {
		patch.Apply(task)
		task.UpdatedAt = at
		task.MarkPending()
	})
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, id, domain.MutationUpdate, domain.MutationPayload{Patch: &patch, UpdatedAt: at})
	require.NoError(t, err)
}

func (f *syncFixture) putSynced(t *testing.T, task domain.Task) {
	t.Helper()
	task.MarkSynced()
	require.NoError(t, f.tasks.Put(context.Background(), &task))
}

func (f *syncFixture) local(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *syncFixture) queueSize(t *testing.T) int {
	t.Helper()
	size, err := f.queue.Size(context.Background())
	require.NoError(t, err)
	return size
}

func transient(op memory.Op) memory.FaultFunc {
	return func(got memory.Op, _ string) error {
		if got == op {
			return &domain.RemoteError{Status: http.StatusServiceUnavailable, Message: "upstream timeout"}
		}
		return nil
	}
}

func TestFlush_EmptyQueueIsNoop(t *testing.T) {
	f := newSyncFixture(t)

	for i := 0; i < 2; i++ {
		report, err := f.engine.Flush(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FlushReport{}, report)
	}
	assert.Zero(t, f.remote.Calls(memory.OpUpsert))
	assert.Zero(t, f.remote.Calls(memory.OpPatch))
}

func TestFlush_CreatedOfflineSyncsOnReconnect(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.monitor.SetReported(false)

	f.createLocal(t, boardTask("t1", "plan sprint", 1, t0))
	assert.Equal(t, domain.SyncPending, f.local(t, "t1").SyncState)

	report, err := f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, report.Offline)
	assert.Equal(t, 1, f.queueSize(t))
	_, ok := f.remote.Snapshot("t1")
	assert.False(t, ok)

	f.monitor.SetReported(true)
	report, err = f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	local := f.local(t, "t1")
	assert.Equal(t, domain.SyncSynced, local.SyncState)
	assert.Empty(t, local.SyncError)
	assert.Zero(t, f.queueSize(t))

	stored, ok := f.remote.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, "plan sprint", stored.Title)
	assert.Equal(t, 1, stored.Version)
}

func TestFlush_TransientFailuresAbandonAfterMaxRetries(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.remote.Seed(boardTask("t2", "draft", 1, t0))
	f.putSynced(t, boardTask("t2", "draft", 1, t0))
	f.editLocal(t, "t2", "final", t0.Add(time.Minute))
	f.remote.SetFault(transient(memory.OpPatch))

	var lastAttempt time.Time
	for attempt := 1; attempt <= 4; attempt++ {
		report, err := f.engine.Flush(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Retried, "attempt %d", attempt)

		pending, err := f.queue.ListByTask(ctx, "t2")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, attempt, pending[0].RetryCount)
		assert.Equal(t, "remote error 503: upstream timeout", pending[0].Error)
		if !lastAttempt.IsZero() {
			assert.GreaterOrEqual(t, pending[0].LastAttempt.Sub(lastAttempt), time.Second<<(attempt-1))
		}
		lastAttempt = pending[0].LastAttempt

		// A failure inside the backoff window is not recorded.
		report, err = f.engine.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Backoff)
		pending, err = f.queue.ListByTask(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, attempt, pending[0].RetryCount)

		f.clock.Advance(time.Second<<attempt + time.Millisecond)
	}

	report, err := f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)

	local := f.local(t, "t2")
	assert.Equal(t, domain.SyncFailed, local.SyncState)
	assert.Equal(t, "remote error 503: upstream timeout", local.SyncError)
	assert.Equal(t, "final", local.Title)
	assert.Zero(t, f.queueSize(t))
}

func TestFlush_EntryAtCeilingIsAbandonedWithoutAttempt(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.createLocal(t, boardTask("t1", "stuck", 1, t0))

	pending, err := f.queue.ListPending(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.UpdateRetry(ctx, pending[0].ID, 5, t0, "remote error 500: boom"))

	report, err := f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Zero(t, f.remote.Calls(memory.OpUpsert))
	assert.Equal(t, domain.SyncFailed, f.local(t, "t1").SyncState)
	assert.Equal(t, "remote error 500: boom", f.local(t, "t1").SyncError)
	assert.Zero(t, f.queueSize(t))
}

func TestFlush_RemoteNewerWinsConflict(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	t1 := t0.Add(2 * time.Hour)
	t2 := t0.Add(time.Hour)

	// Client A already synced its edit at t1.
	f.remote.Seed(boardTask("t3", "from A", 2, t1))
	// Client B edited its stale copy at t2 while offline.
	f.putSynced(t, boardTask("t3", "original", 1, t0))
	f.editLocal(t, "t3", "from B", t2)

	report, err := f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	local := f.local(t, "t3")
	assert.Equal(t, "from A", local.Title)
	assert.Equal(t, 2, local.Version)
	assert.True(t, local.UpdatedAt.Equal(t1))
	assert.Equal(t, domain.SyncSynced, local.SyncState)
	assert.Zero(t, f.queueSize(t))

	stored, _ := f.remote.Snapshot("t3")
	assert.Equal(t, "from A", stored.Title)
	assert.Equal(t, 2, stored.Version)
}

func TestFlush_LocalNewerForceWrites(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	remoteEdit := t0.Add(time.Hour)
	localEdit := t0.Add(2 * time.Hour)

	f.remote.Seed(boardTask("t3", "from A", 2, remoteEdit))
	f.putSynced(t, boardTask("t3", "original", 1, t0))
	f.editLocal(t, "t3", "from B", localEdit)

	report, err := f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	stored, _ := f.remote.Snapshot("t3")
	assert.Equal(t, "from B", stored.Title)
	assert.Equal(t, 3, stored.Version)
	assert.True(t, stored.UpdatedAt.Equal(localEdit))

	local := f.local(t, "t3")
	assert.Equal(t, 3, local.Version)
	assert.Equal(t, domain.SyncSynced, local.SyncState)
	assert.Zero(t, f.queueSize(t))
}

func TestFlush_TaskDeletedRemotelyIsDroppedLocally(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.putSynced(t, boardTask("t1", "orphan", 1, t0))
	f.editLocal(t, "t1", "edited", t0.Add(time.Minute))

	report, err := f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	_, err = f.tasks.Get(ctx, "t1")
	assert.True(t, domain.IsNotFound(err))
	assert.Zero(t, f.queueSize(t))
}

func TestFlush_EditAfterAbandonedCreateSendsWholeTask(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.createLocal(t, boardTask("t9", "draft", 1, t0))
	f.remote.SetFault(transient(memory.OpUpsert))

	abandoned := 0
	for i := 0; i < 5; i++ {
		report, err := f.engine.Flush(ctx)
		require.NoError(t, err)
		abandoned += report.Abandoned
		f.clock.Advance(time.Minute)
	}
	require.Equal(t, 1, abandoned)
	require.Equal(t, domain.SyncFailed, f.local(t, "t9").SyncState)
	require.False(t, f.local(t, "t9").Confirmed)

	f.remote.SetFault(nil)
	f.editLocal(t, "t9", "final", t0.Add(10*time.Minute))

	report, err := f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Conflicts)
	assert.Zero(t, f.remote.Calls(memory.OpPatch))

	stored, ok := f.remote.Snapshot("t9")
	require.True(t, ok)
	assert.Equal(t, "final", stored.Title)
	assert.Equal(t, 5, stored.Importance)

	local := f.local(t, "t9")
	assert.Equal(t, "final", local.Title)
	assert.Equal(t, stored.Version, local.Version)
	assert.Equal(t, domain.SyncSynced, local.SyncState)
	assert.True(t, local.Confirmed)
	assert.Zero(t, f.queueSize(t))
}

func TestFlush_AbandonedDeleteDoesNotResurrect(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	task := boardTask("t4", "obsolete", 1, t0)
	f.remote.Seed(task)
	f.putSynced(t, task)

	require.NoError(t, f.tasks.Delete(ctx, "t4"))
	_, err := f.engine.Enqueue(ctx, "t4", domain.MutationDelete, domain.MutationPayload{Task: &task})
	require.NoError(t, err)
	f.remote.SetFault(transient(memory.OpDelete))

	abandoned := 0
	for i := 0; i < 5; i++ {
		report, err := f.engine.Flush(ctx)
		require.NoError(t, err)
		abandoned += report.Abandoned
		f.clock.Advance(time.Minute)
	}
	assert.Equal(t, 1, abandoned)

	_, err = f.tasks.Get(ctx, "t4")
	assert.True(t, domain.IsNotFound(err))
	assert.Zero(t, f.queueSize(t))
}

func TestFlush_PerTaskOrderingAndIsolation(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	f.createLocal(t, boardTask("a", "first", 1, t0))
	f.createLocal(t, boardTask("b", "other", 1, t0))
	f.editLocal(t, "a", "second", t0.Add(time.Minute))
	f.remote.SetFault(func(op memory.Op, id string) error {
		if id == "a" {
			return &domain.RemoteError{Status: http.StatusBadGateway, Message: "bad gateway"}
		}
		return nil
	})

	report, err := f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, domain.SyncSynced, f.local(t, "b").SyncState)
	assert.Zero(t, f.remote.Calls(memory.OpPatch))

	f.remote.SetFault(nil)
	f.clock.Advance(time.Minute)
	report, err = f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)

	stored, ok := f.remote.Snapshot("a")
	require.True(t, ok)
	assert.Equal(t, "second", stored.Title)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, 2, f.local(t, "a").Version)
	assert.Equal(t, domain.SyncSynced, f.local(t, "a").SyncState)
	assert.Zero(t, f.queueSize(t))
}

func TestFlush_OfflineEditsConvergeToLastWrite(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.monitor.SetReported(false)

	f.createLocal(t, boardTask("a", "v1", 1, t0))
	f.editLocal(t, "a", "v2", t0.Add(time.Minute))
	f.editLocal(t, "a", "v3", t0.Add(2*time.Minute))
	f.createLocal(t, boardTask("gone", "temp", 1, t0))
	require.NoError(t, f.tasks.Delete(ctx, "gone"))
	_, err := f.engine.Enqueue(ctx, "gone", domain.MutationDelete, domain.MutationPayload{})
	require.NoError(t, err)

	f.monitor.SetReported(true)
	_, err = f.engine.Flush(ctx)
	require.NoError(t, err)

	stored, ok := f.remote.Snapshot("a")
	require.True(t, ok)
	assert.Equal(t, "v3", stored.Title)
	_, ok = f.remote.Snapshot("gone")
	assert.False(t, ok)
	assert.Zero(t, f.queueSize(t))
}

func TestFlush_SingleFlight(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.createLocal(t, boardTask("t1", "slow", 1, t0))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.SetFault(func(op memory.Op, _ string) error {
		if op == memory.OpUpsert {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})

	done := make(chan FlushReport)
	go func() {
		report, _ := f.engine.Flush(ctx)
		done <- report
	}()

	<-entered
	report, err := f.engine.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, 1, f.remote.Calls(memory.OpUpsert))
}

func TestApplyRemoteChange(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.putSynced(t, boardTask("t1", "local", 1, t0.Add(time.Hour)))

	older := boardTask("t1", "older", 2, t0)
	require.NoError(t, f.engine.ApplyRemoteChange(ctx, domain.ChangeEvent{Type: domain.ChangeUpdate, Task: older}))
	assert.Equal(t, "local", f.local(t, "t1").Title)

	newer := boardTask("t1", "newer", 3, t0.Add(2*time.Hour))
	require.NoError(t, f.engine.ApplyRemoteChange(ctx, domain.ChangeEvent{Type: domain.ChangeUpdate, Task: newer}))
	assert.Equal(t, "newer", f.local(t, "t1").Title)
	assert.Equal(t, 3, f.local(t, "t1").Version)
	assert.Equal(t, domain.SyncSynced, f.local(t, "t1").SyncState)

	created := boardTask("t2", "from elsewhere", 1, t0)
	require.NoError(t, f.engine.ApplyRemoteChange(ctx, domain.ChangeEvent{Type: domain.ChangeCreate, Task: created}))
	assert.Equal(t, "from elsewhere", f.local(t, "t2").Title)

	// Queued local work keeps the record alive.
	f.editLocal(t, "t2", "mine", t0.Add(time.Minute))
	require.NoError(t, f.engine.ApplyRemoteChange(ctx, domain.ChangeEvent{Type: domain.ChangeDelete, Task: domain.Task{ID: "t2"}}))
	assert.Equal(t, "mine", f.local(t, "t2").Title)

	require.NoError(t, f.engine.ApplyRemoteChange(ctx, domain.ChangeEvent{Type: domain.ChangeDelete, Task: domain.Task{ID: "t1"}}))
	_, err := f.tasks.Get(ctx, "t1")
	assert.True(t, domain.IsNotFound(err))

	err = f.engine.ApplyRemoteChange(ctx, domain.ChangeEvent{Type: domain.ChangeUpdate})
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeInvalid))
}

// racingStore runs before ahead of the first Update, standing in for a user edit that
// lands while a remote change is being applied.
type racingStore struct {
	*bolt.TaskStore
	once   sync.Once
	before func()
}

func (s *racingStore) Update(ctx context.Context, id string, mutate func(*domain.Task)) (*domain.Task, error) {
	s.once.Do(s.before)
	return s.TaskStore.Update(ctx, id, mutate)
}

func TestApplyRemoteChange_KeepsConcurrentLocalEdit(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.putSynced(t, boardTask("t1", "original", 1, t0))

	store := &racingStore{TaskStore: f.tasks}
	store.before = func() { f.editLocal(t, "t1", "mine", t0.Add(2*time.Hour)) }
	engine := NewSyncEngine(store, f.queue, f.remote, f.monitor, nil, SyncConfig{Interval: time.Hour}, WithClock(f.clock.Now))

	theirs := boardTask("t1", "theirs", 2, t0.Add(time.Hour))
	require.NoError(t, engine.ApplyRemoteChange(ctx, domain.ChangeEvent{Type: domain.ChangeUpdate, Task: theirs}))

	local := f.local(t, "t1")
	assert.Equal(t, "mine", local.Title)
	assert.Equal(t, 1, local.Version)
	assert.Equal(t, domain.SyncPending, local.SyncState)
	assert.Equal(t, 1, f.queueSize(t))
}

func TestBootstrap_PullsRemoteAndPrunesStale(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.remote.Seed(boardTask("r1", "remote one", 1, t0), boardTask("r2", "remote two", 4, t0))
	f.putSynced(t, boardTask("stale", "deleted elsewhere", 1, t0))
	f.monitor.SetReported(false)
	f.createLocal(t, boardTask("mine", "not yet pushed", 1, t0))

	require.NoError(t, f.engine.Bootstrap(ctx))

	tasks, err := f.tasks.ListByRecency(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []string{"r1", "r2", "mine"}, ids)
	assert.Equal(t, 4, f.local(t, "r2").Version)
	assert.Equal(t, domain.SyncSynced, f.local(t, "r1").SyncState)
	assert.Equal(t, domain.SyncPending, f.local(t, "mine").SyncState)
}

func TestStart_DrainsOnEnqueueAndReconnect(t *testing.T) {
	f := newSyncFixture(t)
	f.engine.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Stop(ctx)
	})

	f.createLocal(t, boardTask("t1", "online", 1, t0))
	require.Eventually(t, func() bool {
		_, ok := f.remote.Snapshot("t1")
		return ok && f.queueSize(t) == 0
	}, 5*time.Second, 10*time.Millisecond)

	f.monitor.SetReported(false)
	f.createLocal(t, boardTask("t2", "offline", 1, t0))
	f.engine.Trigger()
	time.Sleep(50 * time.Millisecond)
	_, ok := f.remote.Snapshot("t2")
	assert.False(t, ok)

	f.monitor.SetReported(true)
	require.Eventually(t, func() bool {
		_, ok := f.remote.Snapshot("t2")
		return ok && f.queueSize(t) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStart_AppliesRemoteChanges(t *testing.T) {
	f := newSyncFixture(t)
	f.engine.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Stop(ctx)
	})

	// Subscription is in place once the initial catch-up has finished.
	require.Eventually(t, func() bool {
		return !f.engine.resync.Load()
	}, 5*time.Second, 10*time.Millisecond)

	_, err := f.remote.Upsert(context.Background(), boardTask("other", "from another client", 1, t0))
	require.NoError(t, err)
	assert.Equal(t, "from another client", f.local(t, "other").Title)
}

type feedlessRemote struct {
	*memory.Remote
}

func (feedlessRemote) SubscribeToChanges(context.Context, repository.ChangeHandler) (repository.ChangeSubscription, error) {
	return nil, errors.New("change feed not configured")
}

func TestStart_BootstrapsWithoutChangeFeed(t *testing.T) {
	f := newSyncFixture(t)
	f.remote.Seed(boardTask("r1", "remote only", 1, t0))
	engine := NewSyncEngine(f.tasks, f.queue, feedlessRemote{f.remote}, f.monitor, nil,
		SyncConfig{Interval: time.Hour}, WithClock(f.clock.Now))
	engine.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})

	require.Eventually(t, func() bool {
		return !engine.resync.Load()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "remote only", f.local(t, "r1").Title)
	assert.Equal(t, domain.SyncSynced, f.local(t, "r1").SyncState)
	assert.False(t, engine.subscribed())
}

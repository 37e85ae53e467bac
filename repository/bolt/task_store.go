package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	bbolt "go.etcd.io/bbolt"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/internal/infrastructure/boltdb"
	"github.com/fastygo/taskboard/pkg/notify"
	"github.com/fastygo/taskboard/repository"
)

// TaskStore persists task records in BoltDB with a created_at index for recency listing.
// Every committed write is announced on the change feed, in commit order.
type TaskStore struct {
	db   *bbolt.DB
	feed *notify.Broadcaster

	// writeMu keeps commit and broadcast in the same order.
	writeMu sync.Mutex
}

// NewTaskStore returns a BoltDB-backed implementation of LocalTaskStore.
func NewTaskStore(db *bbolt.DB) *TaskStore {
	return &TaskStore{
		db:   db,
		feed: notify.New(),
	}
}

var _ repository.LocalTaskStore = (*TaskStore)(nil)

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var task *domain.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		task, err = getTask(tx, id)
		return err
	})
	return task, err
}

func (s *TaskStore) Put(ctx context.Context, task *domain.Task) error {
	if task == nil || task.ID == "" {
		return domain.ErrInvalidPayload
	}
	if err := s.ready(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return putTask(tx, task)
	}); err != nil {
		return err
	}
	s.feed.Publish(task.ID)
	return nil
}

func (s *TaskStore) Update(ctx context.Context, id string, mutate func(*domain.Task)) (*domain.Task, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var updated *domain.Task
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		task, err := getTask(tx, id)
		if err != nil {
			return err
		}
		if mutate != nil {
			mutate(task)
		}
		task.ID = id
		updated = task
		return putTask(tx, task)
	}); err != nil {
		return nil, err
	}
	s.feed.Publish(id)
	return updated, nil
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed := false
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getTask(tx, id)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil
			}
			return err
		}
		removed = true
		if err := tx.Bucket(boltdb.BucketTasksByCreate).Delete(indexKey(existing)); err != nil {
			return err
		}
		return tx.Bucket(boltdb.BucketTasks).Delete([]byte(id))
	}); err != nil {
		return err
	}
	if removed {
		s.feed.Publish(id)
	}
	return nil
}

func (s *TaskStore) ListByRecency(ctx context.Context) ([]domain.Task, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(boltdb.BucketTasks)
		c := tx.Bucket(boltdb.BucketTasksByCreate).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			raw := records.Get(v)
			if raw == nil {
				continue
			}
			var task domain.Task
			if err := json.Unmarshal(raw, &task); err != nil {
				return fmt.Errorf("decode task %s: %w", v, err)
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	return tasks, err
}

func (s *TaskStore) Count(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(boltdb.BucketTasks).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *TaskStore) Subscribe() *notify.Subscription {
	return s.feed.Subscribe()
}

// Close ends every change subscription. The underlying database is owned by the caller.
func (s *TaskStore) Close() {
	s.feed.Close()
}

func (s *TaskStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return domain.WrapError(domain.ErrCodeUnavailable, "local store unavailable", bbolt.ErrDatabaseNotOpen)
	}
	if ctx != nil {
		return ctx.Err()
	}
	return nil
}

func getTask(tx *bbolt.Tx, id string) (*domain.Task, error) {
	raw := tx.Bucket(boltdb.BucketTasks).Get([]byte(id))
	if raw == nil {
		return nil, domain.ErrTaskNotFound
	}
	var task domain.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

func putTask(tx *bbolt.Tx, task *domain.Task) error {
	index := tx.Bucket(boltdb.BucketTasksByCreate)
	if previous, err := getTask(tx, task.ID); err == nil {
		if err := index.Delete(indexKey(previous)); err != nil {
			return err
		}
	} else if !domain.IsNotFound(err) {
		return err
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := tx.Bucket(boltdb.BucketTasks).Put([]byte(task.ID), payload); err != nil {
		return err
	}
	return index.Put(indexKey(task), []byte(task.ID))
}

func indexKey(task *domain.Task) []byte {
	return []byte(fmt.Sprintf("%020d_%s", task.CreatedAt.UnixNano(), task.ID))
}

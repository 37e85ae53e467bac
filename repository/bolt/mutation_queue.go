package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/internal/infrastructure/boltdb"
	"github.com/fastygo/taskboard/repository"
)

// MutationQueue persists pending mutations keyed by a bucket sequence, so cursor order is
// enqueue order. A secondary bucket maps mutation ids to their sequence keys.
type MutationQueue struct {
	db *bbolt.DB
}

// NewMutationQueue returns a BoltDB-backed implementation of MutationQueue.
func NewMutationQueue(db *bbolt.DB) *MutationQueue {
	return &MutationQueue{db: db}
}

var _ repository.MutationQueue = (*MutationQueue)(nil)

// Append stores m at the tail of the queue.
func (q *MutationQueue) Append(ctx context.Context, m *domain.Mutation) error {
	if m == nil || m.TaskID == "" || !m.Type.Valid() {
		return domain.ErrInvalidPayload
	}
	if err := q.ready(ctx); err != nil {
		return err
	}
	m.Normalize(time.Now())

	return q.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(boltdb.BucketMutations)
		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		key := sequenceKey(seq)
		if err := entries.Put(key, payload); err != nil {
			return err
		}
		return tx.Bucket(boltdb.BucketMutationIndex).Put([]byte(m.ID), key)
	})
}

// ListPending returns every queued mutation in enqueue order.
func (q *MutationQueue) ListPending(ctx context.Context) ([]domain.Mutation, error) {
	return q.scan(ctx, func(domain.Mutation) bool { return true })
}

// ListByTask returns the queued mutations targeting taskID in enqueue order.
func (q *MutationQueue) ListByTask(ctx context.Context, taskID string) ([]domain.Mutation, error) {
	return q.scan(ctx, func(m domain.Mutation) bool { return m.TaskID == taskID })
}

// UpdateRetry records a failed attempt.
func (q *MutationQueue) UpdateRetry(ctx context.Context, id string, retryCount int, lastAttempt time.Time, errMsg string) error {
	if err := q.ready(ctx); err != nil {
		return err
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		key := tx.Bucket(boltdb.BucketMutationIndex).Get([]byte(id))
		if key == nil {
			return domain.ErrMutationNotFound
		}
		entries := tx.Bucket(boltdb.BucketMutations)
		raw := entries.Get(key)
		if raw == nil {
			return domain.ErrMutationNotFound
		}
		var m domain.Mutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode mutation %s: %w", id, err)
		}
		m.RetryCount = retryCount
		m.LastAttempt = lastAttempt
		m.Error = errMsg

		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return entries.Put(append([]byte(nil), key...), payload)
	})
}

// Remove deletes a terminal mutation. Removing an unknown id is a no-op.
func (q *MutationQueue) Remove(ctx context.Context, id string) error {
	if err := q.ready(ctx); err != nil {
		return err
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(boltdb.BucketMutationIndex)
		key := index.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(boltdb.BucketMutations).Delete(append([]byte(nil), key...)); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
}

// Size returns the number of queued mutations.
func (q *MutationQueue) Size(ctx context.Context) (int, error) {
	if err := q.ready(ctx); err != nil {
		return 0, err
	}
	var count int
	err := q.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(boltdb.BucketMutations).Stats().KeyN
		return nil
	})
	return count, err
}

func (q *MutationQueue) scan(ctx context.Context, keep func(domain.Mutation) bool) ([]domain.Mutation, error) {
	if err := q.ready(ctx); err != nil {
		return nil, err
	}
	var out []domain.Mutation
	err := q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltdb.BucketMutations).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m domain.Mutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode mutation at %s: %w", k, err)
			}
			if keep(m) {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

func (q *MutationQueue) ready(ctx context.Context) error {
	if q == nil || q.db == nil {
		return domain.WrapError(domain.ErrCodeUnavailable, "local store unavailable", bbolt.ErrDatabaseNotOpen)
	}
	if ctx != nil {
		return ctx.Err()
	}
	return nil
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

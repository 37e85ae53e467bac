package memory

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/repository"
)

// Op names a remote call for fault injection and call accounting.
type Op string

const (
	OpUpsert   Op = "upsert"
	OpPatch    Op = "patch"
	OpDelete   Op = "delete"
	OpFetchAll Op = "fetch_all"
	OpFetchOne Op = "fetch_one"
)

// ErrUnreachable is returned by every call while the remote is marked unreachable.
var ErrUnreachable = &domain.RemoteError{Status: http.StatusServiceUnavailable, Message: "remote unreachable"}

// FaultFunc may return an error to fail a call before it touches state.
type FaultFunc func(op Op, id string) error

// Remote is an in-process authoritative store with the same optimistic-concurrency rules as
// the postgres gateway. It backs REMOTE_MODE=memory and the sync tests.
type Remote struct {
	mu        sync.Mutex
	tasks     map[string]domain.Task
	handlers  map[int]repository.ChangeHandler
	nextSub   int
	fault     FaultFunc
	reachable bool
	calls     map[Op]int
	now       func() time.Time
}

// NewRemote creates an empty reachable remote.
func NewRemote() *Remote {
	return &Remote{
		tasks:     make(map[string]domain.Task),
		handlers:  make(map[int]repository.ChangeHandler),
		reachable: true,
		calls:     make(map[Op]int),
		now:       time.Now,
	}
}

var _ repository.RemoteGateway = (*Remote)(nil)

// SetFault installs fn as the fault injector; nil removes it.
func (r *Remote) SetFault(fn FaultFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fault = fn
}

// SetReachable toggles whether calls and pings succeed.
func (r *Remote) SetReachable(reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reachable = reachable
}

// Ping reports reachability for the connectivity monitor.
func (r *Remote) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.reachable {
		return ErrUnreachable
	}
	return nil
}

// Seed stores tasks as-is without notifying subscribers.
func (r *Remote) Seed(tasks ...domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range tasks {
		r.tasks[task.ID] = task.Remote()
	}
}

// Snapshot returns the stored copy of a task.
func (r *Remote) Snapshot(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	return task, ok
}

// Calls returns how many times op was invoked.
func (r *Remote) Calls(op Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *Remote) Upsert(ctx context.Context, task domain.Task) (*domain.Task, error) {
	if err := r.begin(ctx, OpUpsert, task.ID); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, domain.ErrInvalidPayload
	}

	r.mu.Lock()
	stored := task.Remote()
	existing, ok := r.tasks[task.ID]
	changeType := domain.ChangeCreate
	if ok {
		if existing.Version != task.Version {
			r.mu.Unlock()
			return nil, domain.ErrVersionConflict
		}
		stored.Version = existing.Version + 1
		changeType = domain.ChangeUpdate
	} else if stored.Version < 1 {
		stored.Version = 1
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = r.now()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	r.tasks[task.ID] = stored
	handlers := r.handlersLocked()
	r.mu.Unlock()

	notify(handlers, domain.ChangeEvent{Type: changeType, Task: stored})
	return &stored, nil
}

func (r *Remote) Patch(ctx context.Context, id string, update domain.Update) (*domain.Task, error) {
	if err := r.begin(ctx, OpPatch, id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	existing, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ErrTaskNotFound
	}
	if existing.Version != update.BaseVersion {
		r.mu.Unlock()
		return nil, domain.ErrVersionConflict
	}
	update.Fields.Apply(&existing)
	existing.Version++
	existing.UpdatedAt = update.UpdatedAt
	if existing.UpdatedAt.IsZero() {
		existing.UpdatedAt = r.now()
	}
	r.tasks[id] = existing
	handlers := r.handlersLocked()
	r.mu.Unlock()

	notify(handlers, domain.ChangeEvent{Type: domain.ChangeUpdate, Task: existing})
	return &existing, nil
}

func (r *Remote) Delete(ctx context.Context, id string) error {
	if err := r.begin(ctx, OpDelete, id); err != nil {
		return err
	}

	r.mu.Lock()
	existing, ok := r.tasks[id]
	delete(r.tasks, id)
	handlers := r.handlersLocked()
	r.mu.Unlock()

	if ok {
		notify(handlers, domain.ChangeEvent{Type: domain.ChangeDelete, Task: existing})
	}
	return nil
}

func (r *Remote) FetchAll(ctx context.Context) ([]domain.Task, error) {
	if err := r.begin(ctx, OpFetchAll, ""); err != nil {
		return nil, err
	}
	r.mu.Lock()
	tasks := make([]domain.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (r *Remote) FetchOne(ctx context.Context, id string) (*domain.Task, error) {
	if err := r.begin(ctx, OpFetchOne, id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return &task, nil
}

func (r *Remote) SubscribeToChanges(ctx context.Context, onChange repository.ChangeHandler) (repository.ChangeSubscription, error) {
	if onChange == nil {
		return nil, errors.New("change handler is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.handlers[id] = onChange
	return &subscription{remote: r, id: id}, nil
}

// begin counts the call and applies reachability and fault rules.
func (r *Remote) begin(ctx context.Context, op Op, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.calls[op]++
	reachable := r.reachable
	fault := r.fault
	r.mu.Unlock()

	if !reachable {
		return ErrUnreachable
	}
	if fault != nil {
		return fault(op, id)
	}
	return nil
}

func (r *Remote) handlersLocked() []repository.ChangeHandler {
	ids := make([]int, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]repository.ChangeHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.handlers[id])
	}
	return out
}

func notify(handlers []repository.ChangeHandler, event domain.ChangeEvent) {
	for _, h := range handlers {
		h(event)
	}
}

type subscription struct {
	remote *Remote
	id     int
	once   sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.remote.mu.Lock()
		delete(s.remote.handlers, s.id)
		s.remote.mu.Unlock()
	})
	return nil
}

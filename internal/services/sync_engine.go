package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/internal/infrastructure/monitor"
	"github.com/fastygo/taskboard/repository"
)

// ConnectionHealth abstracts the connection monitor functionality.
type ConnectionHealth interface {
	IsOnline() bool
	OnChange(fn func(monitor.Event)) func()
}

// SyncConfig controls draining and retry policy.
type SyncConfig struct {
	Interval       time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

// FlushReport summarises one drain pass.
type FlushReport struct {
	Skipped   bool `json:"skipped"`
	Offline   bool `json:"offline"`
	Succeeded int  `json:"succeeded"`
	Retried   int  `json:"retried"`
	Backoff   int  `json:"backoff"`
	Abandoned int  `json:"abandoned"`
	Conflicts int  `json:"conflicts"`
	Deferred  int  `json:"deferred"`
}

func (r FlushReport) empty() bool {
	return r.Succeeded+r.Retried+r.Backoff+r.Abandoned+r.Conflicts+r.Deferred == 0
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeBackoff
	outcomeAbandoned
	outcomeConflict
)

// SyncEngine reconciles the local store with the remote one. Local writes are queued as
// mutations and replayed in enqueue order per task; remote changes flow back through the
// change subscription and bootstrap fetches.
type SyncEngine struct {
	tasks   repository.LocalTaskStore
	queue   repository.MutationQueue
	remote  repository.RemoteGateway
	monitor ConnectionHealth
	logger  *zap.Logger
	cron    *cron.Cron
	cfg     SyncConfig
	now     func() time.Time

	flushing atomic.Bool
	resync   atomic.Bool
	trigger  chan struct{}

	mu       sync.Mutex
	cancel   context.CancelFunc
	sub      repository.ChangeSubscription
	unlisten func()
	wg       sync.WaitGroup
}

// EngineOption customises a SyncEngine.
type EngineOption func(*SyncEngine)

// WithClock replaces the wall clock used for retry bookkeeping.
func WithClock(now func() time.Time) EngineOption {
	return func(e *SyncEngine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewSyncEngine(
	tasks repository.LocalTaskStore,
	queue repository.MutationQueue,
	remote repository.RemoteGateway,
	health ConnectionHealth,
	logger *zap.Logger,
	cfg SyncConfig,
	opts ...EngineOption,
) *SyncEngine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &SyncEngine{
		tasks:   tasks,
		queue:   queue,
		remote:  remote,
		monitor: health,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		cron:    cron.New(cron.WithSeconds()),
	}
	for _, opt := range opts {
		opt(e)
	}

	schedule := fmt.Sprintf("@every %s", cfg.Interval)
	if _, err := e.cron.AddFunc(schedule, e.Trigger); err != nil {
		e.logger.Error("invalid sync schedule", zap.String("schedule", schedule), zap.Error(err))
	}
	return e
}

// Enqueue durably records a mutation and schedules a drain. Drain failures never reach
// the caller.
func (e *SyncEngine) Enqueue(ctx context.Context, taskID string, typ domain.MutationType, payload domain.MutationPayload) (string, error) {
	m := &domain.Mutation{
		TaskID:    taskID,
		Type:      typ,
		Payload:   payload,
		Timestamp: e.now(),
	}
	if err := e.queue.Append(ctx, m); err != nil {
		return "", err
	}
	e.Trigger()
	return m.ID, nil
}

// Trigger requests a drain without waiting for it. Requests made while one is pending
// are merged.
func (e *SyncEngine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Start subscribes to remote changes and connectivity events, starts the periodic safety
// net, and drains whatever the previous session left behind.
func (e *SyncEngine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.resync.Store(true)

	if e.monitor != nil {
		e.unlisten = e.monitor.OnChange(func(event monitor.Event) {
			switch event {
			case monitor.EventOnline:
				e.resync.Store(true)
				e.Trigger()
			case monitor.EventForeground:
				e.Trigger()
			}
		})
	}

	e.cron.Start()
	e.wg.Add(1)
	go e.run(runCtx)
	e.Trigger()
	e.logger.Info("sync engine started", zap.Duration("interval", e.cfg.Interval))
}

// Stop halts scheduling, cancels the change subscription, and waits for an in-flight
// drain to return.
func (e *SyncEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	sub := e.sub
	unlisten := e.unlisten
	e.cancel, e.sub, e.unlisten = nil, nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	if unlisten != nil {
		unlisten()
	}

	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	cancel()
	var result error
	if sub != nil {
		result = sub.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(result, ctx.Err())
	}
	e.logger.Info("sync engine stopped")
	return result
}

func (e *SyncEngine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			if _, err := e.Flush(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("sync flush failed", zap.Error(err))
			}
			if (e.resync.Load() || !e.subscribed()) && e.online() {
				e.catchUp(ctx)
			}
		}
	}
}

// catchUp (re)establishes the change subscription and, after a start or reconnect, pulls
// the full remote state to cover events missed while offline. A failed subscription does
// not hold back the pull; it is retried on the next trigger.
func (e *SyncEngine) catchUp(ctx context.Context) {
	if err := e.subscribe(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("remote change subscription failed", zap.Error(err))
	}
	if !e.resync.Load() {
		return
	}
	if err := e.Bootstrap(ctx); err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("remote bootstrap failed", zap.Error(err))
		}
		return
	}
	e.resync.Store(false)
}

func (e *SyncEngine) subscribed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sub != nil
}

func (e *SyncEngine) subscribe(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub != nil {
		return nil
	}
	sub, err := e.remote.SubscribeToChanges(ctx, func(event domain.ChangeEvent) {
		if err := e.ApplyRemoteChange(ctx, event); err != nil && ctx.Err() == nil {
			e.logger.Warn("failed to apply remote change",
				zap.String("task_id", event.Task.ID),
				zap.String("type", string(event.Type)),
				zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	e.sub = sub
	return nil
}

// Flush runs one drain pass. Concurrent calls return immediately with Skipped set, and an
// offline client drains nothing. Per-entry failures are recorded on the queue and never
// abort the pass; only local store failures are returned.
func (e *SyncEngine) Flush(ctx context.Context) (FlushReport, error) {
	var report FlushReport
	if !e.flushing.CompareAndSwap(false, true) {
		report.Skipped = true
		return report, nil
	}
	defer e.flushing.Store(false)

	if !e.online() {
		e.logger.Debug("skipping sync flush (offline)")
		report.Offline = true
		return report, nil
	}

	entries, err := e.queue.ListPending(ctx)
	if err != nil {
		return report, err
	}

	// A task whose earlier entry did not complete keeps its later entries queued.
	blocked := make(map[string]struct{})
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, ok := blocked[entry.TaskID]; ok {
			report.Deferred++
			continue
		}

		switch e.process(ctx, entry) {
		case outcomeSucceeded:
			report.Succeeded++
		case outcomeConflict:
			report.Conflicts++
		case outcomeRetried:
			report.Retried++
			blocked[entry.TaskID] = struct{}{}
		case outcomeBackoff:
			report.Backoff++
			blocked[entry.TaskID] = struct{}{}
		case outcomeAbandoned:
			report.Abandoned++
			blocked[entry.TaskID] = struct{}{}
		}
	}

	if !report.empty() {
		e.logger.Info("sync flush finished",
			zap.Int("succeeded", report.Succeeded),
			zap.Int("retried", report.Retried),
			zap.Int("backoff", report.Backoff),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("conflicts", report.Conflicts),
			zap.Int("deferred", report.Deferred))
	}
	return report, nil
}

func (e *SyncEngine) process(ctx context.Context, entry domain.Mutation) outcome {
	if entry.RetryCount >= e.cfg.MaxRetries {
		e.abandon(ctx, entry, entry.Error)
		return outcomeAbandoned
	}

	stored, err := e.execute(ctx, entry)
	if err == nil {
		if err := e.complete(ctx, entry, stored); err != nil {
			e.logger.Error("failed to record synced mutation", zap.String("mutation_id", entry.ID), zap.Error(err))
		}
		return outcomeSucceeded
	}

	if domain.IsVersionConflict(err) || (entry.Type == domain.MutationUpdate && domain.IsNotFound(err)) {
		resolveErr := e.resolveConflict(ctx, entry)
		if resolveErr == nil {
			return outcomeConflict
		}
		err = resolveErr
	}
	return e.recordFailure(ctx, entry, err)
}

// execute applies entry remotely and returns the stored row, nil for deletes.
func (e *SyncEngine) execute(ctx context.Context, entry domain.Mutation) (*domain.Task, error) {
	switch entry.Type {
	case domain.MutationCreate:
		if entry.Payload.Task == nil {
			return nil, domain.ErrInvalidPayload
		}
		task := entry.Payload.Task.Remote()
		task.ID = entry.TaskID
		// The local version tracks what the remote last confirmed.
		if local, err := e.tasks.Get(ctx, entry.TaskID); err == nil {
			task.Version = local.Version
		}
		return e.remote.Upsert(ctx, task)

	case domain.MutationUpdate:
		if entry.Payload.Patch == nil {
			return nil, domain.ErrInvalidPayload
		}
		local, err := e.tasks.Get(ctx, entry.TaskID)
		if err != nil {
			if domain.IsNotFound(err) {
				// Deleted locally since; the queued delete supersedes this edit.
				return nil, nil
			}
			return nil, err
		}
		if !local.Confirmed {
			// The remote never acknowledged this record, e.g. its create was abandoned.
			e.logger.Info("sending full task for unconfirmed record", zap.String("task_id", entry.TaskID))
			return e.remote.Upsert(ctx, local.Remote())
		}
		return e.remote.Patch(ctx, entry.TaskID, domain.Update{
			Fields:      *entry.Payload.Patch,
			UpdatedAt:   entry.Payload.EditedAt(),
			BaseVersion: local.Version,
		})

	case domain.MutationDelete:
		return nil, e.remote.Delete(ctx, entry.TaskID)

	default:
		return nil, domain.WrapError(domain.ErrCodeInvalid, "unsupported mutation type", fmt.Errorf("%q", entry.Type))
	}
}

// complete removes a confirmed entry and adopts the remote version. The task only turns
// synced once nothing else is queued for it.
func (e *SyncEngine) complete(ctx context.Context, entry domain.Mutation, stored *domain.Task) error {
	if err := e.queue.Remove(ctx, entry.ID); err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	remaining, err := e.queue.ListByTask(ctx, entry.TaskID)
	if err != nil {
		return err
	}
	_, err = e.tasks.Update(ctx, entry.TaskID, func(t *domain.Task) {
		t.Version = stored.Version
		t.Confirmed = true
		if len(remaining) == 0 {
			t.MarkSynced()
		}
	})
	if domain.IsNotFound(err) {
		return nil
	}
	return err
}

// recordFailure stamps a retry unless the previous one is still inside its backoff window,
// and abandons the entry once the retry ceiling is reached.
func (e *SyncEngine) recordFailure(ctx context.Context, entry domain.Mutation, cause error) outcome {
	now := e.now()
	backoff := e.backoff(entry.RetryCount)
	if !entry.LastAttempt.IsZero() && now.Sub(entry.LastAttempt) <= backoff {
		e.logger.Debug("mutation failed inside backoff window",
			zap.String("mutation_id", entry.ID),
			zap.Duration("backoff", backoff),
			zap.Error(cause))
		return outcomeBackoff
	}

	retryCount := entry.RetryCount + 1
	if retryCount >= e.cfg.MaxRetries {
		e.abandon(ctx, entry, cause.Error())
		return outcomeAbandoned
	}

	if err := e.queue.UpdateRetry(ctx, entry.ID, retryCount, now, cause.Error()); err != nil {
		e.logger.Error("failed to record mutation retry", zap.String("mutation_id", entry.ID), zap.Error(err))
	}
	e.logger.Warn("mutation failed, will retry",
		zap.String("mutation_id", entry.ID),
		zap.String("task_id", entry.TaskID),
		zap.String("type", string(entry.Type)),
		zap.Int("retry_count", retryCount),
		zap.Error(cause))
	return outcomeRetried
}

func (e *SyncEngine) backoff(retryCount int) time.Duration {
	if retryCount > 30 {
		retryCount = 30
	}
	return e.cfg.InitialBackoff * time.Duration(1<<retryCount)
}

// abandon marks the task failed and drops every queued entry for it. A deleted task has
// no local record left, so it is not brought back.
func (e *SyncEngine) abandon(ctx context.Context, entry domain.Mutation, reason string) {
	if reason == "" {
		reason = "max retries reached"
	}
	_, err := e.tasks.Update(ctx, entry.TaskID, func(t *domain.Task) {
		t.MarkFailed(reason)
	})
	if err != nil && !domain.IsNotFound(err) {
		e.logger.Error("failed to mark task failed", zap.String("task_id", entry.TaskID), zap.Error(err))
	}
	if err := e.dropQueued(ctx, entry.TaskID, nil); err != nil {
		e.logger.Error("failed to drop abandoned mutations", zap.String("task_id", entry.TaskID), zap.Error(err))
	}
	e.logger.Warn("abandoning mutation (max retries reached)",
		zap.String("mutation_id", entry.ID),
		zap.String("task_id", entry.TaskID),
		zap.String("type", string(entry.Type)),
		zap.String("error", reason))
}

// resolveConflict settles a rejected write by last-write-wins on updated_at.
func (e *SyncEngine) resolveConflict(ctx context.Context, entry domain.Mutation) error {
	remote, err := e.remote.FetchOne(ctx, entry.TaskID)
	if err != nil {
		if !domain.IsNotFound(err) {
			return err
		}
		if err := e.dropQueued(ctx, entry.TaskID, nil); err != nil {
			return err
		}
		e.logger.Info("conflict resolved: task deleted remotely", zap.String("task_id", entry.TaskID))
		return e.tasks.Delete(ctx, entry.TaskID)
	}

	local, err := e.tasks.Get(ctx, entry.TaskID)
	if err != nil {
		if domain.IsNotFound(err) {
			return e.queue.Remove(ctx, entry.ID)
		}
		return err
	}

	if remote.UpdatedAt.After(local.UpdatedAt) {
		if err := e.adoptRemote(ctx, *remote, true); err != nil {
			return err
		}
		// Entries queued after the remote edit may still be pending; this one is not.
		if err := e.queue.Remove(ctx, entry.ID); err != nil {
			return err
		}
		e.logger.Info("conflict resolved: remote wins",
			zap.String("task_id", entry.TaskID),
			zap.Time("local_updated_at", local.UpdatedAt),
			zap.Time("remote_updated_at", remote.UpdatedAt))
		return nil
	}

	forced := local.Remote()
	forced.Version = remote.Version
	stored, err := e.remote.Upsert(ctx, forced)
	if err != nil {
		return err
	}
	e.logger.Info("conflict resolved: local wins",
		zap.String("task_id", entry.TaskID),
		zap.Time("local_updated_at", local.UpdatedAt),
		zap.Time("remote_updated_at", remote.UpdatedAt),
		zap.Int("version", stored.Version))
	return e.complete(ctx, entry, stored)
}

// adoptRemote overwrites the local copy with remote and drops the queued edits it
// supersedes. With exists set, the copy is replaced only if it is still older than remote
// when the write commits, and a copy deleted in the meantime stays deleted.
func (e *SyncEngine) adoptRemote(ctx context.Context, remote domain.Task, exists bool) error {
	err := e.dropQueued(ctx, remote.ID, func(m domain.Mutation) bool {
		return !m.Payload.EditedAt().After(remote.UpdatedAt)
	})
	if err != nil {
		return err
	}
	remaining, err := e.queue.ListByTask(ctx, remote.ID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		remote.MarkSynced()
	} else {
		remote.MarkPending()
		remote.Confirmed = true
	}

	if !exists {
		return e.tasks.Put(ctx, &remote)
	}
	_, err = e.tasks.Update(ctx, remote.ID, func(t *domain.Task) {
		if remote.UpdatedAt.After(t.UpdatedAt) {
			*t = remote
		}
	})
	if domain.IsNotFound(err) {
		return nil
	}
	return err
}

// dropQueued removes the queued entries for taskID accepted by match; nil matches all.
func (e *SyncEngine) dropQueued(ctx context.Context, taskID string, match func(domain.Mutation) bool) error {
	entries, err := e.queue.ListByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, m := range entries {
		if match != nil && !match(m) {
			continue
		}
		if err := e.queue.Remove(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// ApplyRemoteChange folds a change made by any client into the local store. Newer remote
// copies replace older local ones; local records with queued work are never removed.
func (e *SyncEngine) ApplyRemoteChange(ctx context.Context, event domain.ChangeEvent) error {
	id := event.Task.ID
	if id == "" {
		return domain.ErrInvalidPayload
	}
	queued, err := e.queue.ListByTask(ctx, id)
	if err != nil {
		return err
	}

	switch event.Type {
	case domain.ChangeDelete:
		if len(queued) > 0 {
			return nil
		}
		return e.tasks.Delete(ctx, id)

	case domain.ChangeCreate, domain.ChangeUpdate:
		local, err := e.tasks.Get(ctx, id)
		switch {
		case domain.IsNotFound(err):
			for _, m := range queued {
				if m.Type == domain.MutationDelete {
					return nil
				}
			}
		case err != nil:
			return err
		case !event.Task.UpdatedAt.After(local.UpdatedAt):
			return nil
		}
		return e.adoptRemote(ctx, event.Task.Remote(), err == nil)

	default:
		return domain.WrapError(domain.ErrCodeInvalid, "unsupported change type", fmt.Errorf("%q", event.Type))
	}
}

// Bootstrap pulls the full remote state into the local store and prunes synced local
// records the remote no longer has.
func (e *SyncEngine) Bootstrap(ctx context.Context) error {
	remoteTasks, err := e.remote.FetchAll(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(remoteTasks))
	for _, task := range remoteTasks {
		seen[task.ID] = struct{}{}
		if err := e.ApplyRemoteChange(ctx, domain.ChangeEvent{Type: domain.ChangeUpdate, Task: task}); err != nil {
			return err
		}
	}

	locals, err := e.tasks.ListByRecency(ctx)
	if err != nil {
		return err
	}
	pruned := 0
	for _, local := range locals {
		if _, ok := seen[local.ID]; ok || local.SyncState != domain.SyncSynced {
			continue
		}
		queued, err := e.queue.ListByTask(ctx, local.ID)
		if err != nil {
			return err
		}
		if len(queued) > 0 {
			continue
		}
		if err := e.tasks.Delete(ctx, local.ID); err != nil {
			return err
		}
		pruned++
	}

	e.logger.Info("bootstrapped from remote", zap.Int("remote_tasks", len(remoteTasks)), zap.Int("pruned", pruned))
	return nil
}

// QueueSize returns the number of mutations awaiting the remote.
func (e *SyncEngine) QueueSize(ctx context.Context) (int, error) {
	return e.queue.Size(ctx)
}

func (e *SyncEngine) online() bool {
	return e.monitor == nil || e.monitor.IsOnline()
}

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/repository"
)

type taskRepository struct {
	pool *pgxpool.Pool
}

// NewTaskRepository returns the Postgres-backed authoritative task table.
//
// Every accepted write bumps version by one; writes based on a stale version match no row
// and surface as domain.ErrVersionConflict.
func NewTaskRepository(pool *pgxpool.Pool) repository.RemoteTaskRepository {
	return &taskRepository{pool: pool}
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

func (r *taskRepository) List(ctx context.Context) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (r *taskRepository) Upsert(ctx context.Context, task domain.Task) (*domain.Task, bool, error) {
	if task.ID == "" {
		return nil, false, domain.ErrInvalidPayload
	}

	const query = `
	INSERT INTO tasks (id, title, deadline, importance, status, version, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, GREATEST($6, 1), $7, $8)
	ON CONFLICT (id) DO UPDATE
	SET title = EXCLUDED.title,
		deadline = EXCLUDED.deadline,
		importance = EXCLUDED.importance,
		status = EXCLUDED.status,
		updated_at = EXCLUDED.updated_at,
		version = tasks.version + 1
	WHERE tasks.version = $6
	RETURNING id, title, deadline, importance, status, version, created_at, updated_at, (xmax = 0) AS inserted
	`

	updatedAt := nonZeroTime(task.UpdatedAt)
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	var (
		stored   domain.Task
		deadline time.Time
		status   string
		inserted bool
	)
	err := r.pool.QueryRow(ctx, query,
		task.ID,
		task.Title,
		nullableDate(&task.Deadline),
		task.Importance,
		string(task.Status),
		task.Version,
		createdAt,
		updatedAt,
	).Scan(
		&stored.ID,
		&stored.Title,
		&deadline,
		&stored.Importance,
		&status,
		&stored.Version,
		&stored.CreatedAt,
		&stored.UpdatedAt,
		&inserted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, domain.ErrVersionConflict
		}
		return nil, false, err
	}
	stored.Deadline = domain.NewDate(deadline)
	stored.Status = domain.Status(status)
	return &stored, inserted, nil
}

func (r *taskRepository) Patch(ctx context.Context, id string, update domain.Update) (*domain.Task, error) {
	const query = `
	UPDATE tasks
	SET title = COALESCE($2, title),
		deadline = COALESCE($3, deadline),
		importance = COALESCE($4, importance),
		status = COALESCE($5, status),
		updated_at = $6,
		version = version + 1
	WHERE id = $1 AND version = $7
	RETURNING ` + taskColumns

	task, err := scanTask(r.pool.QueryRow(ctx, query,
		id,
		nullableString(update.Fields.Title),
		nullableDate(update.Fields.Deadline),
		nullableInt(update.Fields.Importance),
		nullableStatus(update.Fields.Status),
		nonZeroTime(update.UpdatedAt),
		update.BaseVersion,
	))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, domain.ErrTaskNotFound) {
		return nil, err
	}

	// No row matched: either the task is gone or the base version is stale.
	var version int
	if err := r.pool.QueryRow(ctx, `SELECT version FROM tasks WHERE id = $1`, id).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, err
	}
	return nil, domain.ErrVersionConflict
}

func (r *taskRepository) Delete(ctx context.Context, id string) (bool, error) {
	const query = `DELETE FROM tasks WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Task, error) {
	var (
		task     domain.Task
		deadline time.Time
		status   string
	)

	if err := row.Scan(
		&task.ID,
		&task.Title,
		&deadline,
		&task.Importance,
		&status,
		&task.Version,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, err
	}

	task.Deadline = domain.NewDate(deadline)
	task.Status = domain.Status(status)
	return &task, nil
}

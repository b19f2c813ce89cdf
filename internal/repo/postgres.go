package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/carrot/internal/domain"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS carrot_tasks (
		id           UUID PRIMARY KEY,
		callable     TEXT NOT NULL,
		args         JSONB NOT NULL DEFAULT '[]',
		kwargs       JSONB NOT NULL DEFAULT '{}',
		queue        TEXT NOT NULL,
		status       TEXT NOT NULL,
		exit_code    INTEGER,
		message      TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ,
		started_at   TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);
	ALTER TABLE carrot_tasks ADD COLUMN IF NOT EXISTS published_at TIMESTAMPTZ;
	CREATE INDEX IF NOT EXISTS carrot_tasks_status_created_at_idx
		ON carrot_tasks (status, created_at);
`

const postgresColumns = `
	id, callable, args, kwargs, queue, status, exit_code, message,
	created_at, published_at, started_at, completed_at
`

// PostgresStore — Store на PostgreSQL (pgx).
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore создаёт новый PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate создаёт таблицу carrot_tasks.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Create создаёт новый task.
func (s *PostgresStore) Create(ctx context.Context, task *domain.Task) error {
	args, kwargs, err := marshalArgs(task)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO carrot_tasks (id, callable, args, kwargs, queue, status, exit_code, message, created_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.pool.Exec(ctx, query,
		task.ID,
		task.Callable,
		args,
		kwargs,
		task.Queue,
		task.Status,
		task.ExitCode,
		task.Message,
		task.CreatedAt,
		task.PublishedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("task %s: %w", task.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID возвращает task по ID.
func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + postgresColumns + ` FROM carrot_tasks WHERE id = $1`

	task, err := scanPostgresTask(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// UpdateStatus обновляет статус, если текущий статус равен from.
func (s *PostgresStore) UpdateStatus(ctx context.Context, task *domain.Task, from domain.TaskStatus) error {
	query := `
		UPDATE carrot_tasks
		SET status = $2, exit_code = $3, message = $4, started_at = $5, completed_at = $6
		WHERE id = $1 AND status = $7
	`
	result, err := s.pool.Exec(ctx, query,
		task.ID,
		task.Status,
		task.ExitCode,
		task.Message,
		task.StartedAt,
		task.CompletedAt,
		from,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var current domain.TaskStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM carrot_tasks WHERE id = $1`, task.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s, expected %s", ErrInvalidState, task.ID, current, from)
}

// MarkPublished отмечает повторную публикацию PENDING task.
func (s *PostgresStore) MarkPublished(ctx context.Context, id uuid.UUID, notAfter, at time.Time) error {
	query := `
		UPDATE carrot_tasks
		SET published_at = $2
		WHERE id = $1 AND status = $3 AND COALESCE(published_at, created_at) <= $4
	`
	result, err := s.pool.Exec(ctx, query, id, at, domain.TaskStatusPending, notAfter)
	if err != nil {
		return fmt.Errorf("mark task published: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var current domain.TaskStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM carrot_tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s, published after %s", ErrInvalidState, id, current, notAfter.Format(time.RFC3339))
}

// ListPending возвращает PENDING tasks, не публиковавшиеся позже olderThan.
func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Task, error) {
	query := `SELECT ` + postgresColumns + `
		FROM carrot_tasks
		WHERE status = $1 AND COALESCE(published_at, created_at) <= $2
		ORDER BY COALESCE(published_at, created_at) ASC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, domain.TaskStatusPending, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanPostgresTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Close закрывает пул.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Helpers ---

func scanPostgresTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var args, kwargs []byte

	err := row.Scan(
		&task.ID,
		&task.Callable,
		&args,
		&kwargs,
		&task.Queue,
		&task.Status,
		&task.ExitCode,
		&task.Message,
		&task.CreatedAt,
		&task.PublishedAt,
		&task.StartedAt,
		&task.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if err := unmarshalArgs(&task, args, kwargs); err != nil {
		return nil, err
	}
	return &task, nil
}

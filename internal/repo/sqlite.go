package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/shaiso/carrot/internal/domain"
)

// sqliteTime — формат времени фиксированной ширины: строки сравниваются
// в том же порядке, что и моменты времени.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS carrot_tasks (
		id           TEXT PRIMARY KEY,
		callable     TEXT NOT NULL,
		args         TEXT NOT NULL DEFAULT '[]',
		kwargs       TEXT NOT NULL DEFAULT '{}',
		queue        TEXT NOT NULL,
		status       TEXT NOT NULL,
		exit_code    INTEGER,
		message      TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		published_at TEXT,
		started_at   TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS carrot_tasks_status_created_at_idx
		ON carrot_tasks (status, created_at);
`

const sqliteColumns = `
	id, callable, args, kwargs, queue, status, exit_code, message,
	created_at, published_at, started_at, completed_at
`

// SQLiteStore — Store на SQLite (modernc.org/sqlite, без cgo).
//
// Для локального запуска и тестов. Файл БД может использоваться
// несколькими процессами worker'ов.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite открывает SQLite по пути к файлу (":memory:" — в памяти).
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// База в памяти существует в пределах одного соединения
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return NewSQLiteStore(db), nil
}

// NewSQLiteStore создаёт SQLiteStore поверх открытого *sql.DB.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate создаёт таблицу carrot_tasks.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Таблицы, созданные до появления published_at
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('carrot_tasks') WHERE name = 'published_at'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE carrot_tasks ADD COLUMN published_at TEXT`); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Create создаёт новый task.
func (s *SQLiteStore) Create(ctx context.Context, task *domain.Task) error {
	args, kwargs, err := marshalArgs(task)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO carrot_tasks (id, callable, args, kwargs, queue, status, exit_code, message, created_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID.String(),
		task.Callable,
		string(args),
		string(kwargs),
		task.Queue,
		string(task.Status),
		nullInt(task.ExitCode),
		task.Message,
		formatTime(task.CreatedAt),
		nullTime(task.PublishedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("task %s: %w", task.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID возвращает task по ID.
func (s *SQLiteStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM carrot_tasks WHERE id = ?`, id.String())

	task, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// UpdateStatus обновляет статус, если текущий статус равен from.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, task *domain.Task, from domain.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carrot_tasks
		SET status = ?, exit_code = ?, message = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(task.Status),
		nullInt(task.ExitCode),
		task.Message,
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		task.ID.String(),
		string(from),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM carrot_tasks WHERE id = ?`, task.ID.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s, expected %s", ErrInvalidState, task.ID, current, from)
}

// MarkPublished отмечает повторную публикацию PENDING task.
func (s *SQLiteStore) MarkPublished(ctx context.Context, id uuid.UUID, notAfter, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE carrot_tasks
		SET published_at = ?
		WHERE id = ? AND status = ? AND COALESCE(published_at, created_at) <= ?`,
		formatTime(at),
		id.String(),
		string(domain.TaskStatusPending),
		formatTime(notAfter),
	)
	if err != nil {
		return fmt.Errorf("mark task published: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark task published: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM carrot_tasks WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s, published after %s", ErrInvalidState, id, current, notAfter.Format(time.RFC3339))
}

// ListPending возвращает PENDING tasks, не публиковавшиеся позже olderThan.
func (s *SQLiteStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM carrot_tasks
		WHERE status = ? AND COALESCE(published_at, created_at) <= ?
		ORDER BY COALESCE(published_at, created_at) ASC
		LIMIT ?`,
		string(domain.TaskStatusPending),
		formatTime(olderThan),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Close закрывает БД.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Helpers ---

func scanSQLiteTask(row scanner) (*domain.Task, error) {
	var (
		task                   domain.Task
		id, status             string
		args, kwargs           string
		exitCode               sql.NullInt64
		createdAt              string
		publishedAt            sql.NullString
		startedAt, completedAt sql.NullString
	)

	err := row.Scan(
		&id,
		&task.Callable,
		&args,
		&kwargs,
		&task.Queue,
		&status,
		&exitCode,
		&task.Message,
		&createdAt,
		&publishedAt,
		&startedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if task.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}
	task.Status = domain.TaskStatus(status)

	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}

	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return nil, err
	}
	if task.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}

	if err := unmarshalArgs(&task, []byte(args), []byte(kwargs)); err != nil {
		return nil, err
	}
	return &task, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

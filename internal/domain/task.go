package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition — переход статуса запрещён жизненным циклом.
var ErrInvalidTransition = errors.New("invalid status transition")

// Exit codes, которые worker записывает в task.
const (
	ExitCodeSuccess = 0
	ExitCodeFailure = 1
)

// Task — отложенный вызов (work item).
//
// Task создаётся клиентом (dispatch.Client.Enqueue) в статусе PENDING,
// его ID публикуется в RabbitMQ, а Worker выполняет его и записывает результат.
type Task struct {
	// ID — уникальный идентификатор task. В очередь уходит его текстовая форма.
	ID uuid.UUID `json:"id"`

	// Callable — идентификатор функции в tasks.Registry, например "carrot.echo".
	Callable string `json:"callable"`

	// Args — позиционные аргументы.
	Args []any `json:"args,omitempty"`

	// Kwargs — именованные аргументы.
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// Queue — логическое имя очереди (config.Queue.ID).
	Queue string `json:"queue"`

	// Status — текущий статус.
	Status TaskStatus `json:"status"`

	// ExitCode — код завершения, заполняется при выходе из RUNNING.
	ExitCode *int `json:"exit_code,omitempty"`

	// Message — текст ошибки или результат, заполняется при выходе из RUNNING.
	Message string `json:"message,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// PublishedAt — время последней повторной публикации (requeue).
	PublishedAt *time.Time `json:"published_at,omitempty"`

	// StartedAt — время начала выполнения.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt — время завершения.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask создаёт task в статусе PENDING.
func NewTask(callable, queue string, args []any, kwargs map[string]any) *Task {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	return &Task{
		ID:        uuid.New(),
		Callable:  callable,
		Args:      args,
		Kwargs:    kwargs,
		Queue:     queue,
		Status:    TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Duration возвращает продолжительность выполнения.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// IsFinished возвращает true, если task завершён.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// MarkRunning переводит task из PENDING в RUNNING.
func (t *Task) MarkRunning(now time.Time) error {
	if t.Status != TaskStatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, TaskStatusRunning)
	}

	started := notBefore(now, t.CreatedAt)
	t.Status = TaskStatusRunning
	t.StartedAt = &started
	return nil
}

// MarkCompleted переводит task из RUNNING в COMPLETED.
func (t *Task) MarkCompleted(now time.Time, message string) error {
	return t.finish(now, TaskStatusCompleted, ExitCodeSuccess, message)
}

// MarkFailed переводит task из RUNNING в FAILED.
func (t *Task) MarkFailed(now time.Time, exitCode int, message string) error {
	if exitCode == ExitCodeSuccess {
		exitCode = ExitCodeFailure
	}
	return t.finish(now, TaskStatusFailed, exitCode, message)
}

func (t *Task) finish(now time.Time, status TaskStatus, exitCode int, message string) error {
	if t.Status != TaskStatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	completed := now
	if t.StartedAt != nil {
		completed = notBefore(now, *t.StartedAt)
	}

	t.Status = status
	t.ExitCode = &exitCode
	t.Message = sanitizeMessage(message)
	t.CompletedAt = &completed
	return nil
}

// sanitizeMessage приводит текст к валидному UTF-8 без NUL
// (TEXT в PostgreSQL не принимает ни то, ни другое).
func sanitizeMessage(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// notBefore не даёт временным меткам идти назад (часы разных хостов).
func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/carrot/internal/config"
	"github.com/shaiso/carrot/internal/domain"
	"github.com/shaiso/carrot/internal/repo"
	"github.com/shaiso/carrot/internal/tasks"
)

// DeliveryFailedMessage записывается в task, если ID не удалось опубликовать.
const DeliveryFailedMessage = "could not deliver message"

// Publisher публикует ID task в очередь. Реализуется *mq.Publisher.
type Publisher interface {
	PublishID(ctx context.Context, q config.Queue, id uuid.UUID) error
}

// Client ставит tasks в очередь: запись в Store, затем публикация ID.
//
// Запись и публикация не атомарны. Если публикация не удалась, task
// помечается FAILED; если процесс упал между ними, task остаётся PENDING
// и его подберёт scheduler.Sweeper.
type Client struct {
	store     repo.Store
	publisher Publisher
	routing   *config.Routing
	registry  *tasks.Registry
	logger    *slog.Logger
}

// Config — зависимости Client.
type Config struct {
	Store     repo.Store
	Publisher Publisher
	Routing   *config.Routing

	// Registry — если задан, имя callable проверяется при постановке.
	Registry *tasks.Registry

	Logger *slog.Logger
}

// New создаёт Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		routing:   cfg.Routing,
		registry:  cfg.Registry,
		logger:    logger,
	}
}

// Request — запрос на выполнение callable.
type Request struct {
	Callable string
	Args     []any
	Kwargs   map[string]any

	// Queue — ID очереди. Пустой — config.DefaultQueueID.
	Queue string
}

// Enqueue создаёт PENDING task и публикует его ID.
func (c *Client) Enqueue(ctx context.Context, req Request) (*domain.Task, error) {
	callable := strings.TrimSpace(req.Callable)
	if callable == "" {
		return nil, fmt.Errorf("%w: callable is required", ErrInvalidRequest)
	}

	queueID := req.Queue
	if queueID == "" {
		queueID = config.DefaultQueueID
	}

	queue, err := c.routing.Lookup(queueID)
	if err != nil {
		return nil, err
	}

	if c.registry != nil && !c.registry.Has(callable) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrUnknownCallable, callable)
	}

	task := domain.NewTask(callable, queue.ID, req.Args, req.Kwargs)
	if err := c.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if err := c.publisher.PublishID(ctx, queue, task.ID); err != nil {
		c.logger.Error("failed to publish task, marking as failed",
			"task_id", task.ID,
			"queue", queue.ID,
			"error", err,
		)
		if markErr := c.markUndelivered(ctx, task); markErr != nil {
			return task, errors.Join(err, markErr)
		}
		return task, err
	}

	c.logger.Info("task enqueued",
		"task_id", task.ID,
		"callable", task.Callable,
		"queue", queue.ID,
	)
	return task, nil
}

// markUndelivered переводит task PENDING → RUNNING → FAILED.
func (c *Client) markUndelivered(ctx context.Context, task *domain.Task) error {
	now := time.Now()

	if err := task.MarkRunning(now); err != nil {
		return err
	}
	if err := task.MarkFailed(now, domain.ExitCodeFailure, DeliveryFailedMessage); err != nil {
		return err
	}
	if err := c.store.UpdateStatus(ctx, task, domain.TaskStatusPending); err != nil {
		return fmt.Errorf("mark task %s failed: %w", task.ID, err)
	}
	return nil
}

// Requeue повторно публикует ID task, если он всё ещё PENDING.
func (c *Client) Requeue(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := c.requeue(ctx, task, now, now); err != nil {
		return task, err
	}
	return task, nil
}

// RequeueStale повторно публикует task, не публиковавшийся позже cutoff.
// Если task уже опубликован заново (другим sweeper'ом или командой
// requeue) или вышел из PENDING, возвращает false без ошибки.
func (c *Client) RequeueStale(ctx context.Context, task *domain.Task, cutoff time.Time) (bool, error) {
	ok, err := c.requeue(ctx, task, cutoff, time.Now())
	if errors.Is(err, ErrNotPending) {
		return false, nil
	}
	return ok, err
}

// requeue отмечает published_at и публикует ID. Отметка идёт первой:
// из двух конкурентных вызовов публикует только один.
func (c *Client) requeue(ctx context.Context, task *domain.Task, notAfter, now time.Time) (bool, error) {
	if task.Status != domain.TaskStatusPending {
		return false, fmt.Errorf("%w: task %s is %s", ErrNotPending, task.ID, task.Status)
	}

	queue, err := c.routing.Lookup(task.Queue)
	if err != nil {
		return false, err
	}

	err = c.store.MarkPublished(ctx, task.ID, notAfter, now)
	if errors.Is(err, repo.ErrInvalidState) {
		return false, fmt.Errorf("%w: %w", ErrNotPending, err)
	}
	if err != nil {
		return false, err
	}
	task.PublishedAt = &now

	if err := c.publisher.PublishID(ctx, queue, task.ID); err != nil {
		return false, fmt.Errorf("requeue task %s: %w", task.ID, err)
	}

	c.logger.Info("task requeued", "task_id", task.ID, "queue", queue.ID)
	return true, nil
}

// Get возвращает task по ID.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return c.store.GetByID(ctx, id)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/carrot/internal/domain"
	"github.com/shaiso/carrot/internal/repo"
	"github.com/shaiso/carrot/internal/tasks"
	"github.com/shaiso/carrot/internal/telemetry"
)

// OnMessage обрабатывает сообщение из очереди: тело — ID task.
//
// Битое сообщение, отсутствующий task и повторная доставка логируются
// и отбрасываются (nil). Ошибки callable'а записываются в task.
// Наружу возвращаются только ошибки записи в Store.
func (w *Worker) OnMessage(ctx context.Context, body string) error {
	err := w.process(ctx, body)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrTaskNotFound):
		w.logger.Error("discarding message", "body", body, "error", err)
		return nil

	case errors.Is(err, ErrStaleDelivery):
		w.logger.Log(ctx, w.staleLevel, "discarding stale delivery", "body", body, "reason", err)
		return nil

	default:
		return err
	}
}

// process загружает task, проверяет статус и выполняет его.
func (w *Worker) process(ctx context.Context, body string) error {
	taskID, err := uuid.Parse(strings.TrimSpace(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	store, err := w.currentStore()
	if err != nil {
		return err
	}

	task, err := store.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("get task: %w", err)
	}

	if task.Status != domain.TaskStatusPending {
		return fmt.Errorf("%w: task %s is %s", ErrStaleDelivery, task.ID, task.Status)
	}

	return w.execute(ctx, store, task)
}

// execute переводит task в RUNNING, вызывает callable и записывает результат.
func (w *Worker) execute(ctx context.Context, store repo.Store, task *domain.Task) error {
	logger := telemetry.WithTaskID(w.logger, task.ID.String())

	if err := task.MarkRunning(time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrStaleDelivery, err)
	}

	// Условное обновление: если task уже забрал другой worker, 0 строк
	if err := store.UpdateStatus(ctx, task, domain.TaskStatusPending); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return fmt.Errorf("%w: %v", ErrStaleDelivery, err)
		}
		return fmt.Errorf("update task to running: %w", err)
	}

	logger.Info("task started", "callable", task.Callable)

	start := time.Now()
	output, runErr := w.invoke(ctx, task)
	duration := time.Since(start)

	now := time.Now()
	if runErr == nil {
		if err := task.MarkCompleted(now, output); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		logger.Info("task completed", "duration", duration)
	} else {
		if err := task.MarkFailed(now, tasks.ExitCode(runErr), runErr.Error()); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		logger.Warn("task failed",
			"exit_code", *task.ExitCode,
			"duration", duration,
			"error", runErr,
		)
	}

	w.observe(string(task.Status), duration)

	if err := store.UpdateStatus(ctx, task, domain.TaskStatusRunning); err != nil {
		return fmt.Errorf("update task to %s: %w", task.Status, err)
	}
	return nil
}

// invoke находит callable и вызывает его с перехватом паники.
func (w *Worker) invoke(ctx context.Context, task *domain.Task) (output string, err error) {
	fn, err := w.registry.Lookup(task.Callable)
	if err != nil {
		return "", fmt.Errorf("could not resolve callable %q: %w", task.Callable, err)
	}

	if w.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.taskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("callable panicked",
				"task_id", task.ID,
				"callable", task.Callable,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			output, err = "", fmt.Errorf("callable %s panicked: %v", task.Callable, r)
		}
	}()

	logger := telemetry.WithTaskID(w.logger, task.ID.String())
	ctx = telemetry.WithLogger(ctx, logger)

	return fn(ctx, tasks.Call{
		TaskID: task.ID,
		Args:   task.Args,
		Kwargs: task.Kwargs,
		Logger: logger,
	})
}

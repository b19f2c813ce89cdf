package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/carrot/internal/domain"
	"github.com/shaiso/carrot/internal/repo"
)

// DefaultSchedule — расписание тиков, если не задано.
const DefaultSchedule = "@every 1m"

// cronParser — парсер расписаний: 5 полей и дескрипторы (@every, @hourly).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Requeuer повторно публикует task. Реализуется *dispatch.Client.
//
// RequeueStale публикует task, только если тот не публиковался позже
// cutoff, и возвращает false, если публикацию уже сделал кто-то другой.
type Requeuer interface {
	RequeueStale(ctx context.Context, task *domain.Task, cutoff time.Time) (bool, error)
}

// Sweeper находит tasks, застрявшие в PENDING дольше RequeueAfter,
// и публикует их ID повторно.
//
// Повторная публикация сдвигает published_at, так что следующий тик
// снова возьмёт task не раньше чем через RequeueAfter.
//
// Task остаётся PENDING, если сообщение потерялось (процесс клиента упал
// между записью и публикацией, очередь была удалена). Повторная доставка
// уже выполняемого task безопасна: Worker отбросит её по статусу.
type Sweeper struct {
	store    repo.Store
	requeuer Requeuer
	logger   *slog.Logger

	schedule  cron.Schedule
	spec      string
	after     time.Duration
	batchSize int

	// now подменяется в тестах.
	now func() time.Time
}

// Config — конфигурация Sweeper.
type Config struct {
	Store    repo.Store
	Requeuer Requeuer
	Logger   *slog.Logger

	Schedule     string        // cron-выражение (default: DefaultSchedule)
	RequeueAfter time.Duration // возраст PENDING task (default: 5m)
	BatchSize    int           // tasks за один тик (default: 100)
}

// New создаёт Sweeper. Возвращает ошибку для невалидного расписания.
func New(cfg Config) (*Sweeper, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	after := cfg.RequeueAfter
	if after <= 0 {
		after = 5 * time.Minute
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		store:     cfg.Store,
		requeuer:  cfg.Requeuer,
		logger:    logger.With("component", "sweeper"),
		schedule:  schedule,
		spec:      spec,
		after:     after,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}

// ParseSchedule проверяет и парсит расписание.
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// Next возвращает время следующего тика после from.
func (s *Sweeper) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Tick выполняет один проход: выбирает застрявшие tasks и публикует их.
//
// Ошибки одного task не блокируют обработку остальных.
// Возвращает число повторно опубликованных tasks.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.after)

	pending, err := s.store.ListPending(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}

	if len(pending) == 0 {
		return 0, nil
	}

	s.logger.Debug("found stale pending tasks", "count", len(pending))

	var requeued int
	for i := range pending {
		task := &pending[i]

		ok, err := s.requeuer.RequeueStale(ctx, task, cutoff)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return requeued, err
			}
			s.logger.Error("failed to requeue task",
				"task_id", task.ID,
				"queue", task.Queue,
				"error", err,
			)
			continue
		}
		if ok {
			requeued++
		}
	}

	s.logger.Info("sweeper tick completed",
		"stale", len(pending),
		"requeued", requeued,
	)
	return requeued, nil
}

// Start запускает Tick по расписанию и блокируется до отмены ctx.
//
// Тик, начавшийся до отмены, дорабатывает до конца.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(s.spec, func() { s.runTick(ctx) }); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	s.logger.Info("sweeper started",
		"schedule", s.spec,
		"requeue_after", s.after,
		"next", s.Next(s.now()),
	)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweeper tick failed", "error", err)
	}
}

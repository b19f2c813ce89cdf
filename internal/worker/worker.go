package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/carrot/internal/config"
	"github.com/shaiso/carrot/internal/mq"
	"github.com/shaiso/carrot/internal/repo"
	"github.com/shaiso/carrot/internal/tasks"
	"github.com/shaiso/carrot/internal/telemetry"
)

// Worker выполняет tasks из одной очереди.
//
// Worker — единица конкурентности: один Consumer, одно соединение
// с RabbitMQ и свой Store. Очередь с concurrency N обслуживают
// N независимых Worker'ов (обычно в разных процессах).
type Worker struct {
	queue    config.Queue
	conn     *mq.Connection
	consumer *mq.Consumer
	registry *tasks.Registry

	openStore     repo.Opener
	setupTopology bool
	durability    mq.Durability
	reconnectWait time.Duration
	taskTimeout   time.Duration
	staleLevel    slog.Level

	mu    sync.RWMutex
	store repo.Store

	logger *slog.Logger
}

// Config — конфигурация Worker.
type Config struct {
	// Routing — таблица маршрутизации (обязательно).
	Routing *config.Routing

	// Connection — параметры RabbitMQ. Exchange, Queue и RoutingKey
	// переопределяются из Routing.
	Connection mq.ConnectionParams

	// OpenStore открывает Store при старте Run (обязательно).
	OpenStore repo.Opener

	// Registry — реестр callable'ов (если nil — tasks.Default()).
	Registry *tasks.Registry

	// SetupTopology — объявить exchange и очередь перед потреблением.
	SetupTopology bool
	Durability    mq.Durability

	Prefetch      int           // default: 1
	ReconnectWait time.Duration // default: 5s
	TaskTimeout   time.Duration // 0 — без дедлайна

	// StaleDeliveryLevel — уровень лога для повторной доставки (default: INFO).
	StaleDeliveryLevel slog.Level

	Logger *slog.Logger
}

// New создаёт Worker для очереди queueID.
//
// Возвращает config.ErrUnknownQueue, если очереди нет в Routing.
func New(queueID string, cfg Config) (*Worker, error) {
	if cfg.Routing == nil {
		return nil, fmt.Errorf("%w: routing is required", config.ErrInvalid)
	}
	if cfg.OpenStore == nil {
		return nil, fmt.Errorf("%w: store opener is required", config.ErrInvalid)
	}

	queue, err := cfg.Routing.Lookup(queueID)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker_queue", queue.ID)

	registry := cfg.Registry
	if registry == nil {
		registry = tasks.Default()
	}

	params := cfg.Connection
	params.Exchange = cfg.Routing.Exchange()
	params.Queue = queue.Name
	params.RoutingKey = queue.RoutingKey()

	w := &Worker{
		queue:         queue,
		conn:          mq.NewConnection(params, logger),
		registry:      registry,
		openStore:     cfg.OpenStore,
		setupTopology: cfg.SetupTopology,
		durability:    cfg.Durability,
		reconnectWait: cfg.ReconnectWait,
		taskTimeout:   cfg.TaskTimeout,
		staleLevel:    cfg.StaleDeliveryLevel,
		logger:        logger,
	}

	w.consumer = mq.NewConsumer(w.conn, logger, mq.ConsumerConfig{
		Queue:    queue.Name,
		Handler:  w.OnMessage,
		Prefetch: cfg.Prefetch,
	})

	return w, nil
}

// Queue возвращает очередь воркера.
func (w *Worker) Queue() config.Queue {
	return w.queue
}

// Run открывает Store и потребляет сообщения до остановки.
//
// Store открывается заново в каждом Run: соединения с БД не
// наследуются от родительского процесса.
//
// Остановка (отмена ctx) до начала потребления — штатный выход, nil.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.open(ctx); err != nil {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped before consuming", "reason", err)
			return nil
		}
		return err
	}
	defer w.close()

	if w.setupTopology {
		err := w.conn.SetupQueueExchange(ctx, mq.QueueBinding{
			ExchangeType:    mq.DefaultExchangeType,
			DurableExchange: w.durability.Exchange,
			DurableQueue:    w.durability.Queues,
		})
		switch {
		case err == nil:
		case errors.Is(err, mq.ErrConnection):
			// Consumer сам переподключится
			w.logger.Warn("could not declare queue, broker unavailable", "error", err)
		case ctx.Err() != nil:
			w.logger.Info("worker stopped before consuming", "reason", err)
			return nil
		default:
			return fmt.Errorf("setup queue %s: %w", w.queue.Name, err)
		}
	}

	w.logger.Info("worker started",
		"queue", w.queue.Name,
		"callables", len(w.registry.Names()),
		"task_timeout", w.taskTimeout,
	)

	err := w.consumer.Run(ctx, w.reconnectWait)

	w.logger.Info("worker stopped")
	return err
}

// Stop останавливает потребление. Текущий task выполняется до конца.
func (w *Worker) Stop() {
	w.consumer.Stop()
}

func (w *Worker) open(ctx context.Context) error {
	store, err := w.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	w.mu.Lock()
	w.store = store
	w.mu.Unlock()
	return nil
}

func (w *Worker) close() {
	w.mu.Lock()
	store := w.store
	w.store = nil
	w.mu.Unlock()

	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		w.logger.Warn("failed to close store", "error", err)
	}
}

func (w *Worker) currentStore() (repo.Store, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.store == nil {
		return nil, errors.New("store is not open")
	}
	return w.store, nil
}

// observe записывает метрики выполнения.
func (w *Worker) observe(status string, duration time.Duration) {
	telemetry.Executions.WithLabelValues(w.queue.ID, status).Inc()
	telemetry.ExecutionDuration.WithLabelValues(w.queue.ID).Observe(duration.Seconds())
}

package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/carrot/internal/telemetry"
)

// Значения по умолчанию для Consumer.
const (
	DefaultPrefetch      = 1
	DefaultReconnectWait = 5 * time.Second
)

// Handler — функция обработки сообщения.
//
// Ошибка и паника обработчика логируются, но не останавливают consumer:
// сообщение подтверждается в любом случае.
type Handler func(ctx context.Context, body string) error

// ConsumerState — состояние consumer'а.
type ConsumerState int32

const (
	// ConsumerStopped — Run не выполняется.
	ConsumerStopped ConsumerState = iota
	// ConsumerRunning — Run в цикле потребления.
	ConsumerRunning
)

func (s ConsumerState) String() string {
	if s == ConsumerRunning {
		return "RUNNING"
	}
	return "STOPPED"
}

// Consumer потребляет сообщения из очереди RabbitMQ.
//
// Сообщения обрабатываются строго по одному; prefetch ограничивает только
// количество неподтверждённых доставок у брокера. Подтверждение (ack)
// выполняется ровно один раз, после возврата обработчика, независимо от
// результата: повторная доставка возможна только при падении процесса.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	tag      string
	handler  Handler
	prefetch int
	encoding string

	state    atomic.Int32
	shutdown atomic.Bool

	mu      sync.Mutex
	stopCh  chan struct{}
	channel Channel
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди. По умолчанию ConnectionParams.Queue.
	Queue string

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество неподтверждённых сообщений у consumer'а.
	Prefetch int

	// Tag — consumer tag. По умолчанию генерируется.
	Tag string
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}

	params := conn.Params()
	queue := firstNonEmpty(cfg.Queue, params.Queue)

	tag := cfg.Tag
	if tag == "" {
		tag = fmt.Sprintf("carrot-%s-%d-%s", queue, os.Getpid(), uuid.NewString()[:8])
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   telemetry.WithQueue(logger, queue),
		queue:    queue,
		tag:      tag,
		handler:  cfg.Handler,
		prefetch: prefetch,
		encoding: params.Encoding,
		stopCh:   make(chan struct{}),
	}
}

// State возвращает текущее состояние.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Queue возвращает имя очереди.
func (c *Consumer) Queue() string {
	return c.queue
}

// Run запускает потребление и блокируется до остановки.
//
// SIGINT/SIGTERM и отмена ctx вызывают Stop. При восстановимой ошибке
// соединения ждёт reconnectWait и подключается заново. При ошибке уровня
// канала возвращает ErrChannel. После Stop возвращает nil.
// Consumer одноразовый: Run после Stop сразу возвращает nil.
func (c *Consumer) Run(ctx context.Context, reconnectWait time.Duration) error {
	if c.handler == nil {
		return fmt.Errorf("%w: a handler must be set before running the consumer", ErrConfiguration)
	}
	if c.queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrConfiguration)
	}
	if !c.state.CompareAndSwap(int32(ConsumerStopped), int32(ConsumerRunning)) {
		return fmt.Errorf("%w: consumer is already running", ErrConfiguration)
	}
	defer c.state.Store(int32(ConsumerStopped))

	if reconnectWait <= 0 {
		reconnectWait = DefaultReconnectWait
	}

	c.logger.Debug("registering signal handlers", "signals", "SIGINT, SIGTERM")
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	// Отмена контекста (в т.ч. по сигналу) → Stop
	go func() {
		select {
		case <-ctx.Done():
			c.logger.Info("caught shutdown signal, shutting down gracefully")
			c.Stop()
		case <-c.stopCh:
		case <-done:
		}
	}()

	// Обработчик не должен прерываться остановкой consumer'а
	handlerCtx := context.WithoutCancel(ctx)

	c.logger.Info("starting consuming", "prefetch", c.prefetch)

	for !c.shutdown.Load() {
		err := c.consume(ctx, handlerCtx)
		if c.shutdown.Load() {
			break
		}

		if errors.Is(err, ErrChannel) {
			c.logger.Error("caught channel error, stopping", "error", err)
			return err
		}

		c.logger.Warn("connection was closed, reconnecting",
			"wait", reconnectWait,
			"error", err,
		)
		telemetry.Reconnects.WithLabelValues("consumer").Inc()

		select {
		case <-time.After(reconnectWait):
		case <-c.stopCh:
		}
	}

	c.logger.Info("consumer stopped")
	return nil
}

// consume — одна сессия: подключение, qos, consume и цикл доставок.
// Возвращает nil только при остановке.
func (c *Consumer) consume(ctx, handlerCtx context.Context) error {
	defer c.conn.Close()

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	ch := c.conn.Channel()
	if ch == nil {
		return fmt.Errorf("%w: no channel available", ErrConnection)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return classify(fmt.Errorf("set qos: %w", err))
	}

	deliveries, err := ch.Consume(
		c.queue, // queue
		c.tag,   // consumer tag
		false,   // auto-ack (ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return classify(fmt.Errorf("consume: %w", err))
	}

	c.setChannel(ch)
	defer c.setChannel(nil)

	c.logger.Info("consumer started", "tag", c.tag)

	for {
		select {
		case <-c.stopCh:
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return c.closeReason(closed)
			}
			c.onMessage(handlerCtx, d)
		}
	}
}

// closeReason определяет, почему закрылся канал доставок.
func (c *Consumer) closeReason(closed <-chan *amqp.Error) error {
	select {
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			return classify(amqpErr)
		}
	default:
	}

	if c.conn.transportClosed() {
		return fmt.Errorf("%w: connection closed", ErrConnection)
	}
	return fmt.Errorf("%w: deliveries channel closed", ErrConnection)
}

// onMessage доставляет сообщение обработчику и подтверждает его.
//
// Consumer не отвечает за успешность обработчика: любые ошибки и паники
// перехватываются, сообщение подтверждается всегда. После остановки
// сообщения не обрабатываются и не подтверждаются (брокер вернёт их в очередь).
func (c *Consumer) onMessage(ctx context.Context, d amqp.Delivery) {
	if c.shutdown.Load() {
		c.logger.Debug("skipping delivery after shutdown", "delivery_tag", d.DeliveryTag)
		return
	}

	outcome := c.invoke(ctx, d)

	if err := d.Ack(false); err != nil {
		c.logger.Warn("failed to ack message", "delivery_tag", d.DeliveryTag, "error", err)
	}

	telemetry.Deliveries.WithLabelValues(c.queue, outcome).Inc()
}

// invoke вызывает обработчик, перехватывая ошибки и паники.
func (c *Consumer) invoke(ctx context.Context, d amqp.Delivery) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consumer does not die, but the handler it delivers messages to panicked",
				"delivery_tag", d.DeliveryTag,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			outcome = telemetry.OutcomePanic
		}
	}()

	body, err := decodeBody(d.Body, c.encoding)
	if err != nil {
		c.logger.Error("failed to decode message", "delivery_tag", d.DeliveryTag, "error", err)
		return telemetry.OutcomeError
	}

	if err := c.handler(ctx, body); err != nil {
		c.logger.Error("consumer does not die, but the handler it delivers messages to returned an error",
			"delivery_tag", d.DeliveryTag,
			"error", err,
		)
		return telemetry.OutcomeError
	}

	return telemetry.OutcomeOK
}

// Stop останавливает consumer.
//
// Выставляет флаг остановки, разблокирует цикл доставок и отменяет
// подписку у брокера. Сообщение, которое обрабатывается в этот момент,
// будет подтверждено до выхода из Run.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.shutdown.Load() {
		c.mu.Unlock()
		return
	}
	c.shutdown.Store(true)
	close(c.stopCh)
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Cancel(c.tag, false); err != nil {
			c.logger.Debug("failed to cancel consumer", "tag", c.tag, "error", err)
		}
	}
}

func (c *Consumer) setChannel(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = ch
}

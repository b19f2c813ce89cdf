package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/carrot/internal/config"
	"github.com/shaiso/carrot/internal/telemetry"
)

// Publisher публикует сообщения в RabbitMQ.
//
// Publisher владеет своим Connection. Если отправка не удалась из-за
// закрытого соединения (например, истёк heartbeat), делается ровно одно
// переподключение и повтор; дальнейшая политика retry — на вызывающем.
type Publisher struct {
	conn       *Connection
	logger     *slog.Logger
	persistent bool
}

// PublisherConfig — конфигурация Publisher.
type PublisherConfig struct {
	// DurableMessages — публиковать с DeliveryMode=Persistent.
	DurableMessages bool
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		conn:       conn,
		logger:     logger,
		persistent: cfg.DurableMessages,
	}
}

// Connection возвращает соединение publisher'а.
func (p *Publisher) Connection() *Connection {
	return p.conn
}

// PublishOptions переопределяет значения из ConnectionParams.
type PublishOptions struct {
	Exchange   string
	RoutingKey string
	Encoding   string
}

// Publish публикует сообщение.
//
// message должен быть string или []byte. Exchange обязателен,
// routing key может быть пустым. Строка кодируется в Encoding,
// байты отправляются как есть.
func (p *Publisher) Publish(ctx context.Context, message any, opts PublishOptions) error {
	params := p.conn.Params()

	exchange := firstNonEmpty(opts.Exchange, params.Exchange)
	routingKey := firstNonEmpty(opts.RoutingKey, params.RoutingKey)
	encoding := firstNonEmpty(opts.Encoding, params.Encoding)

	if exchange == "" {
		return fmt.Errorf("%w: exchange name is required", ErrConfiguration)
	}

	var body []byte
	switch m := message.(type) {
	case string:
		encoded, err := encodeBody(m, encoding)
		if err != nil {
			return err
		}
		body = encoded
	case []byte:
		body = m
	default:
		return fmt.Errorf("%w: message must be string or []byte, got %T", ErrConfiguration, message)
	}

	if !p.conn.IsOpen() {
		if err := p.conn.Connect(ctx); err != nil {
			p.observe(exchange, telemetry.OutcomeError)
			return err
		}
	}

	deliveryMode := amqp.Transient
	if p.persistent {
		deliveryMode = amqp.Persistent
	}

	msg := amqp.Publishing{
		ContentType:     "text/plain",
		ContentEncoding: encoding,
		DeliveryMode:    deliveryMode,
		Timestamp:       time.Now(),
		Body:            body,
	}

	err := p.send(ctx, exchange, routingKey, msg)
	if err == nil {
		p.observe(exchange, telemetry.OutcomeOK)
		return nil
	}

	if !isConnectionClosed(err) && p.conn.IsOpen() {
		p.observe(exchange, telemetry.OutcomeError)
		return fmt.Errorf("%w: %s/%s: %w", ErrPublish, exchange, routingKey, err)
	}

	// Соединение закрыто (heartbeat timeout и т.п.) — одна попытка переподключиться
	p.logger.Warn("connection was closed while publishing, reconnecting",
		"exchange", exchange,
		"routing_key", routingKey,
		"error", err,
	)
	telemetry.Reconnects.WithLabelValues("publisher").Inc()

	p.conn.Close()
	if err := p.conn.Connect(ctx); err != nil {
		p.observe(exchange, telemetry.OutcomeError)
		return fmt.Errorf("%w: reconnect: %w", ErrPublish, err)
	}

	if err := p.send(ctx, exchange, routingKey, msg); err != nil {
		p.observe(exchange, telemetry.OutcomeError)
		return fmt.Errorf("%w: %s/%s after reconnect: %w", ErrPublish, exchange, routingKey, err)
	}

	p.observe(exchange, telemetry.OutcomeRetried)
	return nil
}

// PublishID публикует ID task в очередь q (routing key = имя очереди).
func (p *Publisher) PublishID(ctx context.Context, q config.Queue, id uuid.UUID) error {
	return p.Publish(ctx, id.String(), PublishOptions{RoutingKey: q.RoutingKey()})
}

// send выполняет одну отправку через текущий канал.
func (p *Publisher) send(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.conn.WithChannel(ctx, func(ch Channel) error {
		err := ch.PublishWithContext(
			ctx,
			exchange,   // exchange
			routingKey, // routing key
			false,      // mandatory
			false,      // immediate
			msg,
		)
		if err != nil {
			return err
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"bytes", len(msg.Body),
		)
		return nil
	})
}

func (p *Publisher) observe(exchange, outcome string) {
	telemetry.Publishes.WithLabelValues(exchange, outcome).Inc()
}

// Close закрывает соединение publisher'а.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

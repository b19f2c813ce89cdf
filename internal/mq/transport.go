package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport — минимальный интерфейс AMQP соединения, который нужен пакету.
//
// Реализуется адаптером над *amqp.Connection; в тестах подменяется фейком.
type Transport interface {
	Channel() (Channel, error)
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Channel — подмножество методов *amqp.Channel.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer открывает Transport по URL.
type Dialer func(url string, cfg amqp.Config) (Transport, error)

var _ Channel = (*amqp.Channel)(nil)

// DialAMQP — Dialer по умолчанию поверх amqp091.
func DialAMQP(url string, cfg amqp.Config) (Transport, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpTransport{conn: conn}, nil
}

// amqpTransport адаптирует *amqp.Connection к Transport.
type amqpTransport struct {
	conn *amqp.Connection
}

func (t amqpTransport) Channel() (Channel, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (t amqpTransport) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return t.conn.NotifyBlocked(receiver)
}

func (t amqpTransport) IsClosed() bool {
	return t.conn.IsClosed()
}

func (t amqpTransport) Close() error {
	return t.conn.Close()
}

package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/carrot/internal/telemetry"
)

// --- Fakes ---

// fakeChannel — канал в памяти, записывающий вызовы.
type fakeChannel struct {
	mu sync.Mutex

	closed     bool
	deliveries chan amqp.Delivery
	closeOnce  sync.Once
	notify     []chan *amqp.Error

	qosErr      error
	consumeErr  error
	publishErrs []error
	declareErr  error

	prefetch  int
	cancelled []string
	published []amqp.Publishing
	routes    []string
	declared  []string
	acks      []uint64
	ackCh     chan uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deliveries: make(chan amqp.Delivery, 16),
		ackCh:      make(chan uint64, 64),
	}
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return c.qosErr
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, consumer)
	c.mu.Unlock()
	c.closeDeliveries()
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.publishErrs) > 0 {
		err := c.publishErrs[0]
		c.publishErrs = c.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	c.published = append(c.published, msg)
	c.routes = append(c.routes, exchange+"/"+key)
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, "exchange:"+name)
	return c.declareErr
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, "queue:"+name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, "bind:"+exchange+"->"+name+"@"+key)
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown закрывает канал как amqp091: сначала NotifyClose, потом доставки.
func (c *fakeChannel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	c.closeDeliveries()
}

func (c *fakeChannel) closeDeliveries() {
	c.closeOnce.Do(func() { close(c.deliveries) })
}

// deliver кладёт сообщение в очередь доставок.
func (c *fakeChannel) deliver(tag uint64, body string) {
	c.deliveries <- amqp.Delivery{
		Acknowledger: c,
		DeliveryTag:  tag,
		Body:         []byte(body),
	}
}

func (c *fakeChannel) Ack(tag uint64, _ bool) error {
	c.mu.Lock()
	c.acks = append(c.acks, tag)
	c.mu.Unlock()
	c.ackCh <- tag
	return nil
}

func (c *fakeChannel) Nack(uint64, bool, bool) error { return errors.New("nack not expected") }
func (c *fakeChannel) Reject(uint64, bool) error     { return errors.New("reject not expected") }

func (c *fakeChannel) ackedTags() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.acks...)
}

// fakeTransport — соединение в памяти.
type fakeTransport struct {
	mu        sync.Mutex
	closed    bool
	ch        *fakeChannel
	blocked   chan amqp.Blocking
	blockOnce sync.Once
}

func (t *fakeTransport) Channel() (Channel, error) {
	return t.ch, nil
}

func (t *fakeTransport) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = receiver
	return receiver
}

func (t *fakeTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) Close() error {
	t.drop(nil)
	return nil
}

// drop имитирует разрыв соединения брокером.
func (t *fakeTransport) drop(err *amqp.Error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	blocked := t.blocked
	t.mu.Unlock()

	t.ch.shutdown(err)
	if blocked != nil {
		t.blockOnce.Do(func() { close(blocked) })
	}
}

// fakeDialer выдаёт новый транспорт на каждый dial.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	errs       []error
	channels   []*fakeChannel
	transports []*fakeTransport
	sessions   chan *fakeTransport
}

func newFakeDialer(channels ...*fakeChannel) *fakeDialer {
	return &fakeDialer{
		channels: channels,
		sessions: make(chan *fakeTransport, 16),
	}
}

func (d *fakeDialer) Dial(string, amqp.Config) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	ch := newFakeChannel()
	if len(d.channels) > 0 {
		ch = d.channels[0]
		d.channels = d.channels[1:]
	}

	t := &fakeTransport{ch: ch}
	d.transports = append(d.transports, t)
	d.sessions <- t
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testParams(d *fakeDialer) ConnectionParams {
	return ConnectionParams{
		Host:       "localhost",
		Port:       5672,
		User:       "guest",
		Password:   "guest",
		Exchange:   "carrot.direct",
		Queue:      "carrot.default",
		RoutingKey: "carrot.default",
		Encoding:   "utf-8",
		Dial:       d.Dial,
	}
}

func testConnection(d *fakeDialer) *Connection {
	return NewConnection(testParams(d), telemetry.Discard())
}

// waitSession ждёт очередного dial.
func waitSession(t *testing.T, d *fakeDialer) *fakeTransport {
	t.Helper()
	select {
	case s := <-d.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for broker session")
		return nil
	}
}

// waitAck ждёт подтверждения сообщения.
func waitAck(t *testing.T, ch *fakeChannel) uint64 {
	t.Helper()
	select {
	case tag := <-ch.ackCh:
		return tag
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ack")
		return 0
	}
}

// waitConsuming ждёт, пока consumer подпишется на очередь.
func waitConsuming(t *testing.T, c *Consumer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		ch := c.channel
		c.mu.Unlock()
		if ch != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timeout waiting for consumer to start")
}

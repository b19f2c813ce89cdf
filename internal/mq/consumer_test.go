package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReconnectWait = 10 * time.Millisecond

// runConsumer запускает Run в горутине и возвращает канал с результатом.
func runConsumer(c *Consumer) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), testReconnectWait)
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestConsumer_RunRequiresHandler(t *testing.T) {
	d := newFakeDialer()
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{})

	err := c.Run(context.Background(), testReconnectWait)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 0, d.dialCount())
}

func TestConsumer_RunRequiresQueue(t *testing.T) {
	d := newFakeDialer()
	conn := NewConnection(ConnectionParams{Dial: d.Dial}, nil)
	c := NewConsumer(conn, nil, ConsumerConfig{Handler: func(context.Context, string) error { return nil }})

	err := c.Run(context.Background(), testReconnectWait)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestConsumer_DeliversAndAcks(t *testing.T) {
	d := newFakeDialer()

	var mu sync.Mutex
	var bodies []string
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Prefetch: 3,
		Handler: func(_ context.Context, body string) error {
			mu.Lock()
			defer mu.Unlock()
			bodies = append(bodies, body)
			return nil
		},
	})

	done := runConsumer(c)
	session := waitSession(t, d)

	session.ch.deliver(1, "a")
	session.ch.deliver(2, "b")
	assert.Equal(t, uint64(1), waitAck(t, session.ch))
	assert.Equal(t, uint64(2), waitAck(t, session.ch))
	assert.Equal(t, ConsumerRunning, c.State())

	c.Stop()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, ConsumerStopped, c.State())

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, bodies)
	mu.Unlock()

	session.ch.mu.Lock()
	assert.Equal(t, 3, session.ch.prefetch)
	session.ch.mu.Unlock()
}

func TestConsumer_AcksEvenWhenHandlerFails(t *testing.T) {
	d := newFakeDialer()

	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Handler: func(_ context.Context, body string) error {
			if body == "panic" {
				panic("handler exploded")
			}
			return errors.New("always fails")
		},
	})

	done := runConsumer(c)
	session := waitSession(t, d)

	session.ch.deliver(1, "error")
	session.ch.deliver(2, "panic")
	session.ch.deliver(3, "error")

	for i := 0; i < 3; i++ {
		waitAck(t, session.ch)
	}

	c.Stop()
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, []uint64{1, 2, 3}, session.ch.ackedTags(), "each message acked exactly once")
	assert.Equal(t, 1, d.dialCount(), "handler failures never reconnect")
}

func TestConsumer_DecodesBody(t *testing.T) {
	d := newFakeDialer()
	params := testParams(d)
	params.Encoding = "iso-8859-1"

	got := make(chan string, 1)
	c := NewConsumer(NewConnection(params, nil), nil, ConsumerConfig{
		Handler: func(_ context.Context, body string) error {
			got <- body
			return nil
		},
	})

	done := runConsumer(c)
	session := waitSession(t, d)
	session.ch.deliver(1, "\xe9")

	assert.Equal(t, "é", <-got)
	waitAck(t, session.ch)

	c.Stop()
	require.NoError(t, waitRun(t, done))
}

func TestConsumer_StopAcksInFlightMessage(t *testing.T) {
	d := newFakeDialer()

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerErr error
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Handler: func(ctx context.Context, _ string) error {
			close(started)
			<-release
			handlerErr = ctx.Err()
			return nil
		},
	})

	done := runConsumer(c)
	session := waitSession(t, d)
	session.ch.deliver(7, "slow")

	<-started
	c.Stop()

	// Run ждёт обработчик
	select {
	case <-done:
		t.Fatal("Run returned while handler was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, []uint64{7}, session.ch.ackedTags())
	assert.NoError(t, handlerErr, "handler context must survive Stop")
}

func TestConsumer_StopOnContextCancel(t *testing.T) {
	d := newFakeDialer()
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Handler: func(context.Context, string) error { return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, testReconnectWait) }()

	waitSession(t, d)
	cancel()

	require.NoError(t, waitRun(t, done))
}

func TestConsumer_StopIsPermanent(t *testing.T) {
	d := newFakeDialer()
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Handler: func(context.Context, string) error { return nil },
	})

	c.Stop()
	c.Stop()

	require.NoError(t, c.Run(context.Background(), testReconnectWait))
	assert.Equal(t, 0, d.dialCount())
}

func TestConsumer_SkipsDeliveryAfterShutdown(t *testing.T) {
	d := newFakeDialer()
	called := false
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Handler: func(context.Context, string) error {
			called = true
			return nil
		},
	})
	c.Stop()

	ch := newFakeChannel()
	c.onMessage(context.Background(), amqp.Delivery{Acknowledger: ch, DeliveryTag: 1, Body: []byte("late")})

	assert.False(t, called)
	assert.Empty(t, ch.ackedTags())
}

func TestConsumer_ReconnectsAfterConnectionLoss(t *testing.T) {
	d := newFakeDialer()
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Handler: func(context.Context, string) error { return nil },
	})

	done := runConsumer(c)

	first := waitSession(t, d)
	waitConsuming(t, c)
	first.drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})

	second := waitSession(t, d)
	second.ch.deliver(1, "after reconnect")
	waitAck(t, second.ch)

	c.Stop()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, 2, d.dialCount())
}

func TestConsumer_RetriesUnavailableBroker(t *testing.T) {
	d := newFakeDialer()
	d.errs = []error{errors.New("connection refused"), errors.New("connection refused")}
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Handler: func(context.Context, string) error { return nil },
	})

	done := runConsumer(c)

	session := waitSession(t, d)
	session.ch.deliver(1, "x")
	waitAck(t, session.ch)

	c.Stop()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, 3, d.dialCount())
}

func TestConsumer_ChannelErrorIsTerminal(t *testing.T) {
	ch := newFakeChannel()
	ch.consumeErr = &amqp.Error{Code: amqp.NotFound, Reason: "no queue 'carrot.default'"}
	d := newFakeDialer(ch)
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Handler: func(context.Context, string) error { return nil },
	})

	err := waitRun(t, runConsumer(c))
	assert.ErrorIs(t, err, ErrChannel)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, ConsumerStopped, c.State())
}

func TestConsumer_ChannelClosedByBrokerIsTerminal(t *testing.T) {
	d := newFakeDialer()
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{
		Handler: func(context.Context, string) error { return nil },
	})

	done := runConsumer(c)
	waitSession(t, d)
	waitConsuming(t, c)
	session := d.transports[0]

	// Очередь удалили: брокер закрывает канал с 404
	session.ch.shutdown(&amqp.Error{Code: amqp.NotFound, Reason: "queue deleted"})

	assert.ErrorIs(t, waitRun(t, done), ErrChannel)
}

func TestConsumer_GeneratedTag(t *testing.T) {
	d := newFakeDialer()
	c := NewConsumer(testConnection(d), nil, ConsumerConfig{Queue: "high"})

	assert.Equal(t, "high", c.Queue())
	assert.Contains(t, c.tag, "carrot-high-")

	c = NewConsumer(testConnection(d), nil, ConsumerConfig{Tag: "custom"})
	assert.Equal(t, "custom", c.tag)
	assert.Equal(t, "carrot.default", c.Queue())
}

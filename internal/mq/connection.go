package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Значения по умолчанию для ConnectionParams.
const (
	DefaultHeartbeat                = 600 * time.Second
	DefaultBlockedConnectionTimeout = 300 * time.Second
	DefaultDialTimeout              = 30 * time.Second
	DefaultExchangeType             = "direct"
)

// ConnectionParams — параметры соединения с RabbitMQ.
//
// Exchange, Queue и RoutingKey необязательны: это значения по умолчанию
// для SetupQueueExchange, Publish и Consumer.
type ConnectionParams struct {
	// URL, если задан, используется вместо Host/Port/User/Password/VHost.
	URL string

	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	Heartbeat                time.Duration
	BlockedConnectionTimeout time.Duration
	DialTimeout              time.Duration

	// Encoding — кодировка тела сообщений ("utf-8"). Пустая — байты как есть.
	Encoding string

	Exchange   string
	Queue      string
	RoutingKey string

	// Dial — фабрика транспорта, по умолчанию DialAMQP.
	Dial Dialer
}

// AMQPURL возвращает URI соединения.
func (p ConnectionParams) AMQPURL() string {
	if p.URL != "" {
		return p.URL
	}

	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(p.User, p.Password),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/",
	}
	if p.VHost != "" && p.VHost != "/" {
		u.Path = "/" + p.VHost
		u.RawPath = "/" + url.PathEscape(p.VHost)
	}
	return u.String()
}

// redactedURL — URI без пароля, для логов и ошибок.
func (p ConnectionParams) redactedURL() string {
	u, err := url.Parse(p.AMQPURL())
	if err != nil {
		return "amqp://<invalid>"
	}
	return u.Redacted()
}

// Connection — одно логическое соединение с RabbitMQ: соединение + канал.
//
// Connection не разделяется между процессами и ролями: у publisher'а
// и у каждого consumer'а свой экземпляр. При каждом переподключении
// транспорт создаётся заново.
type Connection struct {
	params ConnectionParams
	logger *slog.Logger
	dial   Dialer

	mu      sync.RWMutex
	conn    Transport
	channel Channel
}

// NewConnection создаёт Connection. Соединение не открывается до Connect.
func NewConnection(params ConnectionParams, logger *slog.Logger) *Connection {
	if params.Heartbeat == 0 {
		params.Heartbeat = DefaultHeartbeat
	}
	if params.BlockedConnectionTimeout == 0 {
		params.BlockedConnectionTimeout = DefaultBlockedConnectionTimeout
	}
	if params.DialTimeout == 0 {
		params.DialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	dial := params.Dial
	if dial == nil {
		dial = DialAMQP
	}

	return &Connection{
		params: params,
		logger: logger,
		dial:   dial,
	}
}

// Params возвращает параметры соединения.
func (c *Connection) Params() ConnectionParams {
	return c.params
}

// Connect устанавливает соединение и открывает канал.
//
// Если соединение уже открыто, ничего не делает. Ошибки dial и открытия
// канала оборачиваются в ErrConnection.
func (c *Connection) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.openLocked() {
		return nil
	}

	// Остатки предыдущего соединения
	c.closeLocked()

	cfg := amqp.Config{
		Heartbeat: c.params.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(c.params.DialTimeout),
	}

	conn, err := c.dial(c.params.AMQPURL(), cfg)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrConnection, c.params.redactedURL(), err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: open channel: %w", ErrConnection, err)
	}

	c.conn = conn
	c.channel = ch

	go c.watchBlocked(conn)

	c.logger.Info("connected to RabbitMQ", "url", c.params.redactedURL())

	return nil
}

// watchBlocked закрывает соединение, если брокер держит его в состоянии
// connection.blocked дольше BlockedConnectionTimeout.
func (c *Connection) watchBlocked(conn Transport) {
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	var timer *time.Timer
	var timeout <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case b, ok := <-blocked:
			if !ok {
				return
			}
			if b.Active {
				c.logger.Warn("connection blocked by broker", "reason", b.Reason)
				if timer == nil {
					timer = time.NewTimer(c.params.BlockedConnectionTimeout)
					timeout = timer.C
				}
				continue
			}

			c.logger.Info("connection unblocked")
			if timer != nil {
				timer.Stop()
				timer, timeout = nil, nil
			}

		case <-timeout:
			c.logger.Error("connection blocked for too long, closing",
				"timeout", c.params.BlockedConnectionTimeout,
			)
			conn.Close()
			return
		}
	}
}

// Close закрывает канал и соединение.
//
// Ошибки закрытия со стороны брокера (уже закрыто и т.п.) только логируются.
// После Close IsOpen всегда false.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	return nil
}

func (c *Connection) closeLocked() {
	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("caught error while closing channel", "error", err)
		}
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("caught error while closing connection", "error", err)
		}
	}

	c.channel = nil
	c.conn = nil
}

// IsOpen проверяет, что канал существует и брокер считает его открытым.
func (c *Connection) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.openLocked()
}

func (c *Connection) openLocked() bool {
	return c.channel != nil && !c.channel.IsClosed() &&
		c.conn != nil && !c.conn.IsClosed()
}

// transportClosed — true, если транспорт отсутствует или закрыт.
func (c *Connection) transportClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn == nil || c.conn.IsClosed()
}

// Channel возвращает текущий AMQP канал (nil, если не подключены).
func (c *Connection) Channel() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// WithChannel выполняет функцию с текущим каналом.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("%w: no channel available", ErrConnection)
	}

	return fn(ch)
}

// QueueBinding — описание exchange, очереди и связи между ними.
type QueueBinding struct {
	Exchange        string
	ExchangeType    string
	Queue           string
	RoutingKey      string
	DurableExchange bool
	DurableQueue    bool
}

// SetupQueueExchange объявляет exchange, очередь и связывает их.
//
// Пустые поля берутся из ConnectionParams. Если соединение не открыто,
// открывает его. Операция идемпотентна на стороне брокера.
func (c *Connection) SetupQueueExchange(ctx context.Context, b QueueBinding) error {
	if b.Exchange == "" {
		b.Exchange = c.params.Exchange
	}
	if b.Queue == "" {
		b.Queue = c.params.Queue
	}
	if b.RoutingKey == "" {
		b.RoutingKey = c.params.RoutingKey
	}
	if b.ExchangeType == "" {
		b.ExchangeType = DefaultExchangeType
	}

	if b.Exchange == "" {
		return fmt.Errorf("%w: exchange name is required", ErrConfiguration)
	}
	if b.Queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrConfiguration)
	}

	if !c.IsOpen() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	return c.WithChannel(ctx, func(ch Channel) error {
		err := ch.ExchangeDeclare(
			b.Exchange,        // name
			b.ExchangeType,    // type
			b.DurableExchange, // durable
			false,             // auto-deleted
			false,             // internal
			false,             // no-wait
			nil,               // arguments
		)
		if err != nil {
			return classify(fmt.Errorf("declare exchange %s: %w", b.Exchange, err))
		}

		_, err = ch.QueueDeclare(
			b.Queue,        // name
			b.DurableQueue, // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			nil,            // arguments
		)
		if err != nil {
			return classify(fmt.Errorf("declare queue %s: %w", b.Queue, err))
		}

		err = ch.QueueBind(
			b.Queue,      // queue name
			b.RoutingKey, // routing key
			b.Exchange,   // exchange
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return classify(fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.Exchange, err))
		}

		c.logger.Debug("queue and exchange declared",
			"exchange", b.Exchange,
			"queue", b.Queue,
			"routing_key", b.RoutingKey,
		)
		return nil
	})
}

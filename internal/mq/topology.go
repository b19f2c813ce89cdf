package mq

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaiso/carrot/internal/config"
)

// Durability — флаги долговечности для объявления топологии.
type Durability struct {
	Exchange bool
	Queues   bool
}

// SetupRouting объявляет exchange и все очереди таблицы маршрутизации.
//
// Routing key очереди совпадает с её именем. Повторный вызов безопасен.
func SetupRouting(ctx context.Context, conn *Connection, routing *config.Routing, durable Durability) error {
	for _, q := range routing.Queues() {
		err := conn.SetupQueueExchange(ctx, QueueBinding{
			Exchange:        routing.Exchange(),
			ExchangeType:    DefaultExchangeType,
			Queue:           q.Name,
			RoutingKey:      q.RoutingKey(),
			DurableExchange: durable.Exchange,
			DurableQueue:    durable.Queues,
		})
		if err != nil {
			return fmt.Errorf("setup queue %s: %w", q.ID, err)
		}
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования и CLI.
func TopologyInfo(routing *config.Routing) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s (%s)\n", routing.Exchange(), DefaultExchangeType)

	queues := routing.Queues()
	for i, q := range queues {
		branch := "├──"
		if i == len(queues)-1 {
			branch = "└──"
		}
		fmt.Fprintf(&b, "%s %s [routing: %s] id=%s workers=%d\n",
			branch, q.Name, q.RoutingKey(), q.ID, q.Concurrency)
	}

	return b.String()
}

// ParamsFromSettings строит ConnectionParams из настроек процесса.
// Exchange, Queue и RoutingKey заполняются вызывающим.
func ParamsFromSettings(s config.Settings) ConnectionParams {
	return ConnectionParams{
		URL:                      s.BrokerURL,
		Host:                     s.Host,
		Port:                     s.Port,
		User:                     s.User,
		Password:                 s.Password,
		VHost:                    s.VHost,
		Heartbeat:                s.Heartbeat,
		BlockedConnectionTimeout: s.BlockedConnectionTimeout,
		Encoding:                 s.Encoding,
		Exchange:                 s.Exchange,
	}
}

// DurabilityFromSettings возвращает флаги долговечности из настроек.
func DurabilityFromSettings(s config.Settings) Durability {
	return Durability{
		Exchange: s.DurableExchange,
		Queues:   s.DurableQueues,
	}
}

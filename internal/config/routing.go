package config

import (
	"fmt"
	"sort"
)

// Queue — запись таблицы маршрутизации.
//
// ID используется приложением, Name — имя очереди в RabbitMQ
// и одновременно routing key.
type Queue struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Concurrency int    `yaml:"concurrency" json:"concurrency"`
}

// RoutingKey возвращает routing key очереди (совпадает с именем).
func (q Queue) RoutingKey() string {
	return q.Name
}

// Validate проверяет запись.
func (q Queue) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("%w: queue id must not be empty", ErrInvalid)
	}
	if q.Name == "" {
		return fmt.Errorf("%w: queue %q name must not be empty", ErrInvalid, q.ID)
	}
	if len(q.Name) > MaxQueueNameBytes {
		return fmt.Errorf("%w: queue %q name exceeds %d bytes", ErrInvalid, q.ID, MaxQueueNameBytes)
	}
	if q.Concurrency <= 0 {
		return fmt.Errorf("%w: queue %q concurrency must be positive", ErrInvalid, q.ID)
	}
	return nil
}

// Routing — неизменяемая таблица маршрутизации: id очереди → Queue.
//
// Строится один раз при старте процесса и передаётся в Worker/Publisher.
type Routing struct {
	exchange string
	queues   map[string]Queue
	order    []string
}

// NewRouting создаёт таблицу маршрутизации.
func NewRouting(exchange string, queues []Queue) (*Routing, error) {
	if exchange == "" {
		return nil, fmt.Errorf("%w: exchange must not be empty", ErrInvalid)
	}

	r := &Routing{
		exchange: exchange,
		queues:   make(map[string]Queue, len(queues)),
	}
	for _, q := range queues {
		if err := q.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.queues[q.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate queue id %q", ErrInvalid, q.ID)
		}
		r.queues[q.ID] = q
		r.order = append(r.order, q.ID)
	}
	return r, nil
}

// Exchange возвращает имя exchange.
func (r *Routing) Exchange() string {
	return r.exchange
}

// Lookup возвращает очередь по id.
func (r *Routing) Lookup(id string) (Queue, error) {
	q, ok := r.queues[id]
	if !ok {
		return Queue{}, fmt.Errorf("%w: %q", ErrUnknownQueue, id)
	}
	return q, nil
}

// Queues возвращает копию списка очередей в порядке объявления.
func (r *Routing) Queues() []Queue {
	out := make([]Queue, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.queues[id])
	}
	return out
}

// IDs возвращает отсортированный список id очередей.
func (r *Routing) IDs() []string {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}

// TotalConcurrency — суммарное число воркеров по всем очередям.
func (r *Routing) TotalConcurrency() int {
	total := 0
	for _, q := range r.queues {
		total += q.Concurrency
	}
	return total
}

package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	// ExchangeEvents — topic exchange событий жизненного цикла task.
	ExchangeEvents Exchange = "dtq.events"

	// ExchangeDLQ — куда уходят нераспознанные сообщения.
	ExchangeDLQ Exchange = "dtq.dlq"
)

const (
	// QueueOutcomes — терминальные исходы task, читает dtq-api.
	QueueOutcomes Queue = "dtq.outcomes"

	// QueueDLQ — нераспознанные сообщения, разбираются вручную.
	QueueDLQ Queue = "dtq.dlq.events"
)

// Routing keys событий. Совпадают с MessageType.
const (
	RoutingKeySubmitted RoutingKey = "task.submitted"
	RoutingKeyCompleted RoutingKey = "task.completed"
	RoutingKeyFailed    RoutingKey = "task.failed"
	RoutingKeyRequeued  RoutingKey = "task.requeued"
	RoutingKeyDLQ       RoutingKey = "events"
)

type binding struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// bindings — только очереди самого dtq. RoutingKeySubmitted и
// RoutingKeyRequeued остаются внешним подписчикам.
var bindings = []binding{
	{QueueOutcomes, RoutingKeyCompleted, ExchangeEvents},
	{QueueOutcomes, RoutingKeyFailed, ExchangeEvents},
	{QueueDLQ, RoutingKeyDLQ, ExchangeDLQ},
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(_ context.Context, conn *Connection) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(string(ExchangeEvents), "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ExchangeEvents, err)
		}
		if err := ch.ExchangeDeclare(string(ExchangeDLQ), "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ExchangeDLQ, err)
		}

		outcomeArgs := amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQ),
		}
		if _, err := ch.QueueDeclare(string(QueueOutcomes), true, false, false, false, outcomeArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", QueueOutcomes, err)
		}
		if _, err := ch.QueueDeclare(string(QueueDLQ), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", QueueDLQ, err)
		}

		for _, b := range bindings {
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  dtq RabbitMQ topology:

    dtq.events (topic)
    └── dtq.outcomes [task.completed, task.failed]
            Consumer: dtq-api (metrics)
            DLQ: dtq.dlq.events
    task.submitted, task.requeued: external subscribers only

    dtq.dlq (direct)
    └── dtq.dlq.events [events]
            Manual processing
`
}

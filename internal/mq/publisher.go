package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/dtq/internal/domain"
)

// MessageType — тип события.
type MessageType string

// Типы событий жизненного цикла task.
const (
	MessageTypeSubmitted MessageType = "task.submitted"
	MessageTypeCompleted MessageType = "task.completed"
	MessageTypeFailed    MessageType = "task.failed"
	MessageTypeRequeued  MessageType = "task.requeued"
)

// Message — конверт события.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskEvent — payload события о task.
type TaskEvent struct {
	TaskID  string               `json:"task_id"`
	Status  domain.TaskStatus    `json:"status"`
	Worker  string               `json:"worker,omitempty"`
	Retries int                  `json:"retries"`
	Origin  domain.FailureOrigin `json:"origin,omitempty"`
	Error   string               `json:"error,omitempty"`

	// DurationMS — время выполнения callback'а, для completed/failed от worker'а.
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Type возвращает тип сообщения для события.
func (e *TaskEvent) Type() MessageType {
	switch e.Status {
	case domain.TaskStatusDone:
		return MessageTypeCompleted
	case domain.TaskStatusFailed:
		return MessageTypeFailed
	case domain.TaskStatusQueued:
		if e.Retries > 0 {
			return MessageTypeRequeued
		}
		return MessageTypeSubmitted
	default:
		return ""
	}
}

// NewMessage оборачивает событие в Message.
func NewMessage(ev *TaskEvent) (*Message, error) {
	msgType := ev.Type()
	if msgType == "" {
		return nil, fmt.Errorf("no event type for status %q", ev.Status)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Publisher публикует события в ExchangeEvents.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение с routing key, равным его типу.
func (p *Publisher) Publish(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(ExchangeEvents),
			string(msg.Type),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish %s: %w", msg.Type, err)
		}

		p.logger.Debug("published event",
			"routing_key", msg.Type,
			"message_id", msg.ID,
		)
		return nil
	})
}

// PublishTaskEvent публикует событие о task.
func (p *Publisher) PublishTaskEvent(ctx context.Context, ev *TaskEvent) error {
	msg, err := NewMessage(ev)
	if err != nil {
		return err
	}
	return p.Publish(ctx, msg)
}

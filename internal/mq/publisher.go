package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/resumeflow/internal/telemetry"
)

// appID — значение AppId в свойствах сообщений.
const appID = "resumeflow"

// ErrNacked — брокер не принял сообщение (basic.nack на publisher confirm).
var ErrNacked = errors.New("message nacked by broker")

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunAdvance   MessageType = "run.advance"
	MessageTypeNotification MessageType = "run.notification"
)

// Message — конверт сообщения. Body публикации — JSON конверта.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	RunID     string      `json:"run_id,omitempty"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage создаёт конверт с новым ID.
func NewMessage(msgType MessageType, runID string, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		RunID:     runID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// RunAdvancePayload — "выполнить следующую стадию run".
type RunAdvancePayload struct {
	RunID string `json:"run_id"`
}

// NotificationPayload — уведомление о завершении run для почтового сервиса.
type NotificationPayload struct {
	RunID     string         `json:"run_id"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Summary   map[string]any `json:"summary,omitempty"`
}

// newPublishing собирает AMQP сообщение из конверта.
func newPublishing(msg *Message) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal message: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.RunID,
		Type:          string(msg.Type),
		AppId:         appID,
		Timestamp:     msg.Timestamp,
		Body:          body,
	}, nil
}

// Publisher публикует сообщения и ждёт подтверждения брокера.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher поверх соединения.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение и возвращается после confirm.
// Сообщение, не подтверждённое до отмены ctx, считается неопубликованным.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		telemetry.MessagesPublished.WithLabelValues(string(msg.Type), outcome).Inc()
	}()

	publishing, err := newPublishing(msg)
	if err != nil {
		return err
	}

	ch, err := p.conn.publishChannel()
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, string(exchange), string(routingKey), false, false, publishing)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("wait confirm for %s: %w", msg.ID, err)
		}
		if !acked {
			return fmt.Errorf("publish %s to %s: %w", msg.ID, exchange, ErrNacked)
		}
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.ID,
		"type", msg.Type,
		"run_id", msg.RunID,
	)
	return nil
}

// PublishRunAdvance ставит run в очередь на выполнение следующей стадии.
func (p *Publisher) PublishRunAdvance(ctx context.Context, runID string) error {
	msg := NewMessage(MessageTypeRunAdvance, runID, RunAdvancePayload{RunID: runID})
	return p.Publish(ctx, ExchangeRuns, RoutingKeyAdvance, msg)
}

// PublishNotification отправляет уведомление о завершении run.
func (p *Publisher) PublishNotification(ctx context.Context, payload NotificationPayload) error {
	msg := NewMessage(MessageTypeNotification, payload.RunID, payload)
	return p.Publish(ctx, ExchangeNotifications, RoutingKeyNotification, msg)
}

package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/resumeflow/internal/telemetry"
)

// resubscribeDelay — пауза перед повторной подпиской без переподключения.
const resubscribeDelay = 5 * time.Second

// Handler обрабатывает доставку. nil — ack; ошибка — nack с возвратом
// в очередь; ошибка, обёрнутая Reject, — nack в DLQ.
type Handler func(ctx context.Context, msg *Delivery) error

// ErrRejected — маркер ошибки, после которой сообщение не возвращается в очередь.
var ErrRejected = errors.New("message rejected")

// Reject помечает ошибку обработчика как окончательную.
func Reject(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// ShouldRequeue решает, вернуть ли сообщение в очередь после ошибки обработчика.
func ShouldRequeue(err error) bool {
	return err != nil && !errors.Is(err, ErrRejected)
}

// Delivery — доставка с разобранным конвертом.
type Delivery struct {
	Message     Message
	Redelivered bool
	Raw         amqp.Delivery
}

// ParsePayload разбирает payload конверта в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue string

	// Handler — обработчик доставок.
	Handler Handler

	// Prefetch — сколько доставок обрабатывается одновременно
	// (и basic.qos канала). 0 — 1.
	Prefetch int
}

// Consumer читает очередь на собственном канале и обрабатывает
// до Prefetch доставок параллельно. После разрыва соединения ждёт
// переподключения и подписывается заново.
type Consumer struct {
	conn   *Connection
	logger *slog.Logger
	cfg    ConsumerConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		conn:   conn,
		logger: logger.With("queue", cfg.Queue),
		cfg:    cfg,
	}
}

// Start потребляет очередь до отмены ctx или Stop. Перед возвратом
// дожидается обработчиков, которые уже выполняются.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	defer close(done)
	defer cancel()

	for {
		// канал уведомления берётся до подписки: переподключение
		// между ними не должно потеряться
		reconnected := c.conn.Reconnected()

		ch, deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Warn("subscribe failed, will retry", "error", err)
		} else {
			c.logger.Info("consumer started", "prefetch", c.cfg.Prefetch)
			c.drain(ctx, deliveries)
			if !ch.IsClosed() {
				_ = ch.Close()
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		// подписка могла упасть и при живом соединении (очередь удалена),
		// поэтому повтор и по таймеру
		timer := time.NewTimer(resubscribeDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.conn.Done():
			timer.Stop()
			return ErrClosed
		case <-reconnected:
			timer.Stop()
			c.logger.Info("resubscribing after reconnect")
		case <-timer.C:
		}
	}
}

// subscribe открывает канал консьюмера с qos = prefetch.
func (c *Consumer) subscribe() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	return ch, deliveries, nil
}

// drain раздаёт доставки обработчикам, пока канал открыт и ctx жив.
// Возвращается после завершения всех запущенных обработчиков.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var g errgroup.Group
	g.SetLimit(c.cfg.Prefetch)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed")
				return
			}
			g.Go(func() error {
				c.handle(ctx, raw)
				return nil
			})
		}
	}
}

// handle разбирает конверт, вызывает обработчик и подтверждает доставку.
func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("malformed message, sending to DLQ",
			"message_id", raw.MessageId,
			"error", err,
		)
		c.settle(raw, "malformed", raw.Nack(false, false))
		return
	}

	logger := c.logger.With("message_id", msg.ID, "type", msg.Type)
	if raw.Redelivered {
		logger.Info("redelivered message", "run_id", msg.RunID)
	}

	err := c.cfg.Handler(ctx, &Delivery{Message: msg, Redelivered: raw.Redelivered, Raw: raw})
	switch {
	case err == nil:
		c.settle(raw, "ack", raw.Ack(false))
	case ShouldRequeue(err):
		logger.Warn("handler failed, requeueing", "error", err)
		c.settle(raw, "requeue", raw.Nack(false, true))
	default:
		logger.Error("handler rejected message", "error", err)
		c.settle(raw, "reject", raw.Nack(false, false))
	}
}

func (c *Consumer) settle(raw amqp.Delivery, outcome string, err error) {
	telemetry.MessagesConsumed.WithLabelValues(c.cfg.Queue, outcome).Inc()
	if err != nil {
		// канал уже закрыт: брокер вернёт неподтверждённую доставку сам
		c.logger.Warn("settle delivery failed", "outcome", outcome, "delivery_tag", raw.DeliveryTag, "error", err)
	}
}

// Stop отменяет потребление и ждёт выхода Start.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

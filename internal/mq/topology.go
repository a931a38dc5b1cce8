package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeRuns          Exchange = "resumeflow.runs"
	ExchangeNotifications Exchange = "resumeflow.notifications"
	ExchangeDLQ           Exchange = "resumeflow.dlq"
)

const (
	QueueRunsAdvance   Queue = "runs.advance"
	QueueNotifications Queue = "notifications"
	QueueDLQRuns       Queue = "dlq.runs"
	QueueDLQNotify     Queue = "dlq.notifications"
)

const (
	RoutingKeyAdvance      RoutingKey = "advance"
	RoutingKeyNotification RoutingKey = "notification"
	RoutingKeyDLQRuns      RoutingKey = "runs"
	RoutingKeyDLQNotify    RoutingKey = "notifications"
)

// QueueSpec — durable очередь, привязанная к direct-обменнику.
type QueueSpec struct {
	Name       Queue
	Exchange   Exchange
	RoutingKey RoutingKey

	// DeadLetterKey — ключ в ExchangeDLQ для отклонённых сообщений.
	// Пусто — очередь без DLQ.
	DeadLetterKey RoutingKey

	// Consumer — кто читает очередь (для TopologyInfo).
	Consumer string
}

func (q QueueSpec) args() amqp.Table {
	if q.DeadLetterKey == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(q.DeadLetterKey),
	}
}

// Topology — все обменники и очереди resumeflow. Все обменники direct.
var Topology = []QueueSpec{
	{QueueRunsAdvance, ExchangeRuns, RoutingKeyAdvance, RoutingKeyDLQRuns, "orchestrator, one stage per message"},
	{QueueNotifications, ExchangeNotifications, RoutingKeyNotification, RoutingKeyDLQNotify, "mail service"},
	{QueueDLQRuns, ExchangeDLQ, RoutingKeyDLQRuns, "", "manual"},
	{QueueDLQNotify, ExchangeDLQ, RoutingKeyDLQNotify, "", "manual"},
}

// exchanges — обменники из Topology без повторов, в порядке появления.
func exchanges() []Exchange {
	var out []Exchange
	seen := make(map[Exchange]bool)
	for _, q := range Topology {
		if !seen[q.Exchange] {
			seen[q.Exchange] = true
			out = append(out, q.Exchange)
		}
	}
	return out
}

// SetupTopology объявляет обменники, очереди и привязки. Идемпотентна,
// пока аргументы существующих очередей не меняются.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range exchanges() {
			if err := ch.ExchangeDeclare(string(ex), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, q := range Topology {
			if _, err := ch.QueueDeclare(string(q.Name), true, false, false, false, q.args()); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.Name, err)
			}
			if err := ch.QueueBind(string(q.Name), string(q.RoutingKey), string(q.Exchange), false, nil); err != nil {
				return fmt.Errorf("bind %s to %s: %w", q.Name, q.Exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo описывает топологию для логов.
func TopologyInfo() string {
	var b strings.Builder
	for _, ex := range exchanges() {
		fmt.Fprintf(&b, "%s (direct)\n", ex)
		for _, q := range Topology {
			if q.Exchange != ex {
				continue
			}
			fmt.Fprintf(&b, "  %s [routing: %s] consumer: %s", q.Name, q.RoutingKey, q.Consumer)
			if q.DeadLetterKey != "" {
				fmt.Fprintf(&b, ", dlq: %s", q.DeadLetterKey)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "resumeflow"

var (
	// RunsSubmitted — запросы на запуск по исходу (ACCEPTED/DUPLICATE/REJECTED_INVALID_INPUT).
	RunsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_submitted_total",
		Help:      "Start requests by outcome",
	}, []string{"outcome"})

	// RunsFinished — завершённые run по финальному статусу.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_finished_total",
		Help:      "Runs that reached a terminal status",
	}, []string{"status"})

	// RunDuration — длительность run от RUNNING до финального статуса.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Run wall-clock duration",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900},
	}, []string{"status"})

	// StageAttempts — попытки выполнения стадий по исходу.
	StageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_attempts_total",
		Help:      "Stage executor attempts by outcome",
	}, []string{"stage", "outcome"})

	// StageDuration — длительность стадий (все попытки вместе).
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Stage duration including retries",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage", "status"})

	// SubmissionsThrottled — запуски, отклонённые ограничителем частоты.
	SubmissionsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_throttled_total",
		Help:      "Start requests rejected by the per-session submit guard",
	})

	// MessagesPublished — публикации в RabbitMQ по типу сообщения и исходу.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mq_messages_published_total",
		Help:      "Messages published to RabbitMQ by type and outcome",
	}, []string{"type", "outcome"})

	// MessagesConsumed — обработанные доставки по очереди и исходу (ack/requeue/reject).
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mq_messages_consumed_total",
		Help:      "Deliveries handled by consumers by queue and outcome",
	}, []string{"queue", "outcome"})

	// HTTPRequests — HTTP запросы API по шаблону маршрута ("GET /api/v1/runs/{id}") и коду ответа.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_http_requests_total",
		Help:      "HTTP requests handled by the API",
	}, []string{"route", "status"})
)

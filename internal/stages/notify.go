package stages

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/executor"
	"github.com/shaiso/resumeflow/internal/mq"
)

// OperationNotify — имя операции уведомления.
const OperationNotify = "notify"

// NotificationPublisher публикует уведомления (mq.Publisher).
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, payload mq.NotificationPayload) error
}

// NotifyOperation публикует уведомление о готовых результатах.
//
// Вход:
//
//	{"recipient": "jane@example.com", "summary": {<выход merge_results>}}
//
// Без получателя или без публикатора уведомление не отправляется,
// и стадия успешна с "sent": false.
type NotifyOperation struct {
	publisher NotificationPublisher
}

// NewNotifyOperation создаёт NotifyOperation.
func NewNotifyOperation(publisher NotificationPublisher) *NotifyOperation {
	return &NotifyOperation{publisher: publisher}
}

// Invoke отправляет уведомление.
func (o *NotifyOperation) Invoke(ctx context.Context, req *executor.Request) (map[string]any, error) {
	recipient := strings.TrimSpace(getString(req.Input, "recipient"))
	if recipient == "" {
		return map[string]any{"sent": false, "message": "no recipient configured"}, nil
	}
	if o.publisher == nil {
		return map[string]any{"sent": false, "message": "notifications are disabled"}, nil
	}

	summary := getMap(req.Input, "summary")
	payload := mq.NotificationPayload{
		RunID:     req.RunID,
		Recipient: recipient,
		Subject:   NotificationSubject(summary),
		Body:      notificationBody(req.RunID, summary),
		Summary:   summary,
	}

	if err := o.publisher.PublishNotification(ctx, payload); err != nil {
		return nil, classifyTransport(ctx, fmt.Errorf("publish notification: %w", err))
	}

	return map[string]any{
		"sent":      true,
		"recipient": recipient,
		"subject":   payload.Subject,
	}, nil
}

// NotificationSubject возвращает тему уведомления.
func NotificationSubject(summary map[string]any) string {
	return fmt.Sprintf("Resume analysis complete - %s%% fit", formatScore(summary, domain.SummaryFitScore))
}

func notificationBody(runID string, summary map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Resume analysis complete\n\n")
	fmt.Fprintf(&sb, "Run ID: %s\n\n", runID)
	sb.WriteString("Results summary:\n")
	fmt.Fprintf(&sb, "- Job fit score: %s%%\n", formatScore(summary, domain.SummaryFitScore))
	fmt.Fprintf(&sb, "- ATS compatibility: %s%%\n", formatScore(summary, domain.SummaryATSScore))
	fmt.Fprintf(&sb, "- Overall rating: %s/10\n\n", formatScore(summary, domain.SummaryOverallRating))
	sb.WriteString("Your tailored résumé and cover letter are ready for download.\n")
	return sb.String()
}

func formatScore(summary map[string]any, key string) string {
	v, _ := getFloat(summary, key)
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package stages

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shaiso/resumeflow/internal/domain"
)

// Поля мягкого отказа в ответе коллаборатора.
const (
	fieldStatusCode = "statusCode"
	fieldError      = "error"
)

// HTTPError — ответ коллаборатора с кодом ошибки.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

// Error реализует интерфейс error.
func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Status, e.Body)
}

// retryableStatus возвращает true для кодов, после которых запрос
// стоит повторить.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// classifyStatus превращает код ответа в классифицированную ошибку.
// Для 2xx/3xx возвращает nil.
func classifyStatus(code int, status, body string) error {
	if code < 400 {
		return nil
	}
	err := &HTTPError{StatusCode: code, Status: status, Body: truncate(body, 512)}
	if retryableStatus(code) {
		return domain.Transient(err)
	}
	return domain.Permanent(err)
}

// classifyTransport классифицирует ошибку клиента: сетевые ошибки и
// таймауты повторяемы. Ошибка ctx возвращается как есть, её
// классифицирует исполнитель.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return domain.Transient(err)
}

// softFailure проверяет выход на мягкий отказ: statusCode ≥ 400
// или непустое поле error.
func softFailure(out map[string]any) error {
	code, hasCode := getFloat(out, fieldStatusCode)

	var message string
	if v, ok := out[fieldError]; ok && v != nil {
		message = fmt.Sprint(v)
	}

	switch {
	case hasCode && code >= 500:
		return domain.Transientf("collaborator reported status %d: %s", int(code), message)
	case hasCode && code >= 400:
		return domain.Permanentf("collaborator reported status %d: %s", int(code), message)
	case message != "":
		return domain.Permanentf("collaborator reported error: %s", message)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

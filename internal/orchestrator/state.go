package orchestrator

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shaiso/resumeflow/internal/domain"
)

// maxRunIDLength — максимальная длина ID run.
const maxRunIDLength = 128

// StartResult — исход запроса на запуск.
type StartResult string

const (
	// StartAccepted — run создан и поставлен на выполнение.
	StartAccepted StartResult = "ACCEPTED"

	// StartDuplicate — run с таким ID и входом уже есть; повтор безопасен.
	StartDuplicate StartResult = "DUPLICATE"

	// StartRejected — ID или вход недопустимы.
	StartRejected StartResult = "REJECTED_INVALID_INPUT"
)

// StartRequest — запрос на запуск run.
type StartRequest struct {
	RunID     string
	SessionID string
	Input     map[string]any

	// Admit вызывается только для нового run, после проверок входа и
	// поиска повтора. Ошибка отменяет запуск и возвращается из StartRun
	// как есть. nil — без ограничений.
	Admit func() error
}

// StartResponse — ответ на запуск.
type StartResponse struct {
	RunID  string           `json:"run_id"`
	Result StartResult      `json:"result"`
	Status domain.RunStatus `json:"status,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// Description — состояние run для клиента.
type Description struct {
	RunID        string             `json:"run_id"`
	SessionID    string             `json:"session_id,omitempty"`
	Status       domain.RunStatus   `json:"status"`
	CurrentStage string             `json:"current_stage,omitempty"`
	Output       map[string]any     `json:"output,omitempty"`
	Error        *domain.StageError `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
}

// describe строит Description из снимка run.
func describe(run *domain.Run) *Description {
	d := &Description{
		RunID:        run.ID,
		SessionID:    run.SessionID,
		Status:       run.Status,
		CurrentStage: run.CurrentStage,
		Error:        run.Error,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
	if run.Status == domain.RunStatusSucceeded {
		d.Output = run.Output
	}
	return d
}

// ValidateRunID проверяет ID run: непустой, до 128 символов,
// без "/", ".." и пробельных или управляющих символов.
func ValidateRunID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidRunID)
	case len(id) > maxRunIDLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidRunID, maxRunIDLength)
	case strings.Contains(id, "/"), strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidRunID, id)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidRunID, id)
		}
	}
	return nil
}

// SweepStats — итог одного прохода Sweep.
type SweepStats struct {
	Redispatched int
	TimedOut     int
}

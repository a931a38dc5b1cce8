package domain

import (
	"time"

	"github.com/google/uuid"
)

// StageResult — итог выполнения одной стадии одного run.
//
// Создаётся, когда исполнитель шага завершил работу (успех или
// исчерпание попыток), и больше не меняется. Ветви параллельной
// стадии получают собственные StageResult с Parent = id стадии.
type StageResult struct {
	// ID — уникальный идентификатор результата.
	ID uuid.UUID `json:"id"`

	// RunID — run, которому принадлежит результат.
	RunID string `json:"run_id"`

	// Stage — ID стадии (или ветви).
	Stage string `json:"stage"`

	// Parent — ID параллельной стадии, если это ветвь. Пусто для обычных стадий.
	Parent string `json:"parent,omitempty"`

	// Seq — порядковый номер результата внутри run.
	Seq int `json:"seq"`

	// Status — итог: SUCCEEDED / FAILED / SKIPPED.
	Status StageStatus `json:"status"`

	// Output — сырой выход стадии.
	Output map[string]any `json:"output,omitempty"`

	// Attempts — сколько попыток израсходовано.
	Attempts int `json:"attempts"`

	// ErrorKind — класс ошибки для FAILED.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Error — текст ошибки для FAILED.
	Error string `json:"error,omitempty"`

	// StartedAt / FinishedAt — границы выполнения.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewStageResult создаёт результат стадии.
func NewStageResult(runID, stage string) *StageResult {
	return &StageResult{
		ID:    uuid.New(),
		RunID: runID,
		Stage: stage,
	}
}

// Succeeded возвращает true для успешной стадии.
func (r *StageResult) Succeeded() bool {
	return r.Status == StageStatusSucceeded
}

// Failed возвращает true для упавшей стадии.
func (r *StageResult) Failed() bool {
	return r.Status == StageStatusFailed
}

// Duration возвращает продолжительность выполнения.
func (r *StageResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// AsStageError превращает упавший результат в описание ошибки для клиента.
func (r *StageResult) AsStageError() *StageError {
	if !r.Failed() {
		return nil
	}
	return &StageError{
		Stage:   r.Stage,
		Kind:    r.ErrorKind,
		Message: r.Error,
	}
}

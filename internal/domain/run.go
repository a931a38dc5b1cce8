package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Run — один сквозной прогон pipeline для одного входа.
//
// Run создаётся при приёме запроса на запуск (статус PENDING) и
// меняется только оркестратором: по одной стадии за шаг. После
// перехода в финальный статус Run больше не меняется.
//
// ID выбирает клиент, он же служит ключом идемпотентности:
// повторный запуск с тем же ID не создаёт второго выполнения.
type Run struct {
	// ID — непрозрачный идентификатор run (например, "job-1700000000000").
	ID string `json:"id"`

	// SessionID — идентификатор клиентской сессии (вторичный индекс результатов).
	SessionID string `json:"session_id,omitempty"`

	// Pipeline — имя и версия определения pipeline.
	Pipeline        string `json:"pipeline"`
	PipelineVersion int    `json:"pipeline_version"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// CurrentStage — стадия, которая выполняется или будет выполнена следующей.
	// Для завершённого run — последняя выполнявшаяся стадия.
	CurrentStage string `json:"current_stage,omitempty"`

	// StageIndex — индекс следующей стадии в PipelineSpec.Stages.
	StageIndex int `json:"stage_index"`

	// Input — начальный контекст, переданный при запуске.
	Input map[string]any `json:"input"`

	// InputHash — хэш Input для проверки повторных запусков.
	InputHash string `json:"input_hash"`

	// Context — накопленные выходы стадий.
	Context RunContext `json:"context"`

	// Output — итоговый результат (только для SUCCEEDED).
	Output map[string]any `json:"output,omitempty"`

	// Error — описание ошибки (FAILED / TIMED_OUT).
	Error *StageError `json:"error,omitempty"`

	// Deadline — момент, после которого run считается TIMED_OUT.
	// Фиксируется при переходе в RUNNING.
	Deadline *time.Time `json:"deadline,omitempty"`

	// StartedAt — время перехода в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время перехода в финальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время приёма запроса.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`

	// Revision — номер ревизии для оптимистичной блокировки.
	Revision int `json:"revision"`
}

// NewRun создаёт run в статусе PENDING.
func NewRun(id, sessionID string, input map[string]any, now time.Time) (*Run, error) {
	hash, err := HashInput(input)
	if err != nil {
		return nil, err
	}
	return &Run{
		ID:        id,
		SessionID: sessionID,
		Status:    RunStatusPending,
		Input:     input,
		InputHash: hash,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// HashInput вычисляет хэш начального контекста.
// encoding/json сортирует ключи map, поэтому хэш не зависит от порядка полей.
func HashInput(input map[string]any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// Expired проверяет, истёк ли общий лимит времени run.
func (r *Run) Expired(now time.Time) bool {
	return r.Deadline != nil && !now.Before(*r.Deadline)
}

// Clone возвращает копию run. Выходы стадий в Context не копируются:
// они неизменяемы после записи.
func (r *Run) Clone() *Run {
	c := *r
	c.Input = maps.Clone(r.Input)
	c.Output = maps.Clone(r.Output)
	c.Context = NewRunContext(r.Context.entries...)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

func (r *Run) transition(next RunStatus, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = now
	if next.IsTerminal() {
		r.FinishedAt = &now
	}
	return nil
}

// MarkRunning переводит run в RUNNING и фиксирует deadline.
func (r *Run) MarkRunning(now time.Time, timeout time.Duration) error {
	if err := r.transition(RunStatusRunning, now); err != nil {
		return err
	}
	deadline := now.Add(timeout)
	r.StartedAt = &now
	r.Deadline = &deadline
	return nil
}

// MarkSucceeded переводит run в SUCCEEDED с итоговым результатом.
func (r *Run) MarkSucceeded(now time.Time, output map[string]any) error {
	if err := r.transition(RunStatusSucceeded, now); err != nil {
		return err
	}
	r.Output = output
	return nil
}

// MarkFailed переводит run в FAILED с ошибкой стадии.
func (r *Run) MarkFailed(now time.Time, stageErr *StageError) error {
	if err := r.transition(RunStatusFailed, now); err != nil {
		return err
	}
	r.Error = stageErr
	return nil
}

// MarkTimedOut переводит run в TIMED_OUT.
func (r *Run) MarkTimedOut(now time.Time, stage string) error {
	if err := r.transition(RunStatusTimedOut, now); err != nil {
		return err
	}
	r.Error = &StageError{
		Stage:   stage,
		Kind:    ErrorKindRunTimeout,
		Message: "run timeout exceeded",
	}
	return nil
}

package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind — класс ошибки стадии или run.
type ErrorKind string

const (
	// ErrorKindTransient — временная ошибка шага, можно повторить.
	ErrorKindTransient ErrorKind = "TRANSIENT_STEP_FAILURE"

	// ErrorKindPermanent — постоянная ошибка шага, повтор бессмысленен.
	ErrorKindPermanent ErrorKind = "PERMANENT_STEP_FAILURE"

	// ErrorKindStageTimeout — шаг превысил свой timeout.
	ErrorKindStageTimeout ErrorKind = "STAGE_TIMEOUT"

	// ErrorKindRunTimeout — run превысил общий лимит времени. Не повторяется.
	ErrorKindRunTimeout ErrorKind = "RUN_TIMEOUT"

	// ErrorKindDuplicateSubmission — повторный запуск того же run. Не ошибка.
	ErrorKindDuplicateSubmission ErrorKind = "DUPLICATE_SUBMISSION"

	// ErrorKindPollBudgetExhausted — клиент перестал опрашивать статус.
	ErrorKindPollBudgetExhausted ErrorKind = "POLL_BUDGET_EXHAUSTED"
)

// DefaultRetryOn — классы ошибок, которые повторяются по умолчанию.
var DefaultRetryOn = []ErrorKind{ErrorKindTransient, ErrorKindStageTimeout}

// IsValid проверяет, что класс ошибки известен.
func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrorKindTransient, ErrorKindPermanent, ErrorKindStageTimeout,
		ErrorKindRunTimeout, ErrorKindDuplicateSubmission, ErrorKindPollBudgetExhausted:
		return true
	default:
		return false
	}
}

// CanRetry возвращает true, если класс в принципе допускает повтор.
// RUN_TIMEOUT и PERMANENT не повторяются ни при какой политике.
func (k ErrorKind) CanRetry() bool {
	return k == ErrorKindTransient || k == ErrorKindStageTimeout
}

// StepError — классифицированная ошибка выполнения стадии.
//
// Коллабораторы стадий возвращают StepError через Transient/Permanent;
// неклассифицированные ошибки считаются постоянными.
type StepError struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

// Error реализует интерфейс error.
func (e *StepError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: stage %s: %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap возвращает исходную ошибку.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Transient оборачивает err как временную ошибку.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Kind: ErrorKindTransient, Message: err.Error(), Err: err}
}

// Transientf создаёт временную ошибку по формату.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanent оборачивает err как постоянную ошибку.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Kind: ErrorKindPermanent, Message: err.Error(), Err: err}
}

// Permanentf создаёт постоянную ошибку по формату.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// KindOf определяет класс ошибки.
//
// Порядок: явный StepError → context.DeadlineExceeded (STAGE_TIMEOUT)
// → всё остальное PERMANENT.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindStageTimeout
	}
	return ErrorKindPermanent
}

// IsTransient — сокращение для KindOf(err) == TRANSIENT.
func IsTransient(err error) bool {
	return KindOf(err) == ErrorKindTransient
}

// StageError — описание ошибки run для клиента: какая стадия и что случилось.
type StageError struct {
	Stage   string    `json:"stage"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message"`
}

// Error реализует интерфейс error.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Message)
}

var (
	// ErrInvalidTransition — недопустимый переход статуса run.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStageAlreadyRecorded — результат стадии уже записан в контекст.
	ErrStageAlreadyRecorded = errors.New("stage already recorded in context")
)

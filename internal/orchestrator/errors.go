package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidRunID — недопустимый ID run.
	ErrInvalidRunID = errors.New("invalid run id")

	// ErrInvalidInput — начальный контекст не прошёл проверку.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRunIDConflict — ID run уже использован с другим входом.
	ErrRunIDConflict = errors.New("run id already used with different input")

	// ErrRunAlreadyActive — run уже обрабатывается в этом процессе.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// errStepDropped — шаг не сохранён: run уже изменил другой исполнитель.
var errStepDropped = errors.New("step dropped: run advanced concurrently")

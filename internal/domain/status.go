package domain

// RunStatus — статус выполнения pipeline run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ FAILED
//	                  ↘ TIMED_OUT
//
// Переходы только вперёд, из финального статуса выхода нет.
type RunStatus string

const (
	// RunStatusPending — run принят, но ещё не начал выполняться.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — run в процессе выполнения.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded — все стадии завершены успешно.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — одна из стадий завершилась с ошибкой.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusTimedOut — превышен общий лимит времени run.
	RunStatusTimedOut RunStatus = "TIMED_OUT"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус известен.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет, допустим ли переход s → next.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning
	case RunStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// StageStatus — итоговое состояние стадии (StageResult).
type StageStatus string

const (
	// StageStatusSucceeded — стадия вернула результат.
	StageStatusSucceeded StageStatus = "SUCCEEDED"

	// StageStatusFailed — стадия упала (после всех retry или без них).
	StageStatusFailed StageStatus = "FAILED"

	// StageStatusSkipped — условие when не выполнилось, стадия не запускалась.
	StageStatusSkipped StageStatus = "SKIPPED"
)

// IsTerminal возвращает true для любого известного статуса стадии.
// StageResult создаётся только по завершении, промежуточных статусов нет.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusSucceeded, StageStatusFailed, StageStatusSkipped:
		return true
	default:
		return false
	}
}

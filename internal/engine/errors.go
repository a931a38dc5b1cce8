package engine

import "errors"

// Ошибки валидации PipelineSpec.
var (
	// ErrEmptyStages — pipeline не содержит стадий.
	ErrEmptyStages = errors.New("pipeline spec has no stages")

	// ErrEmptyStageID — стадия не имеет ID.
	ErrEmptyStageID = errors.New("stage has empty ID")

	// ErrDuplicateStageID — несколько стадий с одинаковым ID.
	ErrDuplicateStageID = errors.New("duplicate stage ID")

	// ErrReservedStageID — ID совпадает с зарезервированным ключом контекста.
	ErrReservedStageID = errors.New("reserved stage ID")

	// ErrUnknownStageType — неизвестный тип стадии.
	ErrUnknownStageType = errors.New("unknown stage type")

	// ErrUnknownOperation — операция не зарегистрирована.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrMissingDependency — стадия зависит от несуществующей стадии.
	ErrMissingDependency = errors.New("stage depends on unknown stage")

	// ErrForwardDependency — стадия зависит от стадии, объявленной позже.
	ErrForwardDependency = errors.New("stage depends on a later stage")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrSelfDependency — стадия зависит от самой себя.
	ErrSelfDependency = errors.New("stage depends on itself")

	// ErrInvalidTimeout — отрицательный таймаут.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidRetryPolicy — некорректная политика повторов.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrInvalidExpression — не компилируется jq-путь или условие when.
	ErrInvalidExpression = errors.New("invalid expression")
)

// Ошибки parallel стадий.
var (
	// ErrTooFewBranches — у parallel стадии меньше двух ветвей.
	ErrTooFewBranches = errors.New("parallel stage needs at least two branches")

	// ErrNestedParallel — ветвь сама является parallel стадией.
	ErrNestedParallel = errors.New("nested parallel stages are not supported")
)

// Ошибки выполнения.
var (
	// ErrProjection — не удалось построить вход стадии из контекста.
	ErrProjection = errors.New("input projection failed")

	// ErrCondition — не удалось вычислить условие when.
	ErrCondition = errors.New("condition evaluation failed")

	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Stage   string // ID стадии, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Stage != "" {
		return "stage " + e.Stage + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stage, field, message string, err error) *ValidationError {
	return &ValidationError{
		Stage:   stage,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

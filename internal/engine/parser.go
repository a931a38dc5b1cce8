package engine

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/resumeflow/internal/domain"
)

// Допустимые типы стадий.
var validStageTypes = map[string]bool{
	domain.StageTypeTask:     true,
	domain.StageTypeParallel: true,
}

// LoadSpec читает определение pipeline из YAML-файла.
func LoadSpec(path string) (*domain.PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return ParseSpec(data)
}

// ParseSpec разбирает YAML и нормализует значения по умолчанию.
// Неизвестные поля считаются ошибкой.
func ParseSpec(data []byte) (*domain.PipelineSpec, error) {
	var spec domain.PipelineSpec

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse pipeline spec: %w", err)
	}

	Normalize(&spec)
	return &spec, nil
}

// Normalize заполняет значения по умолчанию: тип стадии, политики retry.
//
// Стадии без своей политики получают указатель на общую политику
// из defaults, поэтому политика разделяется всеми run.
func Normalize(spec *domain.PipelineSpec) {
	if spec.Defaults == nil {
		spec.Defaults = &domain.StageDefaults{}
	}
	if spec.Defaults.Retry == nil {
		spec.Defaults.Retry = domain.DefaultRetryPolicy()
	}
	normalizeRetry(spec.Defaults.Retry)

	for i := range spec.Stages {
		normalizeStage(&spec.Stages[i], spec.Defaults.Retry)
	}
}

func normalizeStage(stage *domain.StageDef, defaultRetry *domain.RetryPolicy) {
	if stage.Type == "" {
		stage.Type = domain.StageTypeTask
	}
	if stage.Retry == nil {
		stage.Retry = defaultRetry
	} else {
		normalizeRetry(stage.Retry)
	}
	for i := range stage.Branches {
		normalizeStage(&stage.Branches[i], defaultRetry)
	}
}

func normalizeRetry(p *domain.RetryPolicy) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffRate == 0 {
		p.BackoffRate = 1
	}
	if p.RetryOn == nil {
		p.RetryOn = append([]domain.ErrorKind(nil), domain.DefaultRetryOn...)
	}
}

// Validate выполняет полную валидацию PipelineSpec.
//
// known — проверка, что операция зарегистрирована (nil — не проверять).
//
// Проверяет:
//   - Наличие стадий и уникальность ID (включая ветви)
//   - Типы стадий и операции
//   - Зависимости (только на ранее объявленные стадии, без циклов)
//   - Ветви parallel стадий
//   - Таймауты и политики retry
func Validate(spec *domain.PipelineSpec, known func(operation string) bool) error {
	if spec == nil || len(spec.Stages) == 0 {
		return ErrEmptyStages
	}
	if spec.RunTimeoutSec < 0 {
		return NewValidationError("", "run_timeout_sec", "negative run timeout", ErrInvalidTimeout)
	}

	ids := make(map[string]bool)

	for i := range spec.Stages {
		stage := &spec.Stages[i]

		if err := ValidateStage(stage, ids, known); err != nil {
			return err
		}

		if stage.IsParallel() {
			if err := validateParallelStage(stage, ids, known); err != nil {
				return err
			}
		}
	}

	if _, err := BuildGraph(spec); err != nil {
		return err
	}

	return nil
}

// ValidateStage валидирует одну стадию.
// ids — уже встреченные ID (для проверки уникальности).
func ValidateStage(stage *domain.StageDef, ids map[string]bool, known func(string) bool) error {
	if stage.ID == "" {
		return NewValidationError("", "id", "stage has empty ID", ErrEmptyStageID)
	}
	if stage.ID == domain.ContextKeyInput {
		return NewValidationError(stage.ID, "id",
			fmt.Sprintf("stage ID %q is reserved", stage.ID), ErrReservedStageID)
	}
	if ids[stage.ID] {
		return NewValidationError(stage.ID, "id",
			fmt.Sprintf("duplicate stage ID: %s", stage.ID), ErrDuplicateStageID)
	}
	ids[stage.ID] = true

	stageType := stage.Type
	if stageType == "" {
		stageType = domain.StageTypeTask
	}
	if !validStageTypes[stageType] {
		return NewValidationError(stage.ID, "type",
			fmt.Sprintf("unknown stage type: %s", stage.Type), ErrUnknownStageType)
	}

	if stageType == domain.StageTypeTask {
		if stage.Operation == "" {
			return NewValidationError(stage.ID, "operation",
				"task stage has no operation", ErrUnknownOperation)
		}
		if known != nil && !known(stage.Operation) {
			return NewValidationError(stage.ID, "operation",
				fmt.Sprintf("unknown operation: %s", stage.Operation), ErrUnknownOperation)
		}
	}

	if stage.TimeoutSec < 0 {
		return NewValidationError(stage.ID, "timeout_sec",
			"negative timeout", ErrInvalidTimeout)
	}

	if stage.Retry != nil {
		if err := validateRetry(stage.ID, stage.Retry); err != nil {
			return err
		}
	}

	for name, path := range stage.Inputs {
		if _, err := compileQuery(path); err != nil {
			return NewValidationError(stage.ID, "inputs."+name,
				fmt.Sprintf("invalid input path %q: %v", path, err), ErrInvalidExpression)
		}
	}

	if stage.When != "" {
		if _, err := compileCondition(stage.When); err != nil {
			return NewValidationError(stage.ID, "when",
				fmt.Sprintf("invalid condition %q: %v", stage.When, err), ErrInvalidExpression)
		}
	}

	return nil
}

func validateRetry(stageID string, p *domain.RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return NewValidationError(stageID, "retry.max_attempts",
			"max_attempts must be at least 1", ErrInvalidRetryPolicy)
	}
	if p.IntervalMs < 0 {
		return NewValidationError(stageID, "retry.interval_ms",
			"negative interval", ErrInvalidRetryPolicy)
	}
	if p.BackoffRate < 1 {
		return NewValidationError(stageID, "retry.backoff_rate",
			"backoff_rate must be at least 1", ErrInvalidRetryPolicy)
	}
	for _, kind := range p.RetryOn {
		if !kind.CanRetry() {
			return NewValidationError(stageID, "retry.retry_on",
				fmt.Sprintf("error class %s is not retryable", kind), ErrInvalidRetryPolicy)
		}
	}
	return nil
}

// validateParallelStage валидирует parallel стадию и её ветви.
func validateParallelStage(stage *domain.StageDef, ids map[string]bool, known func(string) bool) error {
	if len(stage.Branches) < 2 {
		return NewValidationError(stage.ID, "branches",
			"parallel stage needs at least two branches", ErrTooFewBranches)
	}

	for i := range stage.Branches {
		branch := &stage.Branches[i]

		if branch.IsParallel() {
			return NewValidationError(stage.ID, "branches",
				fmt.Sprintf("branch %s is parallel", branch.ID), ErrNestedParallel)
		}
		if len(branch.DependsOn) > 0 {
			return NewValidationError(branch.ID, "depends_on",
				"branches inherit dependencies from the parallel stage", ErrMissingDependency)
		}

		if err := ValidateStage(branch, ids, known); err != nil {
			return err
		}
	}

	return nil
}

// IsValidStageType проверяет, является ли тип стадии допустимым.
func IsValidStageType(stageType string) bool {
	return validStageTypes[stageType]
}

package domain

import (
	"math"
	"slices"
	"time"
)

// Типы стадий.
const (
	// StageTypeTask — одиночный шаг, выполняется исполнителем.
	StageTypeTask = "task"

	// StageTypeParallel — fan-out/fan-in: ветви выполняются одновременно.
	StageTypeParallel = "parallel"
)

// Значения по умолчанию.
const (
	DefaultRunTimeout   = 15 * time.Minute
	DefaultStageTimeout = 13 * time.Minute
	DefaultMaxAttempts  = 2
	DefaultIntervalMs   = 5000
	DefaultBackoffRate  = 2.0
)

// PipelineSpec — декларативное описание pipeline.
//
// Граф стадий с зависимостями и политиками retry, который
// интерпретирует универсальный движок. Порядок объявления стадий
// и есть порядок выполнения; зависимости только проверяются.
type PipelineSpec struct {
	// Name — имя pipeline (например, "resume-tailor").
	Name string `json:"name" yaml:"name"`

	// Version — версия определения.
	Version int `json:"version" yaml:"version"`

	// Description — описание назначения.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// RunTimeoutSec — общий лимит времени run в секундах.
	RunTimeoutSec int `json:"run_timeout_sec,omitempty" yaml:"run_timeout_sec,omitempty"`

	// Defaults — настройки по умолчанию для всех стадий.
	Defaults *StageDefaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Stages — стадии в порядке выполнения.
	Stages []StageDef `json:"stages" yaml:"stages"`
}

// StageDefaults — настройки по умолчанию для стадий.
type StageDefaults struct {
	Retry      *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutSec int          `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// StageDef — определение стадии.
type StageDef struct {
	// ID — уникальный идентификатор стадии. Под ним выход стадии
	// записывается в контекст run.
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type — "task" (по умолчанию) или "parallel".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Operation — имя операции в реестре исполнителя (для task).
	Operation string `json:"operation,omitempty" yaml:"operation,omitempty"`

	// DependsOn — стадии, чьи выходы нужны этой стадии.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Inputs — проекция входа: имя поля → jq-путь в документе контекста.
	// Например: "parsedJob": ".parse_job.parsedJob".
	Inputs map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// When — условие запуска (выражение expr). Пусто — всегда.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// Config — конфигурация операции (промпт, URL и т.п.).
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// TimeoutSec — таймаут одной попытки. Переопределяет defaults.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`

	// Retry — политика повторов. Переопределяет defaults.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Artifacts — артефакты стадии: имя артефакта → поле выхода.
	// Пишутся в хранилище как {runId}/{artifactName} после успеха стадии.
	Artifacts map[string]string `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	// ContinueOnFailure — падение стадии не роняет run.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`

	// Branches — ветви параллельной стадии (только для type="parallel").
	Branches []StageDef `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// IsParallel возвращает true для fan-out стадии.
func (s *StageDef) IsParallel() bool {
	return s.Type == StageTypeParallel
}

// BranchIDs возвращает ID ветвей в порядке объявления.
func (s *StageDef) BranchIDs() []string {
	ids := make([]string, len(s.Branches))
	for i := range s.Branches {
		ids[i] = s.Branches[i].ID
	}
	return ids
}

// RetryPolicy — политика повторных попыток стадии.
//
// Задержка перед попыткой n+1: interval * backoff_rate^(n-1).
// Политика неизменяема после загрузки pipeline и разделяется всеми run.
type RetryPolicy struct {
	// MaxAttempts — максимум попыток, включая первую.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// IntervalMs — базовая задержка в миллисекундах.
	IntervalMs int `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`

	// BackoffRate — множитель задержки.
	BackoffRate float64 `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`

	// RetryOn — классы ошибок, при которых делается повтор.
	RetryOn []ErrorKind `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// DefaultRetryPolicy — политика для AI-стадий: 2 попытки, 5s, x2.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		IntervalMs:  DefaultIntervalMs,
		BackoffRate: DefaultBackoffRate,
		RetryOn:     slices.Clone(DefaultRetryOn),
	}
}

// Delay возвращает задержку после неудачной попытки attempt (attempt ≥ 1).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	rate := p.BackoffRate
	if rate < 1 {
		rate = 1
	}
	ms := float64(p.IntervalMs) * math.Pow(rate, float64(attempt-1))
	return time.Duration(ms * float64(time.Millisecond))
}

// ShouldRetry проверяет, повторяется ли ошибка класса kind.
func (p *RetryPolicy) ShouldRetry(kind ErrorKind) bool {
	if !kind.CanRetry() {
		return false
	}
	return slices.Contains(p.RetryOn, kind)
}

// CanRetry проверяет, остались ли попытки после attempt.
func (p *RetryPolicy) CanRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// RunTimeout возвращает общий лимит времени run.
func (s *PipelineSpec) RunTimeout() time.Duration {
	if s.RunTimeoutSec > 0 {
		return time.Duration(s.RunTimeoutSec) * time.Second
	}
	return DefaultRunTimeout
}

// StageTimeout возвращает таймаут одной попытки стадии.
func (s *PipelineSpec) StageTimeout(stage *StageDef) time.Duration {
	if stage.TimeoutSec > 0 {
		return time.Duration(stage.TimeoutSec) * time.Second
	}
	if s.Defaults != nil && s.Defaults.TimeoutSec > 0 {
		return time.Duration(s.Defaults.TimeoutSec) * time.Second
	}
	return DefaultStageTimeout
}

// RetryFor возвращает политику повторов стадии: своя → defaults → встроенная.
func (s *PipelineSpec) RetryFor(stage *StageDef) *RetryPolicy {
	if stage.Retry != nil {
		return stage.Retry
	}
	if s.Defaults != nil && s.Defaults.Retry != nil {
		return s.Defaults.Retry
	}
	return DefaultRetryPolicy()
}

// StageIndex возвращает индекс стадии верхнего уровня по ID (-1, если нет).
func (s *PipelineSpec) StageIndex(id string) int {
	for i := range s.Stages {
		if s.Stages[i].ID == id {
			return i
		}
	}
	return -1
}

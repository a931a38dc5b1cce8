package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/engine"
	"github.com/shaiso/resumeflow/internal/telemetry"
)

// OutputKeyArtifacts — поле выхода стадии с ключами записанных артефактов.
const OutputKeyArtifacts = "artifacts"

// StageExecutor — исполнитель одной task-стадии (executor.Executor).
type StageExecutor interface {
	Execute(ctx context.Context, runID string, stage *engine.Stage, input map[string]any) (*domain.StageResult, error)
}

// Outcome — итог выполнения стадии.
type Outcome struct {
	// Stage — ID стадии верхнего уровня.
	Stage string

	// Status — SUCCEEDED / FAILED / SKIPPED.
	Status domain.StageStatus

	// Output — запись для контекста (только для SUCCEEDED).
	Output map[string]any

	// Results — StageResult для записи: ветви в порядке объявления, затем сама стадия.
	Results []*domain.StageResult

	// Failure — результат, из-за которого стадия упала (ветвь для fan-out).
	Failure *domain.StageResult
}

// Succeeded возвращает true для успешной стадии.
func (o *Outcome) Succeeded() bool {
	return o.Status == domain.StageStatusSucceeded
}

// Skipped возвращает true для пропущенной стадии.
func (o *Outcome) Skipped() bool {
	return o.Status == domain.StageStatusSkipped
}

// Config — конфигурация Runner.
type Config struct {
	Executor  StageExecutor
	Artifacts artifact.Store
	Logger    *slog.Logger
	Now       func() time.Time
}

// Runner выполняет стадии.
type Runner struct {
	exec      StageExecutor
	artifacts artifact.Store
	logger    *slog.Logger
	now       func() time.Time
}

// New создаёт Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		exec:      cfg.Executor,
		artifacts: cfg.Artifacts,
		logger:    logger.With("component", "runner"),
		now:       now,
	}
}

// Run выполняет стадию против снимка контекста rc.
//
// rc не изменяется: новую запись контекста вызывающий добавляет сам
// через Apply. Ошибка возвращается, только если выполнение прервано
// извне; такую стадию нужно выполнить заново.
func (r *Runner) Run(ctx context.Context, runID string, input map[string]any, rc domain.RunContext, stage *engine.Stage) (*Outcome, error) {
	doc := rc.Document(input)
	logger := telemetry.WithStage(telemetry.WithRunID(r.logger, runID), stage.ID())

	run, err := stage.ShouldRun(doc)
	if err != nil {
		res := r.failed(runID, stage, domain.ErrorKindPermanent, err.Error())
		return failedOutcome(stage.ID(), res, res), nil
	}
	if !run {
		logger.Info("stage skipped", "when", stage.Def.When)
		res := domain.NewStageResult(runID, stage.ID())
		res.Status = domain.StageStatusSkipped
		res.StartedAt = r.now()
		res.FinishedAt = res.StartedAt
		return &Outcome{
			Stage:   stage.ID(),
			Status:  domain.StageStatusSkipped,
			Results: []*domain.StageResult{res},
		}, nil
	}

	if stage.IsParallel() {
		return r.fanOut(ctx, runID, doc, stage)
	}

	res, err := r.task(ctx, runID, doc, stage)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return failedOutcome(stage.ID(), res, res), nil
	}

	if err := r.writeArtifacts(ctx, runID, stage, res); err != nil {
		return nil, err
	}
	if res.Failed() {
		return failedOutcome(stage.ID(), res, res), nil
	}

	return &Outcome{
		Stage:   stage.ID(),
		Status:  domain.StageStatusSucceeded,
		Output:  res.Output,
		Results: []*domain.StageResult{res},
	}, nil
}

// task проецирует вход и вызывает исполнитель.
func (r *Runner) task(ctx context.Context, runID string, doc map[string]any, stage *engine.Stage) (*domain.StageResult, error) {
	input, err := stage.Input(doc)
	if err != nil {
		return r.failed(runID, stage, domain.ErrorKindPermanent, err.Error()), nil
	}
	return r.exec.Execute(ctx, runID, stage, input)
}

// failed создаёт FAILED результат без вызова операции.
func (r *Runner) failed(runID string, stage *engine.Stage, kind domain.ErrorKind, message string) *domain.StageResult {
	res := domain.NewStageResult(runID, stage.ID())
	res.Parent = stage.Parent
	res.Status = domain.StageStatusFailed
	res.ErrorKind = kind
	res.Error = message
	res.StartedAt = r.now()
	res.FinishedAt = res.StartedAt
	return res
}

// writeArtifacts записывает объявленные артефакты успешной стадии и
// добавляет их ключи в выход под "artifacts". Ошибка записи переводит
// результат в FAILED.
func (r *Runner) writeArtifacts(ctx context.Context, runID string, stage *engine.Stage, res *domain.StageResult) error {
	if len(stage.Def.Artifacts) == 0 {
		return nil
	}

	fail := func(kind domain.ErrorKind, format string, args ...any) {
		res.Status = domain.StageStatusFailed
		res.ErrorKind = kind
		res.Error = fmt.Sprintf(format, args...)
		res.Output = nil
	}

	if r.artifacts == nil {
		fail(domain.ErrorKindPermanent, "artifact store is not configured")
		return nil
	}

	keys := make(map[string]any, len(stage.Def.Artifacts))
	for _, name := range sortedKeys(stage.Def.Artifacts) {
		field := stage.Def.Artifacts[name]

		value, ok := res.Output[field]
		if !ok || value == nil {
			fail(domain.ErrorKindPermanent, "artifact %s: output field %q is missing", name, field)
			return nil
		}
		data, err := artifactBytes(value)
		if err != nil {
			fail(domain.ErrorKindPermanent, "artifact %s: %v", name, err)
			return nil
		}

		key, err := artifact.Key(runID, name)
		if err != nil {
			fail(domain.ErrorKindPermanent, "artifact %s: %v", name, err)
			return nil
		}

		if err := r.artifacts.Put(ctx, key, data, artifact.ContentTypeFor(name)); err != nil {
			if ctx.Err() != nil && !isDeadline(ctx.Err()) {
				return ctx.Err()
			}
			fail(domain.ErrorKindTransient, "artifact %s: %v", name, err)
			return nil
		}
		keys[name] = key
	}

	output := maps.Clone(res.Output)
	output[OutputKeyArtifacts] = keys
	res.Output = output
	return nil
}

func artifactBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.MarshalIndent(v, "", "  ")
	}
}

func failedOutcome(stage string, failure *domain.StageResult, results ...*domain.StageResult) *Outcome {
	return &Outcome{
		Stage:   stage,
		Status:  domain.StageStatusFailed,
		Results: results,
		Failure: failure,
	}
}

// Apply добавляет выход успешной стадии в контекст.
// Для FAILED и SKIPPED стадий контекст не меняется.
func Apply(rc *domain.RunContext, o *Outcome) error {
	if !o.Succeeded() {
		return nil
	}
	return rc.Append(o.Stage, o.Output)
}

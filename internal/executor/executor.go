package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/engine"
	"github.com/shaiso/resumeflow/internal/telemetry"
)

// SleepFunc ждёт d или отмены ctx.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config — конфигурация исполнителя.
type Config struct {
	Registry *Registry
	Logger   *slog.Logger

	// Sleep — ожидание между попытками. По умолчанию — таймер с учётом ctx.
	Sleep SleepFunc

	// Now — источник времени. По умолчанию time.Now.
	Now func() time.Time
}

// Executor — исполнитель шага.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	sleep    SleepFunc
	now      func() time.Time
}

// New создаёт исполнитель.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	return &Executor{
		registry: registry,
		logger:   logger.With("component", "executor"),
		sleep:    sleep,
		now:      now,
	}
}

// Registry возвращает реестр операций.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute выполняет task-стадию с таймаутом и retry.
//
// Возвращает StageResult (SUCCEEDED или FAILED). Ошибка возвращается
// только если выполнение прервано извне (отмена ctx без истечения
// deadline, например при остановке процесса): результата в этом
// случае нет и стадию нужно выполнить заново.
func (e *Executor) Execute(ctx context.Context, runID string, stage *engine.Stage, input map[string]any) (*domain.StageResult, error) {
	result := domain.NewStageResult(runID, stage.ID())
	result.Parent = stage.Parent
	result.StartedAt = e.now()

	logger := telemetry.WithStage(telemetry.WithRunID(e.logger, runID), stage.ID())

	finish := func(status domain.StageStatus) *domain.StageResult {
		result.Status = status
		result.FinishedAt = e.now()
		telemetry.StageDuration.WithLabelValues(stage.ID(), string(status)).
			Observe(result.Duration().Seconds())
		return result
	}
	fail := func(kind domain.ErrorKind, err error) *domain.StageResult {
		result.ErrorKind = kind
		result.Error = errorMessage(err)
		result.Output = nil
		return finish(domain.StageStatusFailed)
	}

	if stage.Timeout <= 0 {
		return fail(domain.ErrorKindPermanent, ErrInvalidTimeout), nil
	}

	op, err := e.registry.Get(stage.Def.Operation)
	if err != nil {
		return fail(domain.ErrorKindPermanent, err), nil
	}

	config, err := engine.RenderConfig(stage.Def.Config, input)
	if err != nil {
		return fail(domain.ErrorKindPermanent, err), nil
	}

	policy := stage.Retry
	if policy == nil {
		policy = domain.DefaultRetryPolicy()
	}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		output, kind, err := e.attempt(ctx, op, stage, &Request{
			RunID:   runID,
			Stage:   stage.ID(),
			Attempt: attempt,
			Input:   input,
			Config:  config,
		})

		if err == nil {
			telemetry.StageAttempts.WithLabelValues(stage.ID(), "success").Inc()
			logger.Info("stage attempt succeeded", "attempt", attempt)
			result.Output = output
			return finish(domain.StageStatusSucceeded), nil
		}

		telemetry.StageAttempts.WithLabelValues(stage.ID(), string(kind)).Inc()

		// Внешняя отмена (не deadline) — результата нет
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("stage interrupted", "attempt", attempt, "error", ctx.Err())
			return nil, ctx.Err()
		}

		if !policy.ShouldRetry(kind) || !policy.CanRetry(attempt) {
			logger.Warn("stage failed",
				"attempt", attempt,
				"error_kind", kind,
				"error", err,
			)
			return fail(kind, err), nil
		}

		delay := policy.Delay(attempt)
		logger.Info("stage attempt failed, retrying",
			"attempt", attempt,
			"error_kind", kind,
			"error", err,
			"delay", delay,
		)

		if err := e.sleep(ctx, delay); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fail(domain.ErrorKindRunTimeout, fmt.Errorf("run deadline reached while waiting to retry: %w", err)), nil
			}
			return nil, err
		}
	}
}

// attempt выполняет одну попытку и классифицирует её исход.
func (e *Executor) attempt(ctx context.Context, op Operation, stage *engine.Stage, req *Request) (map[string]any, domain.ErrorKind, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, stage.Timeout)
	defer cancel()

	output, err := invokeWithDeadline(attemptCtx, op, req)

	// Deadline run имеет приоритет над всем остальным
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && (err != nil || attemptCtx.Err() != nil) {
		return nil, domain.ErrorKindRunTimeout, fmt.Errorf("run timeout: %w", ctx.Err())
	}

	// Таймаут попытки: даже если операция что-то вернула, это не успех
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if err == nil {
			err = attemptCtx.Err()
		}
		return nil, domain.ErrorKindStageTimeout, fmt.Errorf("stage timeout after %s: %w", stage.Timeout, err)
	}

	if err != nil {
		return nil, domain.KindOf(err), err
	}

	if output == nil {
		output = make(map[string]any)
	}
	return output, "", nil
}

type invocation struct {
	output map[string]any
	err    error
}

// invokeWithDeadline вызывает операцию и не ждёт её дольше deadline ctx.
// Операция, игнорирующая ctx, дорабатывает в фоне; её результат отбрасывается.
func invokeWithDeadline(ctx context.Context, op Operation, req *Request) (map[string]any, error) {
	done := make(chan invocation, 1)
	go func() {
		output, err := invokeSafely(ctx, op, req)
		done <- invocation{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// invokeSafely вызывает операцию, превращая panic в постоянную ошибку.
func invokeSafely(ctx context.Context, op Operation, req *Request) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = domain.Permanentf("operation panicked: %v", r)
		}
	}()
	return op.Invoke(ctx, req)
}

func errorMessage(err error) string {
	if se, ok := err.(*domain.StepError); ok && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

// sleepContext ждёт d с учётом отмены ctx.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

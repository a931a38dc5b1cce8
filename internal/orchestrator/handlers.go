package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/mq"
	"github.com/shaiso/resumeflow/internal/repo"
	"github.com/shaiso/resumeflow/internal/runner"
	"github.com/shaiso/resumeflow/internal/telemetry"
)

// handleRunAdvance обрабатывает сообщение run.advance.
func (o *Orchestrator) handleRunAdvance(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunAdvancePayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.advance payload", "error", err)
		return mq.Reject(err)
	}

	o.logger.Debug("received run.advance event", "run_id", payload.RunID)

	err = o.Advance(ctx, payload.RunID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRunAlreadyActive):
		// Стадию уже выполняет этот процесс; он сам поставит следующий шаг.
		o.logger.Debug("run already active, skipping", "run_id", payload.RunID)
		return nil
	case errors.Is(err, ErrRunNotFound):
		o.logger.Warn("advance for unknown run", "run_id", payload.RunID)
		return mq.Reject(err)
	default:
		o.logger.Error("failed to advance run", "run_id", payload.RunID, "error", err)
		return err
	}
}

// StartRun принимает запрос на запуск run.
//
// Повторный запуск с тем же ID и тем же входом возвращает DUPLICATE и
// не создаёт второго выполнения. Тот же ID с другим входом отклоняется.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*StartResponse, error) {
	logger := telemetry.WithSessionID(telemetry.WithRunID(o.logger, req.RunID), req.SessionID)

	if err := ValidateRunID(req.RunID); err != nil {
		return o.rejected(req.RunID, err), nil
	}
	if o.validate != nil {
		if err := o.validate(req.Input); err != nil {
			return o.rejected(req.RunID, fmt.Errorf("%w: %w", ErrInvalidInput, err)), nil
		}
	}

	run, err := domain.NewRun(req.RunID, req.SessionID, req.Input, o.now())
	if err != nil {
		return o.rejected(req.RunID, fmt.Errorf("%w: %w", ErrInvalidInput, err)), nil
	}
	run.Pipeline = o.pipeline.Name()
	run.PipelineVersion = o.pipeline.Version()

	// Повтор и конфликт ID разбираются до Admit: ограничение частоты
	// касается только новых run.
	if _, err := o.runs.GetByID(ctx, run.ID); err == nil {
		return o.existing(ctx, run)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if req.Admit != nil {
		if err := req.Admit(); err != nil {
			logger.Debug("start request not admitted", "error", err)
			return nil, err
		}
	}

	if err := o.runs.Create(ctx, run); err != nil {
		if !errors.Is(err, repo.ErrAlreadyExists) {
			return nil, fmt.Errorf("create run: %w", err)
		}
		return o.existing(ctx, run)
	}

	logger.Info("run accepted", "pipeline", run.Pipeline, "version", run.PipelineVersion)

	// Потерянную команду подберёт Sweep.
	if err := o.dispatch(ctx, run.ID); err != nil {
		logger.Warn("failed to dispatch first advance", "error", err)
	}

	telemetry.RunsSubmitted.WithLabelValues(string(StartAccepted)).Inc()
	return &StartResponse{
		RunID:  run.ID,
		Result: StartAccepted,
		Status: run.Status,
	}, nil
}

// existing разбирает повторный запуск с занятым ID.
func (o *Orchestrator) existing(ctx context.Context, run *domain.Run) (*StartResponse, error) {
	stored, err := o.runs.GetByID(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("get existing run: %w", err)
	}

	if stored.InputHash != run.InputHash {
		return o.rejected(run.ID, ErrRunIDConflict), nil
	}

	o.logger.Info("duplicate start request", "run_id", run.ID, "status", stored.Status)
	telemetry.RunsSubmitted.WithLabelValues(string(StartDuplicate)).Inc()
	return &StartResponse{
		RunID:  stored.ID,
		Result: StartDuplicate,
		Status: stored.Status,
	}, nil
}

func (o *Orchestrator) rejected(runID string, reason error) *StartResponse {
	o.logger.Info("start request rejected", "run_id", runID, "reason", reason)
	telemetry.RunsSubmitted.WithLabelValues(string(StartRejected)).Inc()
	return &StartResponse{
		RunID:  runID,
		Result: StartRejected,
		Reason: reason.Error(),
	}
}

// Describe возвращает состояние run.
// Читает снимок из хранилища и не ждёт выполняющуюся стадию.
func (o *Orchestrator) Describe(ctx context.Context, runID string) (*Description, error) {
	run, err := o.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return describe(run), nil
}

// StageResults возвращает записанные результаты стадий run по порядку.
func (o *Orchestrator) StageResults(ctx context.Context, runID string) ([]*domain.StageResult, error) {
	if _, err := o.load(ctx, runID); err != nil {
		return nil, err
	}
	results, err := o.runs.ListStageResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	return results, nil
}

// Result возвращает запись индекса результатов run.
func (o *Orchestrator) Result(ctx context.Context, runID string) (*domain.ResultRecord, error) {
	rec, err := o.results.GetByRunID(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return rec, err
}

// SessionResults возвращает записи индекса сессии, новые первыми.
func (o *Orchestrator) SessionResults(ctx context.Context, sessionID string, limit int) ([]*domain.ResultRecord, error) {
	if limit <= 0 {
		limit = o.batchSize
	}
	return o.results.ListBySession(ctx, sessionID, limit)
}

func (o *Orchestrator) load(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := o.runs.GetByID(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Advance продвигает run на один шаг.
//
// Шаг — это перевод PENDING → RUNNING, выполнение одной стадии верхнего
// уровня (task или fan-out) либо завершение run. Результат сохраняется
// с проверкой ревизии; если run уже изменил другой исполнитель,
// Advance ничего не делает. Для завершённого run Advance — no-op, поэтому
// повторная доставка команды безопасна.
func (o *Orchestrator) Advance(ctx context.Context, runID string) error {
	if err := o.addActiveRun(runID); err != nil {
		return err
	}
	defer o.removeActiveRun(runID)

	if err := o.advance(ctx, runID); err != nil && !errors.Is(err, errStepDropped) {
		return err
	}
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, runID string) error {
	run, err := o.load(ctx, runID)
	if err != nil {
		return err
	}
	logger := telemetry.WithRunID(o.logger, run.ID)

	if run.IsFinished() {
		logger.Debug("run already finished, skipping", "status", run.Status)
		return nil
	}

	if run.Status == domain.RunStatusPending {
		return o.startRun(ctx, run)
	}

	if run.Expired(o.now()) {
		return o.timeoutRun(ctx, run)
	}

	if run.StageIndex >= o.pipeline.Len() {
		return o.completeRun(ctx, run)
	}

	stage := o.pipeline.Stage(run.StageIndex)
	logger = telemetry.WithStage(logger, stage.ID())

	if run.Context.Has(stage.ID()) {
		logger.Warn("stage already recorded, moving on")
		return o.save(ctx, run, run.StageIndex+1)
	}

	stageCtx, cancel := context.WithDeadline(ctx, *run.Deadline)
	stopHeartbeat := o.heartbeat(stageCtx, run)
	outcome, err := o.runner.Run(stageCtx, run.ID, run.Input, run.Context, stage)
	stopHeartbeat()
	cancel()
	if err != nil {
		return fmt.Errorf("run stage %s: %w", stage.ID(), err)
	}

	now := o.now()
	switch {
	case outcome.Succeeded():
		if err := runner.Apply(&run.Context, outcome); err != nil {
			return fmt.Errorf("apply stage %s: %w", stage.ID(), err)
		}
		logger.Info("stage succeeded")

	case outcome.Skipped():
		logger.Info("stage skipped")

	case outcome.Failure.ErrorKind == domain.ErrorKindRunTimeout || run.Expired(now):
		logger.Warn("run deadline reached during stage", "failed_stage", outcome.Failure.Stage)
		if err := run.MarkTimedOut(now, outcome.Failure.Stage); err != nil {
			return err
		}

	case stage.Def.ContinueOnFailure:
		logger.Warn("stage failed, continuing",
			"error_kind", outcome.Failure.ErrorKind,
			"error", outcome.Failure.Error,
		)

	default:
		logger.Error("stage failed",
			"failed_stage", outcome.Failure.Stage,
			"error_kind", outcome.Failure.ErrorKind,
			"error", outcome.Failure.Error,
		)
		if err := run.MarkFailed(now, outcome.Failure.AsStageError()); err != nil {
			return err
		}
	}

	if err := o.save(ctx, run, run.StageIndex+1, outcome.Results...); err != nil {
		return err
	}

	if run.IsFinished() {
		o.finished(run)
		return nil
	}
	if run.StageIndex >= o.pipeline.Len() {
		if run.Expired(o.now()) {
			return o.timeoutRun(ctx, run)
		}
		return o.completeRun(ctx, run)
	}
	return o.next(ctx, run)
}

// heartbeat обновляет updated_at run, пока выполняется стадия: Sweep
// считает RUNNING run потерянным, только если его никто не выполняет.
// Возвращённая функция останавливает heartbeat и ждёт его выхода.
func (o *Orchestrator) heartbeat(ctx context.Context, run *domain.Run) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(max(o.staleAfter/2, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.runs.Touch(ctx, run.ID, run.Revision, o.now()); err != nil && ctx.Err() == nil {
					o.logger.Warn("failed to touch run", "run_id", run.ID, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// startRun переводит run в RUNNING и ставит первую стадию.
func (o *Orchestrator) startRun(ctx context.Context, run *domain.Run) error {
	if err := run.MarkRunning(o.now(), o.pipeline.RunTimeout()); err != nil {
		return err
	}
	if err := o.save(ctx, run, 0); err != nil {
		return err
	}

	telemetry.WithRunID(o.logger, run.ID).Info("run started",
		"deadline", run.Deadline,
		"stages", o.pipeline.Len(),
	)
	return o.next(ctx, run)
}

// save сохраняет run с индексом следующей стадии.
// ErrConflict означает, что run уже продвинул другой исполнитель.
func (o *Orchestrator) save(ctx context.Context, run *domain.Run, nextIndex int, results ...*domain.StageResult) error {
	run.StageIndex = nextIndex
	if !run.IsFinished() {
		if next := o.pipeline.Stage(nextIndex); next != nil {
			run.CurrentStage = next.ID()
		}
		run.UpdatedAt = o.now()
	}

	if err := o.runs.Update(ctx, run, results...); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			o.logger.Info("run advanced concurrently, dropping step", "run_id", run.ID)
			return errStepDropped
		}
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// next ставит в очередь следующий Advance.
func (o *Orchestrator) next(ctx context.Context, run *domain.Run) error {
	if err := o.dispatch(ctx, run.ID); err != nil {
		// Run остаётся RUNNING без команды; Sweep вернёт его в работу.
		o.logger.Warn("failed to dispatch next advance", "run_id", run.ID, "error", err)
	}
	return nil
}

// completeRun завершает run после последней стадии.
//
// Сводка стадии слияния пишется в индекс результатов до перехода в
// SUCCEEDED; повторная запись игнорируется.
func (o *Orchestrator) completeRun(ctx context.Context, run *domain.Run) error {
	output, summary := o.finalOutput(run)

	if summary != nil {
		rec := domain.NewResultRecord(run, summary, o.now())
		if err := o.results.Create(ctx, rec); err != nil && !errors.Is(err, repo.ErrAlreadyExists) {
			return fmt.Errorf("write result record: %w", err)
		}
	}

	if err := run.MarkSucceeded(o.now(), output); err != nil {
		return err
	}
	if err := o.save(ctx, run, run.StageIndex); err != nil {
		return err
	}

	o.finished(run)
	return nil
}

// finalOutput выбирает итог run: выход стадии слияния, а без неё — выход
// последней записанной стадии. summary != nil, только если стадия слияния
// отработала.
func (o *Orchestrator) finalOutput(run *domain.Run) (output, summary map[string]any) {
	if stage := o.resultStage(); stage != "" {
		if out, ok := run.Context.Get(stage); ok {
			return maps.Clone(out), out
		}
	}

	entries := run.Context.Entries()
	if len(entries) == 0 {
		return map[string]any{}, nil
	}
	return maps.Clone(entries[len(entries)-1].Output), nil
}

// resultStage возвращает ID первой стадии верхнего уровня с операцией слияния.
func (o *Orchestrator) resultStage() string {
	for i := range o.pipeline.Len() {
		stage := o.pipeline.Stage(i)
		if stage.Def.Operation == o.resultOperation {
			return stage.ID()
		}
	}
	return ""
}

// timeoutRun переводит run с истёкшим deadline в TIMED_OUT.
func (o *Orchestrator) timeoutRun(ctx context.Context, run *domain.Run) error {
	if err := run.MarkTimedOut(o.now(), run.CurrentStage); err != nil {
		return err
	}
	if err := o.save(ctx, run, run.StageIndex); err != nil {
		return err
	}

	telemetry.WithRunID(o.logger, run.ID).Warn("run timed out", "stage", run.CurrentStage)
	o.finished(run)
	return nil
}

// finished записывает метрики завершённого run.
func (o *Orchestrator) finished(run *domain.Run) {
	status := string(run.Status)
	telemetry.RunsFinished.WithLabelValues(status).Inc()
	telemetry.RunDuration.WithLabelValues(status).Observe(run.Duration().Seconds())

	telemetry.WithRunID(o.logger, run.ID).Info("run finished",
		"status", run.Status,
		"duration", run.Duration(),
	)
}

// Sweep возвращает в работу потерянные runs.
//
//   - PENDING и RUNNING runs, не менявшиеся дольше StaleAfter, получают
//     новую команду: первая или очередная команда могла потеряться между
//     записью run и публикацией. Выполняющийся run не устаревает, его
//     обновляет heartbeat.
//   - RUNNING runs с истёкшим deadline переводятся в TIMED_OUT.
//
// Runs, которые сейчас продвигает этот процесс, пропускаются. Лишняя
// команда безопасна: шаг сохраняется с проверкой ревизии.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := o.now()

	for _, status := range []domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning} {
		stale, err := o.runs.ListStale(ctx, status, now.Add(-o.staleAfter), o.batchSize)
		if err != nil {
			return stats, fmt.Errorf("list stale %s runs: %w", status, err)
		}
		for _, run := range stale {
			// истёкшие ниже переводятся в TIMED_OUT
			if o.isRunActive(run.ID) || run.Expired(now) {
				continue
			}
			if err := o.dispatch(ctx, run.ID); err != nil {
				o.logger.Warn("failed to redispatch stale run", "run_id", run.ID, "status", status, "error", err)
				continue
			}
			stats.Redispatched++
		}
	}

	expired, err := o.runs.ListExpired(ctx, now, o.batchSize)
	if err != nil {
		return stats, fmt.Errorf("list expired runs: %w", err)
	}
	for _, run := range expired {
		if err := o.addActiveRun(run.ID); err != nil {
			continue
		}
		err := o.timeoutRun(ctx, run)
		o.removeActiveRun(run.ID)

		switch {
		case err == nil:
			stats.TimedOut++
		case errors.Is(err, errStepDropped):
		default:
			o.logger.Warn("failed to time out run", "run_id", run.ID, "error", err)
		}
	}

	if stats.Redispatched > 0 || stats.TimedOut > 0 {
		o.logger.Info("sweep completed",
			"redispatched", stats.Redispatched,
			"timed_out", stats.TimedOut,
		)
	}
	return stats, nil
}

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/engine"
	"github.com/shaiso/resumeflow/internal/mq"
	"github.com/shaiso/resumeflow/internal/repo"
	"github.com/shaiso/resumeflow/internal/runner"
)

// Default configuration values.
const (
	defaultStaleAfter      = time.Minute
	defaultBatchSize       = 100
	defaultLocalWorkers    = 8
	defaultPrefetch        = 4
	defaultResultOperation = "merge_results"
)

// StageRunner выполняет одну стадию против снимка контекста (runner.Runner).
type StageRunner interface {
	Run(ctx context.Context, runID string, input map[string]any, rc domain.RunContext, stage *engine.Stage) (*runner.Outcome, error)
}

// Dispatcher доставляет команду "продвинуть run" исполнителю (mq.Publisher).
type Dispatcher interface {
	PublishRunAdvance(ctx context.Context, runID string) error
}

// InputValidator проверяет начальный контекст run.
type InputValidator func(input map[string]any) error

// Orchestrator управляет выполнением runs.
//
// Orchestrator не хранит состояние run между стадиями: каждый Advance
// читает run из хранилища, выполняет одну стадию и сохраняет результат
// с проверкой ревизии. Поэтому стадии одного run могут выполняться
// разными процессами.
type Orchestrator struct {
	pipeline *engine.Pipeline
	runner   StageRunner

	// Repositories
	runs    repo.RunStore
	results repo.ResultStore

	// MQ
	dispatcher Dispatcher
	conn       *mq.Connection

	validate        InputValidator
	resultOperation string

	// Active runs — runs, которые продвигаются этим процессом прямо сейчас
	activeRuns map[string]struct{}
	mu         sync.Mutex

	// Consumers
	advanceConsumer *mq.Consumer

	// Configuration
	staleAfter time.Duration
	batchSize  int
	prefetch   int

	// Local mode
	localCtx   context.Context
	localSlots chan struct{}

	// Lifecycle
	logger     *slog.Logger
	now        func() time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Pipeline — скомпилированный pipeline.
	Pipeline *engine.Pipeline

	// Runner — исполнитель стадий.
	Runner StageRunner

	// Repositories
	Runs    repo.RunStore
	Results repo.ResultStore

	// Dispatcher — доставка run.advance. nil — локальный режим (горутины).
	Dispatcher Dispatcher

	// Conn — соединение RabbitMQ для consumer run.advance. nil — без consumer.
	Conn *mq.Connection

	// Validator — проверка начального контекста. nil — без проверки.
	Validator InputValidator

	// ResultOperation — операция стадии, чей выход идёт в индекс результатов
	// и в итог run (default: merge_results).
	ResultOperation string

	// StaleAfter — через сколько PENDING или RUNNING run без обновлений
	// считается потерянным (default: 1m). Heartbeat стадии — StaleAfter/2.
	StaleAfter time.Duration

	// BatchSize — сколько runs обрабатывает один Sweep (default: 100).
	BatchSize int

	// LocalWorkers — параллельность локального режима (default: 8).
	LocalWorkers int

	// Prefetch — prefetch consumer run.advance (default: 4).
	Prefetch int

	Logger *slog.Logger
	Now    func() time.Time
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	workers := cfg.LocalWorkers
	if workers <= 0 {
		workers = defaultLocalWorkers
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	resultOperation := cfg.ResultOperation
	if resultOperation == "" {
		resultOperation = defaultResultOperation
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		pipeline:        cfg.Pipeline,
		runner:          cfg.Runner,
		runs:            cfg.Runs,
		results:         cfg.Results,
		dispatcher:      cfg.Dispatcher,
		conn:            cfg.Conn,
		validate:        cfg.Validator,
		resultOperation: resultOperation,
		activeRuns:      make(map[string]struct{}),
		staleAfter:      staleAfter,
		batchSize:       batchSize,
		prefetch:        prefetch,
		localSlots:      make(chan struct{}, workers),
		logger:          logger.With("component", "orchestrator"),
		now:             now,
	}
}

// Start запускает фоновую обработку.
//
// Запускает:
//   - Consumer для runs.advance (если задано соединение RabbitMQ)
//   - Локальный режим: run.advance исполняются горутинами процесса
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.stoppedMu.Lock()
	o.localCtx = ctx
	o.stoppedMu.Unlock()

	o.logger.Info("starting orchestrator",
		"pipeline", o.pipeline.Name(),
		"version", o.pipeline.Version(),
		"stages", o.pipeline.Len(),
		"local", o.dispatcher == nil,
	)

	if o.conn != nil {
		o.advanceConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueRunsAdvance),
			Handler:  o.handleRunAdvance,
			Prefetch: o.prefetch,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.advanceConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("advance consumer error", "error", err)
			}
		}()
	}

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator и ждёт завершения текущих стадий.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	if o.advanceConsumer != nil {
		o.advanceConsumer.Stop()
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped",
		"active_runs", o.ActiveRunsCount(),
	)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// Pipeline возвращает pipeline оркестратора.
func (o *Orchestrator) Pipeline() *engine.Pipeline {
	return o.pipeline
}

// dispatch ставит следующий Advance run в очередь.
func (o *Orchestrator) dispatch(ctx context.Context, runID string) error {
	if o.dispatcher != nil {
		return o.dispatcher.PublishRunAdvance(ctx, runID)
	}
	return o.dispatchLocal(runID)
}

// dispatchLocal выполняет Advance в горутине процесса.
// Параллельность ограничена localSlots.
func (o *Orchestrator) dispatchLocal(runID string) error {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()

	if o.stopped || o.localCtx == nil {
		return ErrOrchestratorStopped
	}
	ctx := o.localCtx

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		select {
		case o.localSlots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-o.localSlots }()

		if err := o.Advance(ctx, runID); err != nil && !errors.Is(err, ErrRunAlreadyActive) {
			o.logger.Error("local advance failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// addActiveRun помечает run как продвигаемый этим процессом.
func (o *Orchestrator) addActiveRun(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeRuns[runID]; exists {
		return ErrRunAlreadyActive
	}
	o.activeRuns[runID] = struct{}{}
	return nil
}

// removeActiveRun снимает отметку.
func (o *Orchestrator) removeActiveRun(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeRuns, runID)
}

// isRunActive проверяет, продвигается ли run этим процессом.
func (o *Orchestrator) isRunActive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, exists := o.activeRuns[runID]
	return exists
}

// ActiveRunsCount возвращает количество активных runs.
func (o *Orchestrator) ActiveRunsCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.activeRuns)
}

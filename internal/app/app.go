// Package app собирает компоненты resumeflow из конфигурации.
//
// Общая сборка для cmd/resumeflow-api и cmd/resumeflow-orchestrator:
// хранилища (PostgreSQL или память), артефакты (MinIO или память),
// RabbitMQ (или локальный режим), операции стадий, исполнитель и
// оркестратор.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/config"
	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/engine"
	"github.com/shaiso/resumeflow/internal/executor"
	"github.com/shaiso/resumeflow/internal/memstore"
	"github.com/shaiso/resumeflow/internal/mq"
	"github.com/shaiso/resumeflow/internal/orchestrator"
	"github.com/shaiso/resumeflow/internal/repo"
	"github.com/shaiso/resumeflow/internal/runner"
	"github.com/shaiso/resumeflow/internal/scheduler"
	"github.com/shaiso/resumeflow/internal/stages"
)

// Options — роль процесса.
type Options struct {
	// Consume — читать очередь runs.advance (процесс оркестратора).
	// API только публикует.
	Consume bool

	// Name — имя процесса в свойствах AMQP соединения.
	Name string
}

// App — собранные компоненты процесса.
type App struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Artifacts    artifact.Store

	// Pool — пул PostgreSQL; nil при хранилищах в памяти.
	Pool *pgxpool.Pool

	// Conn — соединение RabbitMQ; nil в локальном режиме.
	Conn *mq.Connection

	logger *slog.Logger
}

// New собирает App. Вызывающий обязан вызвать Close.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	runs, results, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.openArtifacts(ctx); err != nil {
		a.Close()
		return nil, err
	}

	publisher := a.openMQ(ctx, opts.Name)

	registry := executor.NewRegistry()
	deps := stages.Deps{
		LLM:       cfg.StagesLLM(),
		Artifacts: a.Artifacts,
		Logger:    logger,
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	if err := stages.Register(registry, deps); err != nil {
		a.Close()
		return nil, fmt.Errorf("register operations: %w", err)
	}
	if deps.LLM.Endpoint == "" {
		logger.Warn("LLM endpoint not configured, llm stages will fail", "operations", registry.Names())
	}

	pipeline, err := LoadPipeline(cfg, stages.IsKnownOperation)
	if err != nil {
		a.Close()
		return nil, err
	}

	exec := executor.New(executor.Config{Registry: registry, Logger: logger})
	run := runner.New(runner.Config{Executor: exec, Artifacts: a.Artifacts, Logger: logger})

	orchCfg := orchestrator.Config{
		Pipeline:     pipeline,
		Runner:       run,
		Runs:         runs,
		Results:      results,
		Validator:    stages.ValidateInput,
		StaleAfter:   cfg.Sweep.StaleAfter,
		LocalWorkers: cfg.Worker.LocalWorkers,
		Prefetch:     cfg.Worker.Prefetch,
		Logger:       logger,
	}
	if publisher != nil {
		orchCfg.Dispatcher = publisher
		if opts.Consume {
			orchCfg.Conn = a.Conn
		}
	}
	a.Orchestrator = orchestrator.New(orchCfg)

	return a, nil
}

// openStores открывает хранилища runs и результатов.
func (a *App) openStores(ctx context.Context) (repo.RunStore, repo.ResultStore, error) {
	if a.Config.UseMemoryStores() {
		a.logger.Warn("DB_URL not set, using in-memory stores")
		return memstore.NewRunStore(), memstore.NewResultStore(), nil
	}

	pool, err := repo.NewPool(ctx, a.Config.DBURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	a.Pool = pool

	if err := repo.Migrate(ctx, pool); err != nil {
		return nil, nil, err
	}
	a.logger.Info("database connected")

	return repo.NewRunRepo(pool), repo.NewResultRepo(pool), nil
}

// openArtifacts открывает хранилище артефактов.
func (a *App) openArtifacts(ctx context.Context) error {
	minioCfg, ok := a.Config.ArtifactConfig()
	if !ok {
		a.logger.Warn("MINIO_ENDPOINT not set, using in-memory artifact store")
		a.Artifacts = artifact.NewMemoryStore()
		return nil
	}

	store, err := artifact.NewMinIOStore(minioCfg)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	ensureCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := store.EnsureBucket(ensureCtx, minioCfg.Region); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", minioCfg.Bucket, err)
	}

	a.Artifacts = store
	a.logger.Info("artifact store ready", "endpoint", minioCfg.Endpoint, "bucket", minioCfg.Bucket)
	return nil
}

// openMQ подключается к RabbitMQ. Без RabbitMQ возвращает nil:
// runs продвигаются горутинами процесса.
func (a *App) openMQ(ctx context.Context, name string) *mq.Publisher {
	if a.Config.LocalMode() {
		a.logger.Info("RABBITMQ_URL not set, running in local mode")
		return nil
	}

	conn, err := mq.NewConnection(mq.Config{URL: a.Config.RabbitMQURL, Name: name}, a.logger)
	if err != nil {
		a.logger.Warn("RabbitMQ not available, running in local mode", "error", err)
		return nil
	}
	a.Conn = conn
	a.logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, conn); err != nil {
		a.logger.Warn("failed to setup topology", "error", err)
	} else {
		a.logger.Debug("topology declared", "topology", mq.TopologyInfo())
	}

	return mq.NewPublisher(conn, a.logger)
}

// LoadPipeline читает pipeline из PIPELINE_FILE (или встроенный)
// и применяет RUN_TIMEOUT.
func LoadPipeline(cfg *config.Config, known func(string) bool) (*engine.Pipeline, error) {
	var (
		spec *domain.PipelineSpec
		err  error
	)
	if cfg.PipelineFile != "" {
		spec, err = engine.LoadSpec(cfg.PipelineFile)
	} else {
		spec, err = engine.DefaultSpec()
	}
	if err != nil {
		return nil, err
	}

	if cfg.RunTimeout > 0 {
		spec.RunTimeoutSec = int(cfg.RunTimeout / time.Second)
	}

	pipeline, err := engine.Compile(spec, known)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline: %w", err)
	}
	return pipeline, nil
}

// NewScheduler создаёт планировщик sweep. С PostgreSQL лидер выбирается
// через advisory lock, чтобы обход выполнял один экземпляр.
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	cfg := scheduler.Config{
		Sweeper: a.Orchestrator,
		Logger:  a.logger,
		Spec:    a.Config.Sweep.Spec,
	}
	if a.Pool != nil {
		cfg.Leader = repo.NewAdvisoryLock(a.Pool, repo.SweeperLockKey)
	}
	return scheduler.New(cfg)
}

// Ping проверяет зависимости для /healthz.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	if a.Pool != nil {
		if err := a.Pool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.Conn != nil && !a.Conn.IsConnected() {
		errs = append(errs, errors.New("rabbitmq: not connected"))
	}
	return errors.Join(errs...)
}

// Close освобождает соединения.
func (a *App) Close() {
	if a.Conn != nil {
		if err := a.Conn.Close(); err != nil {
			a.logger.Warn("failed to close RabbitMQ connection", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

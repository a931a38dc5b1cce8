package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/resumeflow/internal/orchestrator"
)

// Sweeper — то, что Scheduler вызывает каждый тик.
type Sweeper interface {
	Sweep(ctx context.Context) (orchestrator.SweepStats, error)
}

// Leader — выбор лидера между экземплярами (repo.AdvisoryLock).
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Scheduler — периодический запуск Sweep.
type Scheduler struct {
	sweeper Sweeper
	leader  Leader
	logger  *slog.Logger
	spec    string
	timeout time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	running bool
}

// Config — конфигурация Scheduler.
type Config struct {
	Sweeper Sweeper
	Leader  Leader // nil — единственный экземпляр
	Logger  *slog.Logger
	Spec    string        // расписание (default: "@every 30s")
	Timeout time.Duration // лимит одного тика (default: 25s)
}

// New создаёт новый Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Sweeper == nil {
		return nil, fmt.Errorf("sweeper is required")
	}

	spec := cfg.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		sweeper: cfg.Sweeper,
		leader:  cfg.Leader,
		logger:  logger.With("component", "scheduler"),
		spec:    spec,
		timeout: timeout,
	}, nil
}

// Start запускает cron. Тики, не успевшие завершиться к следующему,
// пропускаются.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		),
	)
	if _, err := c.AddFunc(s.spec, s.runTick); err != nil {
		return fmt.Errorf("add sweep job: %w", err)
	}

	s.ctx = ctx
	s.cron = c
	s.running = true
	c.Start()

	s.logger.Info("scheduler started", "spec", s.spec)
	return nil
}

// Stop останавливает cron, дожидается текущего тика и отдаёт лидерство.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()

	if s.leader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.leader.Release(ctx); err != nil {
			s.logger.Warn("failed to release leadership", "error", err)
		}
	}

	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runTick() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	if parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	if _, err := s.Tick(ctx); err != nil {
		s.logger.Error("sweep tick failed", "error", err)
	}
}

// Tick выполняет один sweep.
//
// Если настроен Leader и лидерство не получено, тик пропускается.
// Возвращает статистику выполненного sweep (нулевую при пропуске).
func (s *Scheduler) Tick(ctx context.Context) (orchestrator.SweepStats, error) {
	if s.leader != nil {
		ok, err := s.leader.TryAcquire(ctx)
		if err != nil {
			return orchestrator.SweepStats{}, fmt.Errorf("acquire leadership: %w", err)
		}
		if !ok {
			// не лидер — пропускаем тик
			s.logger.Debug("not a leader, skipping sweep")
			return orchestrator.SweepStats{}, nil
		}
	}

	stats, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}

	if stats.Redispatched > 0 || stats.TimedOut > 0 {
		s.logger.Info("sweep completed",
			"redispatched", stats.Redispatched,
			"timed_out", stats.TimedOut,
		)
	} else {
		s.logger.Debug("sweep completed, nothing to do")
	}
	return stats, nil
}

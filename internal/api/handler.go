package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/engine"
	"github.com/shaiso/resumeflow/internal/orchestrator"
	"github.com/shaiso/resumeflow/internal/poller"
)

// SessionHeader — заголовок с ID клиентской сессии.
const SessionHeader = "X-Session-ID"

// RunService — операции над run (orchestrator.Orchestrator).
type RunService interface {
	StartRun(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.StartResponse, error)
	Describe(ctx context.Context, runID string) (*orchestrator.Description, error)
	StageResults(ctx context.Context, runID string) ([]*domain.StageResult, error)
	Result(ctx context.Context, runID string) (*domain.ResultRecord, error)
	SessionResults(ctx context.Context, sessionID string, limit int) ([]*domain.ResultRecord, error)
	Pipeline() *engine.Pipeline
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	runs      RunService
	artifacts artifact.Store
	guard     *poller.SubmitGuard
	ping      func(ctx context.Context) error
	logger    *slog.Logger
	now       func() time.Time
}

// Config — конфигурация для создания Handler.
type Config struct {
	Runs      RunService
	Artifacts artifact.Store

	// Guard — ограничение частоты запусков на сессию. nil — без ограничения.
	Guard *poller.SubmitGuard

	// Ping — проверка зависимостей для /healthz.
	Ping func(ctx context.Context) error

	Logger *slog.Logger
	Now    func() time.Time
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		runs:      cfg.Runs,
		artifacts: cfg.Artifacts,
		guard:     cfg.Guard,
		ping:      cfg.Ping,
		logger:    logger.With("component", "api"),
		now:       now,
	}
}

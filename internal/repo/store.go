package repo

import (
	"context"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
)

// RunStore — хранилище runs и их StageResult.
//
// Реализации: RunRepo (PostgreSQL) и memstore.RunStore.
type RunStore interface {
	// Create сохраняет новый run. ErrAlreadyExists, если ID занят.
	Create(ctx context.Context, run *domain.Run) error

	// GetByID возвращает снимок run. ErrNotFound, если run нет.
	GetByID(ctx context.Context, id string) (*domain.Run, error)

	// Update атомарно сохраняет run и добавляет результаты стадий.
	// run.Revision должна совпадать с сохранённой, иначе ErrConflict.
	// При успехе run.Revision увеличивается, а результатам назначается Seq.
	Update(ctx context.Context, run *domain.Run, results ...*domain.StageResult) error

	// Touch обновляет updated_at run, не меняя ревизию: так исполнитель
	// отмечает, что стадия ещё выполняется. ErrConflict, если ревизия
	// уже другая.
	Touch(ctx context.Context, id string, revision int, at time.Time) error

	// ListStageResults возвращает результаты стадий run в порядке записи.
	ListStageResults(ctx context.Context, runID string) ([]*domain.StageResult, error)

	// ListStale возвращает run в статусе status, не менявшиеся с before.
	ListStale(ctx context.Context, status domain.RunStatus, before time.Time, limit int) ([]*domain.Run, error)

	// ListExpired возвращает RUNNING run с истёкшим deadline.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error)
}

// ResultStore — индекс итоговых результатов.
type ResultStore interface {
	// Create записывает сводку. ErrAlreadyExists, если сводка run уже есть.
	Create(ctx context.Context, rec *domain.ResultRecord) error

	// GetByRunID возвращает сводку run.
	GetByRunID(ctx context.Context, runID string) (*domain.ResultRecord, error)

	// ListBySession возвращает сводки сессии, новые первыми.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.ResultRecord, error)
}

package memstore

import (
	"context"
	"sync"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/repo"
)

// ResultStore — in-memory repo.ResultStore.
type ResultStore struct {
	mu        sync.RWMutex
	byRun     map[string]*domain.ResultRecord
	bySession map[string][]string
}

// NewResultStore создаёт пустой индекс.
func NewResultStore() *ResultStore {
	return &ResultStore{
		byRun:     make(map[string]*domain.ResultRecord),
		bySession: make(map[string][]string),
	}
}

// Create записывает сводку один раз.
func (s *ResultStore) Create(ctx context.Context, rec *domain.ResultRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRun[rec.RunID]; exists {
		return repo.ErrAlreadyExists
	}

	c := *rec
	s.byRun[rec.RunID] = &c
	if rec.SessionID != "" {
		s.bySession[rec.SessionID] = append(s.bySession[rec.SessionID], rec.RunID)
	}
	return nil
}

// GetByRunID возвращает сводку run.
func (s *ResultStore) GetByRunID(ctx context.Context, runID string) (*domain.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byRun[runID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	c := *rec
	return &c, nil
}

// ListBySession возвращает сводки сессии, новые первыми.
func (s *ResultStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	records := make([]*domain.ResultRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(records) == limit {
			break
		}
		c := *s.byRun[ids[i]]
		records = append(records, &c)
	}
	return records, nil
}

var _ repo.ResultStore = (*ResultStore)(nil)

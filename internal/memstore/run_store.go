package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/repo"
)

// runEntry — снимки одного run.
type runEntry struct {
	// write сериализует писателей одного run.
	write sync.Mutex

	run     atomic.Pointer[domain.Run]
	results atomic.Pointer[[]*domain.StageResult]
}

// RunStore — in-memory repo.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*runEntry
}

// NewRunStore создаёт пустое хранилище.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*runEntry)}
}

func (s *RunStore) entry(id string) *runEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[id]
}

// Create сохраняет новый run.
func (s *RunStore) Create(ctx context.Context, run *domain.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return repo.ErrAlreadyExists
	}

	e := &runEntry{}
	e.run.Store(run.Clone())
	e.results.Store(&[]*domain.StageResult{})
	s.runs[run.ID] = e
	return nil
}

// GetByID возвращает копию текущего снимка run.
func (s *RunStore) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := s.entry(id)
	if e == nil {
		return nil, repo.ErrNotFound
	}
	return e.run.Load().Clone(), nil
}

// Update публикует новый снимок run при совпадении ревизии.
func (s *RunStore) Update(ctx context.Context, run *domain.Run, results ...*domain.StageResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := s.entry(run.ID)
	if e == nil {
		return repo.ErrNotFound
	}

	e.write.Lock()
	defer e.write.Unlock()

	current := e.run.Load()
	if current.Revision != run.Revision {
		return repo.ErrConflict
	}

	if len(results) > 0 {
		prev := *e.results.Load()
		next := make([]*domain.StageResult, len(prev), len(prev)+len(results))
		copy(next, prev)
		for _, res := range results {
			res.Seq = len(next) + 1
			c := *res
			next = append(next, &c)
		}
		e.results.Store(&next)
	}

	snapshot := run.Clone()
	snapshot.Revision = run.Revision + 1
	e.run.Store(snapshot)

	run.Revision++
	return nil
}

// Touch обновляет UpdatedAt снимка без смены ревизии.
func (s *RunStore) Touch(ctx context.Context, id string, revision int, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := s.entry(id)
	if e == nil {
		return repo.ErrNotFound
	}

	e.write.Lock()
	defer e.write.Unlock()

	current := e.run.Load()
	if current.Revision != revision {
		return repo.ErrConflict
	}
	snapshot := current.Clone()
	snapshot.UpdatedAt = at
	e.run.Store(snapshot)
	return nil
}

// ListStageResults возвращает результаты стадий run.
func (s *RunStore) ListStageResults(ctx context.Context, runID string) ([]*domain.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := s.entry(runID)
	if e == nil {
		return nil, nil
	}
	results := *e.results.Load()
	out := make([]*domain.StageResult, len(results))
	for i, res := range results {
		c := *res
		out[i] = &c
	}
	return out, nil
}

// ListStale возвращает run в статусе status, не обновлявшиеся с before.
func (s *RunStore) ListStale(ctx context.Context, status domain.RunStatus, before time.Time, limit int) ([]*domain.Run, error) {
	return s.filter(ctx, limit, func(r *domain.Run) bool {
		return r.Status == status && r.UpdatedAt.Before(before)
	}, func(a, b *domain.Run) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
}

// ListExpired возвращает RUNNING run с истёкшим deadline.
func (s *RunStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	return s.filter(ctx, limit, func(r *domain.Run) bool {
		return r.Status == domain.RunStatusRunning && r.Expired(now)
	}, func(a, b *domain.Run) bool {
		return a.Deadline.Before(*b.Deadline)
	})
}

func (s *RunStore) filter(ctx context.Context, limit int, match func(*domain.Run) bool, less func(a, b *domain.Run) bool) ([]*domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var runs []*domain.Run
	for _, e := range entries {
		if r := e.run.Load(); match(r) {
			runs = append(runs, r.Clone())
		}
	}
	sort.Slice(runs, func(i, j int) bool { return less(runs[i], runs[j]) })

	if limit > 0 && len(runs) > limit {
		runs = slices.Clip(runs[:limit])
	}
	return runs, nil
}

var _ repo.RunStore = (*RunStore)(nil)

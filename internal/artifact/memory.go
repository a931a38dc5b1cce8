package artifact

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore — in-memory хранилище артефактов.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*Object
	now     func() time.Time
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*Object),
		now:     time.Now,
	}
}

// Put записывает артефакт.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key] = &Object{
		Key:          key,
		ContentType:  contentType,
		Size:         int64(len(data)),
		Data:         slices.Clone(data),
		LastModified: s.now(),
	}
	return nil
}

// Get читает артефакт.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *obj
	c.Data = slices.Clone(obj.Data)
	return &c, nil
}

// Keys возвращает отсортированный список ключей.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

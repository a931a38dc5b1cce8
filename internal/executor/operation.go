package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Request — вызов операции для одной попытки.
type Request struct {
	// RunID — run, в рамках которого выполняется стадия.
	RunID string

	// Stage — ID стадии (или ветви).
	Stage string

	// Attempt — номер попытки, начиная с 1.
	Attempt int

	// Input — спроецированный из контекста вход стадии.
	Input map[string]any

	// Config — конфигурация операции из определения стадии.
	Config map[string]any
}

// Operation — внешний коллаборатор, выполняющий работу стадии.
//
// Возвращает JSON-совместимый выход или классифицированную ошибку
// (domain.Transient / domain.Permanent). Неклассифицированная ошибка
// считается постоянной.
type Operation interface {
	Invoke(ctx context.Context, req *Request) (map[string]any, error)
}

// OperationFunc — адаптер функции к Operation.
type OperationFunc func(ctx context.Context, req *Request) (map[string]any, error)

// Invoke вызывает функцию.
func (f OperationFunc) Invoke(ctx context.Context, req *Request) (map[string]any, error) {
	return f(ctx, req)
}

// Registry — реестр операций по имени.
type Registry struct {
	mu         sync.RWMutex
	operations map[string]Operation
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{operations: make(map[string]Operation)}
}

// Register добавляет операцию. Повторная регистрация заменяет прежнюю.
func (r *Registry) Register(name string, op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[name] = op
}

// Get возвращает операцию по имени.
func (r *Registry) Get(name string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return op, nil
}

// Has проверяет, зарегистрирована ли операция.
// Подходит как функция known для engine.Validate.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.operations[name]
	return ok
}

// Names возвращает отсортированный список операций.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.operations))
	for name := range r.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

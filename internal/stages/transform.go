package stages

import (
	"context"
	"fmt"
	"maps"

	"github.com/shaiso/resumeflow/internal/executor"
)

const (
	// OperationTransform — имя операции трансформации.
	OperationTransform = "transform"

	// Ключ конфигурации.
	configMappings = "mappings"
)

// TransformOperation собирает выход стадии из шаблонов конфигурации.
//
// Строковые значения config рендерит исполнитель (text/template над
// входом стадии), поэтому операция только возвращает готовые mappings.
//
// Конфигурация:
//
//	{
//	    "mappings": {
//	        "headline": "{{ .title }} at {{ .company }}",
//	        "skills": "{{ join \", \" .skills }}"
//	    }
//	}
//
// Без mappings выход пустой.
type TransformOperation struct{}

// NewTransformOperation создаёт TransformOperation.
func NewTransformOperation() *TransformOperation {
	return &TransformOperation{}
}

// Invoke возвращает отрендеренные mappings.
func (o *TransformOperation) Invoke(ctx context.Context, req *executor.Request) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, ok := req.Config[configMappings]
	if !ok || raw == nil {
		return map[string]any{}, nil
	}

	switch m := raw.(type) {
	case map[string]any:
		return maps.Clone(m), nil
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s: mappings must be an object, got %T", ErrInvalidConfig, OperationTransform, raw)
	}
}

package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/itchyny/gojq"
)

// Projector строит вход стадии из документа контекста.
//
// Каждое поле входа — jq-путь по документу
// {"input": ..., "<stage>": ..., ...}. Запросы компилируются один раз
// при загрузке pipeline. Отсутствующий путь даёт null.
type Projector struct {
	fields []string
	codes  map[string]*gojq.Code
}

// NewProjector компилирует проекцию входа стадии.
func NewProjector(inputs map[string]string) (*Projector, error) {
	p := &Projector{
		fields: make([]string, 0, len(inputs)),
		codes:  make(map[string]*gojq.Code, len(inputs)),
	}
	for name, path := range inputs {
		code, err := compileQuery(path)
		if err != nil {
			return nil, fmt.Errorf("%w: input %s: %v", ErrInvalidExpression, name, err)
		}
		p.fields = append(p.fields, name)
		p.codes[name] = code
	}
	sort.Strings(p.fields)
	return p, nil
}

// Fields возвращает имена полей входа.
func (p *Projector) Fields() []string {
	return p.fields
}

// Project вычисляет вход стадии.
//
// Без объявленных полей стадия получает весь документ контекста.
func (p *Projector) Project(doc map[string]any) (map[string]any, error) {
	normalized, err := normalizeJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProjection, err)
	}

	if len(p.fields) == 0 {
		out, _ := normalized.(map[string]any)
		return out, nil
	}

	result := make(map[string]any, len(p.fields))
	for _, name := range p.fields {
		value, err := runQuery(p.codes[name], normalized)
		if err != nil {
			return nil, fmt.Errorf("%w: input %s: %v", ErrProjection, name, err)
		}
		result[name] = value
	}
	return result, nil
}

// compileQuery разбирает и компилирует jq-выражение.
func compileQuery(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}
	return code, nil
}

// runQuery выполняет запрос. Несколько результатов собираются в массив.
func runQuery(code *gojq.Code, data any) (any, error) {
	iter := code.Run(data)

	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalizeJSON приводит значения к типам, которые понимает gojq
// (map[string]any, []any, float64, string, bool, nil).
func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

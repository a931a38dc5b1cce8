package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Condition — скомпилированное условие when стадии.
//
// Выражение expr вычисляется над документом контекста:
//
//	(input.userEmail ?? "") != ""
//	analyze_fit.fitScore >= 50
type Condition struct {
	source  string
	program *vm.Program
}

// NewCondition компилирует условие. Пустое условие всегда истинно.
func NewCondition(source string) (*Condition, error) {
	if source == "" {
		return &Condition{}, nil
	}
	program, err := compileCondition(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return &Condition{source: source, program: program}, nil
}

// Source возвращает исходный текст условия.
func (c *Condition) Source() string {
	return c.source
}

// Eval вычисляет условие.
func (c *Condition) Eval(doc map[string]any) (bool, error) {
	if c.program == nil {
		return true, nil
	}

	env := make(map[string]any, len(doc))
	for k, v := range doc {
		env[k] = v
	}

	result, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrCondition, c.source, err)
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("%w: %q returned %T", ErrCondition, c.source, result)
	}
	return ok, nil
}

func compileCondition(source string) (*vm.Program, error) {
	return expr.Compile(source,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
}

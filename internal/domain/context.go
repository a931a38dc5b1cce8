package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// ContextKeyInput — ключ начального контекста в документе проекции.
const ContextKeyInput = "input"

// ContextEntry — выход одной стадии в контексте run.
type ContextEntry struct {
	Stage  string
	Output map[string]any
}

// RunContext — накопительный контекст run.
//
// Упорядоченный список выходов стадий в порядке записи. Только добавление:
// записанный выход не меняется и не переставляется. Append создаёт новый
// срез, поэтому ранее снятые копии Run остаются неизменными.
type RunContext struct {
	entries []ContextEntry
}

// NewRunContext создаёт контекст из готовых записей (например, из БД).
func NewRunContext(entries ...ContextEntry) RunContext {
	return RunContext{entries: slices.Clone(entries)}
}

// Append добавляет выход стадии. Повторная запись той же стадии — ошибка.
func (c *RunContext) Append(stage string, output map[string]any) error {
	if c.Has(stage) {
		return fmt.Errorf("%w: %s", ErrStageAlreadyRecorded, stage)
	}
	if stage == ContextKeyInput {
		return fmt.Errorf("stage name %q is reserved", stage)
	}

	next := make([]ContextEntry, len(c.entries), len(c.entries)+1)
	copy(next, c.entries)
	c.entries = append(next, ContextEntry{Stage: stage, Output: output})
	return nil
}

// Get возвращает выход стадии.
func (c RunContext) Get(stage string) (map[string]any, bool) {
	for _, e := range c.entries {
		if e.Stage == stage {
			return e.Output, true
		}
	}
	return nil, false
}

// Has проверяет, записан ли выход стадии.
func (c RunContext) Has(stage string) bool {
	_, ok := c.Get(stage)
	return ok
}

// Len возвращает количество записанных стадий.
func (c RunContext) Len() int {
	return len(c.entries)
}

// Stages возвращает имена стадий в порядке записи.
func (c RunContext) Stages() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Stage
	}
	return names
}

// Entries возвращает копию записей.
func (c RunContext) Entries() []ContextEntry {
	return slices.Clone(c.entries)
}

// Document собирает документ для проекции входов:
//
//	{"input": <начальный контекст>, "<stage>": <выход>, ...}
func (c RunContext) Document(input map[string]any) map[string]any {
	doc := make(map[string]any, len(c.entries)+1)
	doc[ContextKeyInput] = input
	for _, e := range c.entries {
		doc[e.Stage] = e.Output
	}
	return doc
}

// MarshalJSON сериализует контекст в объект с ключами в порядке записи.
func (c RunContext) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range c.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Stage)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(e.Output)
		if err != nil {
			return nil, fmt.Errorf("marshal stage %s: %w", e.Stage, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON читает объект, сохраняя порядок ключей.
func (c *RunContext) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		c.entries = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("run context: expected object, got %v", tok)
	}

	var entries []ContextEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		stage, ok := tok.(string)
		if !ok {
			return fmt.Errorf("run context: expected key, got %v", tok)
		}
		var output map[string]any
		if err := dec.Decode(&output); err != nil {
			return fmt.Errorf("run context: stage %s: %w", stage, err)
		}
		entries = append(entries, ContextEntry{Stage: stage, Output: output})
	}

	c.entries = entries
	return nil
}

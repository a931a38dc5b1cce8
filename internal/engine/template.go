package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

// maxRenderedList — сколько элементов списка выводит bullets.
const maxRenderedList = 50

// promptFuncs — функции шаблонов промптов и конфигурации стадий.
var promptFuncs = template.FuncMap{
	// json — значение одной строкой JSON (вложенные объекты в промпте)
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — def, если значение отсутствует или пустая строка
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// join — элементы списка через sep (списки из JSON приходят как []any)
	"join": func(sep string, items any) string {
		return strings.Join(listItems(items), sep)
	},

	// bullets — список строками "- item"; пустой список — "- none"
	"bullets": func(items any) string {
		list := listItems(items)
		if len(list) == 0 {
			return "- none"
		}
		if len(list) > maxRenderedList {
			list = list[:maxRenderedList]
		}
		return "- " + strings.Join(list, "\n- ")
	},

	// truncate — не больше n символов; обрезанный текст заканчивается "…"
	"truncate": func(n int, v any) string {
		if v == nil {
			return ""
		}
		s := fmt.Sprint(v)
		if n <= 0 || utf8.RuneCountInString(s) <= n {
			return s
		}
		runes := []rune(s)
		return string(runes[:n]) + "…"
	},

	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
}

func listItems(items any) []string {
	switch v := items.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			parts = append(parts, fmt.Sprint(item))
		}
		return parts
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return []string{fmt.Sprint(items)}
	}
}

// templates — разобранные шаблоны по тексту. Набор шаблонов ограничен
// определением pipeline, поэтому кэш не вытесняется.
var templates sync.Map

func parseTemplate(tmpl string) (*template.Template, error) {
	if t, ok := templates.Load(tmpl); ok {
		return t.(*template.Template), nil
	}

	t, err := template.New("").Funcs(promptFuncs).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	actual, _ := templates.LoadOrStore(tmpl, t)
	return actual.(*template.Template), nil
}

// Render рендерит строковый шаблон над спроецированным входом стадии:
//
//	{{ .jobDescription }}
//	{{ json .parsedJob }}
//	{{ default "[Company Name]" .companyName }}
//	{{ bullets .analysis.strengths }}
func Render(tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// ValidateTemplate проверяет, что шаблон разбирается.
func ValidateTemplate(tmpl string) error {
	if !strings.Contains(tmpl, "{{") {
		return nil
	}
	_, err := parseTemplate(tmpl)
	return err
}

func validateTemplates(value any) error {
	_, err := mapStrings(value, func(s string) (string, error) {
		return s, ValidateTemplate(s)
	})
	return err
}

// mapStrings применяет fn ко всем строкам внутри value (map, slice,
// вложенные) и возвращает копию. Остальные значения не меняются.
func mapStrings(value any, fn func(string) (string, error)) (any, error) {
	switch v := value.(type) {
	case string:
		return fn(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			mapped, err := mapStrings(item, fn)
			if err != nil {
				return nil, err
			}
			out[key] = mapped
		}
		return out, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for key, item := range v {
			mapped, err := fn(item)
			if err != nil {
				return nil, err
			}
			out[key] = mapped
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			mapped, err := mapStrings(item, fn)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderValue рендерит все строки-шаблоны внутри value.
func RenderValue(value any, data map[string]any) (any, error) {
	return mapStrings(value, func(s string) (string, error) {
		return Render(s, data)
	})
}

// RenderConfig рендерит конфигурацию операции стадии над её входом.
// Исходная конфигурация не меняется.
func RenderConfig(config map[string]any, data map[string]any) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}

	rendered, err := RenderValue(config, data)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

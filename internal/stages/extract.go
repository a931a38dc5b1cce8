package stages

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f-\x{9f}]`)
	jsonFence    = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")
	bareFence    = regexp.MustCompile("(?s)```\\s*\\n(.*?)\\n```")
)

// ExtractJSON извлекает JSON из ответа модели.
//
// Порядок поиска: блок ```json, блок ```, первый сбалансированный
// {...} или [...] (что встречается раньше), весь текст целиком.
// Управляющие символы, кроме \n, \r и \t, удаляются заранее.
func ExtractJSON(text string) (any, error) {
	text = controlChars.ReplaceAllString(text, "")

	if strings.Contains(text, "```json") {
		if m := jsonFence.FindStringSubmatch(text); m != nil {
			if v, ok := parseJSON(m[1]); ok {
				return v, nil
			}
		}
	}

	if strings.Contains(text, "```") {
		if m := bareFence.FindStringSubmatch(text); m != nil {
			if v, ok := parseJSON(m[1]); ok {
				return v, nil
			}
		}
	}

	pairs := [][2]byte{{'{', '}'}, {'[', ']'}}
	brace, bracket := strings.IndexByte(text, '{'), strings.IndexByte(text, '[')
	if bracket != -1 && (brace == -1 || bracket < brace) {
		pairs[0], pairs[1] = pairs[1], pairs[0]
	}
	for _, p := range pairs {
		if v, ok := firstBalanced(text, p[0], p[1]); ok {
			return v, nil
		}
	}

	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	return v, nil
}

// ExtractObject извлекает JSON-объект из ответа модели.
func ExtractObject(text string) (map[string]any, error) {
	v, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected an object, got %T", ErrNoJSON, v)
	}
	return obj, nil
}

// firstBalanced ищет первую подстроку open...close с парными скобками,
// которая разбирается как JSON.
func firstBalanced(text string, open, close byte) (any, bool) {
	from := 0
	for {
		start := strings.IndexByte(text[from:], open)
		if start == -1 {
			return nil, false
		}
		start += from

		depth := 0
		end := -1
		for i := start; i < len(text); i++ {
			switch text[i] {
			case open:
				depth++
			case close:
				depth--
			}
			if depth == 0 {
				end = i
				break
			}
		}
		if end != -1 {
			if v, ok := parseJSON(text[start : end+1]); ok {
				return v, true
			}
		}
		from = start + 1
	}
}

func parseJSON(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/executor"
)

// OperationLoadResume — имя операции загрузки резюме.
const OperationLoadResume = "load_resume"

// resumeSeparator разделяет несколько резюме в одном тексте.
const resumeSeparator = "\n\n---\n\n"

// LoadResumeOperation читает текст резюме из хранилища.
//
// Вход:
//
//	{"resumeKeys": ["uploads/u1/r1.md"], "resumeContent": "..."}
//
// Переданный текст используется как есть; иначе резюме читаются по
// ключам и склеиваются. Файл не в UTF-8 читается как Latin-1.
//
// Выход:
//
//	{"resumeContent": "...", "source": "inline" | "store", "resumeKeys": [...]}
type LoadResumeOperation struct {
	store artifact.Store
}

// NewLoadResumeOperation создаёт LoadResumeOperation.
func NewLoadResumeOperation(store artifact.Store) *LoadResumeOperation {
	return &LoadResumeOperation{store: store}
}

// Invoke загружает резюме.
func (o *LoadResumeOperation) Invoke(ctx context.Context, req *executor.Request) (map[string]any, error) {
	if content := getString(req.Input, InputResumeContent); strings.TrimSpace(content) != "" {
		if err := checkResumeLength(content); err != nil {
			return nil, err
		}
		return map[string]any{
			InputResumeContent: content,
			"source":           "inline",
		}, nil
	}

	keys := getStrings(req.Input, InputResumeKeys)
	if len(keys) == 0 {
		return nil, domain.Permanentf("no résumé keys or content")
	}
	if o.store == nil {
		return nil, domain.Permanentf("%v: artifact store is not configured", ErrInvalidConfig)
	}

	parts := make([]string, 0, len(keys))
	loaded := make([]any, 0, len(keys))
	for _, key := range keys {
		if err := ValidateResumeKey(key); err != nil {
			return nil, domain.Permanent(err)
		}

		obj, err := o.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				return nil, domain.Permanent(fmt.Errorf("résumé %s: %w", key, err))
			}
			return nil, classifyTransport(ctx, fmt.Errorf("résumé %s: %w", key, err))
		}

		text := decodeText(obj.Data)
		if strings.TrimSpace(text) == "" {
			return nil, domain.Permanentf("résumé %s is empty", key)
		}
		parts = append(parts, text)
		loaded = append(loaded, key)
	}

	content := strings.Join(parts, resumeSeparator)
	if err := checkResumeLength(content); err != nil {
		return nil, err
	}

	return map[string]any{
		InputResumeContent: content,
		InputResumeKeys:    loaded,
		"source":           "store",
	}, nil
}

func checkResumeLength(content string) error {
	if utf8.RuneCountInString(content) > MaxResumeContentLength {
		return domain.Permanentf("résumé content too long (maximum %d characters)", MaxResumeContentLength)
	}
	return nil
}

// decodeText читает UTF-8, а при ошибке — Latin-1.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	text, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	return string(text)
}

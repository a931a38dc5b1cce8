package stages

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shaiso/resumeflow/internal/artifact"
)

// Лимиты начального контекста.
const (
	MinJobDescriptionLength     = 50
	MaxJobDescriptionLength     = 50000
	MaxResumeContentLength      = 100000
	MaxCustomInstructionsLength = 2000
	MaxResumeKeys               = 10
)

// Поля начального контекста.
const (
	InputJobDescription     = "jobDescription"
	InputResumeKeys         = "resumeKeys"
	InputResumeContent      = "resumeContent"
	InputCustomInstructions = "customInstructions"
	InputUserEmail          = "userEmail"
)

// ValidateInput проверяет начальный контекст run.
//
// Требуется описание вакансии (50..50000 символов) и резюме: ключи в
// хранилище (без ".." и ведущего "/") или текст до 100000 символов.
// Дополнительные инструкции — не длиннее 2000 символов.
func ValidateInput(input map[string]any) error {
	if input == nil {
		return errors.New("input is required")
	}

	job := strings.TrimSpace(getString(input, InputJobDescription))
	switch n := utf8.RuneCountInString(job); {
	case n == 0:
		return errors.New("job description is required")
	case n < MinJobDescriptionLength:
		return fmt.Errorf("job description too short (minimum %d characters)", MinJobDescriptionLength)
	case n > MaxJobDescriptionLength:
		return fmt.Errorf("job description too long (maximum %d characters)", MaxJobDescriptionLength)
	}

	keys := getStrings(input, InputResumeKeys)
	content := getString(input, InputResumeContent)

	if len(keys) == 0 && strings.TrimSpace(content) == "" {
		return errors.New("at least one résumé key or résumé content is required")
	}
	if len(keys) > MaxResumeKeys {
		return fmt.Errorf("too many résumé keys (maximum %d)", MaxResumeKeys)
	}
	for _, key := range keys {
		if err := ValidateResumeKey(key); err != nil {
			return err
		}
	}
	if utf8.RuneCountInString(content) > MaxResumeContentLength {
		return fmt.Errorf("résumé content too long (maximum %d characters)", MaxResumeContentLength)
	}

	if n := utf8.RuneCountInString(getString(input, InputCustomInstructions)); n > MaxCustomInstructionsLength {
		return fmt.Errorf("custom instructions too long (maximum %d characters)", MaxCustomInstructionsLength)
	}

	if email := getString(input, InputUserEmail); email != "" && !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address %q", email)
	}

	return nil
}

// ValidateResumeKey проверяет ключ резюме в хранилище.
func ValidateResumeKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("résumé key is required")
	}
	if err := artifact.ValidateKey(key); err != nil {
		return fmt.Errorf("invalid résumé key %q: %w", key, err)
	}
	return nil
}

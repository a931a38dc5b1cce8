package artifact

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// Object — содержимое артефакта.
type Object struct {
	Key          string
	ContentType  string
	Size         int64
	Data         []byte
	LastModified time.Time
}

// Store — контракт хранилища артефактов.
type Store interface {
	// Put записывает артефакт. Повторная запись того же ключа перезаписывает содержимое.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get читает артефакт. Возвращает ErrNotFound, если ключа нет.
	Get(ctx context.Context, key string) (*Object, error)
}

// Key строит ключ артефакта run: {runId}/{name}.
func Key(runID, name string) (string, error) {
	if runID == "" || strings.Contains(runID, "/") {
		return "", fmt.Errorf("%w: run id %q", ErrInvalidKey, runID)
	}
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: artifact name %q", ErrInvalidKey, name)
	}
	key := runID + "/" + name
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// ValidateKey проверяет ключ объекта: непустой, без ".." и без ведущего "/".
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: leading slash in %q", ErrInvalidKey, key)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: path traversal in %q", ErrInvalidKey, key)
	}
	return nil
}

// ContentTypeFor подбирает Content-Type по имени артефакта.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

package artifact

import "errors"

var (
	// ErrNotFound — артефакт не найден.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidKey — недопустимый ключ артефакта.
	ErrInvalidKey = errors.New("invalid artifact key")
)

package stages

import "errors"

// Ошибки операций.
var (
	// ErrInvalidConfig — невалидная конфигурация стадии.
	ErrInvalidConfig = errors.New("invalid stage config")

	// ErrNoJSON — в ответе модели нет JSON.
	ErrNoJSON = errors.New("no valid JSON in model reply")
)

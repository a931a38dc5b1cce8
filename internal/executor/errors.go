package executor

import "errors"

// Ошибки исполнителя.
var (
	// ErrUnknownOperation — операция не зарегистрирована.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInvalidTimeout — таймаут стадии не положительный.
	ErrInvalidTimeout = errors.New("stage timeout must be positive")
)

// Package memstore — in-memory реализации хранилищ repo.
//
// Используются в локальном режиме (без DB_URL) и в тестах.
// Каждый run хранится как неизменяемый снимок за atomic.Pointer:
// чтение (Describe) не берёт блокировок, которые нужны писателю.
// Писатель собирает новый снимок и публикует его одной атомарной
// записью после проверки ревизии.
package memstore

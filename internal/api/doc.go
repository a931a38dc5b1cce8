// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go        — Handler с DI (сервис run, хранилище артефактов, guard, logger)
//   - routes.go         — регистрация маршрутов
//   - middleware.go     — middleware (logging, recovery, metrics)
//   - response.go       — унифицированные JSON-ответы и обработка ошибок
//   - dto.go            — Data Transfer Objects (request/response)
//   - run_handler.go    — обработчики для /runs
//   - result_handler.go — обработчики для /results, /sessions, /pipeline
//
// API принимает запросы на запуск run, отдаёт их состояние для
// клиентского поллинга, результаты стадий, артефакты и индекс результатов.
package api

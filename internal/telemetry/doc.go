// Package telemetry — логирование и метрики сервисов resumeflow.
//
// Логгер пишет JSON или text через slog и маскирует секреты и персональные
// данные (ключи API, строки подключения, текст резюме, email). Метрики
// Prometheus описывают запуски, стадии, опрос и HTTP API и отдаются
// на /metrics.
package telemetry

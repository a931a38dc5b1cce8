// Package cli реализует инструмент командной строки resumeflow.
//
// # Обзор
//
// CLI — клиентская утилита для работы с API resumeflow. Работает через
// HTTP: запускает run, наблюдает за ними до финального статуса,
// показывает результаты стадий, индекс результатов и скачивает артефакты.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует HTTP-запросы, парсинг ответов
// (DataResponse, ListResponse, ErrorResponse) и обработку ошибок.
// Client.Describer() подключает клиент к poller.Poller.
//
//	client := cli.NewClient("http://localhost:8080", "session-1")
//	run, err := client.GetRun(ctx, "job-1")
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error/Progress) — в stderr.
// Это позволяет использовать pipe: resumeflow results list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - run: start, describe, watch, stages, artifact
//   - results: show, list
//   - pipeline: show, validate
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli

// Package executor реализует исполнитель шага (Step Executor).
//
// Исполнитель вызывает одну операцию (внешний коллаборатор: LLM, HTTP
// сервис, запись результатов) с таймаутом на попытку и политикой retry.
//
// Алгоритм:
//
//  1. Попытка выполняется с таймаутом стадии, вложенным в контекст run
//  2. Ошибка классифицируется: TRANSIENT / PERMANENT / STAGE_TIMEOUT / RUN_TIMEOUT
//  3. Если класс входит в retry_on и попытки остались — ждём
//     interval * backoff_rate^(attempt-1) и повторяем
//  4. Иначе — StageResult со статусом FAILED и исходной ошибкой
//
// Частичный успех (операция вернула выход и ошибку одновременно,
// или успела записать что-то и упала по таймауту) — это FAILED.
//
// Если истёк deadline всего run, ошибка получает класс RUN_TIMEOUT
// независимо от того, что вернула операция: он имеет приоритет над
// таймаутом стадии и не повторяется.
//
// Каждая попытка логируется и учитывается в метриках; историю попыток
// исполнитель не хранит — в StageResult попадает только их количество.
package executor

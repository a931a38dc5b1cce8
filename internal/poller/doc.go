// Package poller — клиентское наблюдение за run.
//
// Poller периодически вызывает describe, пока run не завершится, не
// кончится бюджет попыток или наблюдение не отменят. Задержки задаёт
// Backoff, время — Scheduler, поэтому отмену и расписание можно
// проверять без реального ожидания.
//
// SubmitGuard ограничивает частоту запусков в пределах одной
// клиентской сессии.
package poller

// Package orchestrator управляет выполнением runs.
//
// Orchestrator — машина состояний run:
//
//	PENDING → RUNNING → SUCCEEDED | FAILED | TIMED_OUT
//
// Orchestrator отвечает за:
//   - Приём запусков (StartRun) с идемпотентностью по ID run
//   - Выполнение ровно одной стадии за вызов Advance
//   - Сохранение контекста и StageResult между стадиями (состояние
//     не держится в памяти процесса: любой экземпляр может продолжить run)
//   - Общий лимит времени run (RUN_TIMEOUT важнее таймаута стадии)
//   - Запись сводки в индекс результатов при успешном завершении
//   - Чтение состояния (Describe) без блокировки писателей
//
// Продвижение run — сообщения run.advance в RabbitMQ или, в локальном
// режиме, горутины внутри процесса.
package orchestrator

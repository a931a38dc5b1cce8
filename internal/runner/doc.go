// Package runner выполняет одну стадию pipeline против контекста run.
//
// Обычная стадия: проекция входа из контекста → условие when →
// Step Executor → запись артефактов → новая запись контекста.
//
// Параллельная стадия (fan-out/fan-in): все ветви стартуют одновременно
// с входами, спроецированными из одного и того же снимка контекста,
// и runner ждёт завершения каждой. Выходы собираются в порядке
// объявления ветвей, а не в порядке завершения. Если упала хотя бы
// одна ветвь, упала вся стадия: остальные ветви доработают, но их
// выходы отбрасываются. Контекст не меняется до завершения всех ветвей.
//
// Runner не хранит состояние между вызовами: порядок стадий и
// сохранение контекста — забота оркестратора.
package runner

// Package engine содержит движок описания pipeline.
//
// Включает:
//   - parser.go     — загрузка PipelineSpec из YAML, нормализация, валидация
//   - graph.go      — граф стадий (последовательная цепочка + parallel/join)
//   - projection.go — проекция входа стадии из контекста (jq-пути)
//   - condition.go  — условия when (expr)
//   - template.go   — рендеринг Go templates в конфигурации операций
//   - pipeline.go   — скомпилированный pipeline, общий для всех run
//
// Engine не выполняет стадии: он отвечает за структуру pipeline и за то,
// какие данные получает каждая стадия.
package engine

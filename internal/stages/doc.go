// Package stages содержит операции стадий pipeline.
//
// Каждая операция реализует executor.Operation: принимает спроецированный
// вход стадии и отрендеренную конфигурацию, возвращает JSON-совместимый
// выход или классифицированную ошибку.
//
// Операции:
//
//   - load_resume — читает текст резюме из хранилища артефактов по ключам
//     или берёт переданный напрямую
//   - llm — вызывает OpenAI-совместимый chat completions API и извлекает
//     JSON из ответа модели
//   - http — отправляет вход стадии POST-запросом внешнему сервису
//   - merge_results — собирает итоговую сводку run
//   - notify — публикует уведомление о готовых результатах
//
// Классификация ошибок:
//
//	HTTP 429, 5xx, сетевые ошибки, таймауты  → TRANSIENT
//	прочие 4xx, неразборчивый ответ           → PERMANENT
//
// Ответ с полем statusCode ≥ 400 или error считается мягким отказом:
// стадия падает, хотя сам запрос прошёл.
//
// Регистрация:
//
//	registry := executor.NewRegistry()
//	stages.Register(registry, stages.Deps{
//	    LLM:       llmCfg,
//	    Artifacts: store,
//	    Publisher: publisher,
//	})
package stages

// Package artifact — хранилище артефактов run.
//
// Артефакт — непрозрачный блоб (сгенерированное резюме, сопроводительное
// письмо), вынесенный из контекста run в объектное хранилище.
//
// Ключи имеют вид {runId}/{artifactName}. Артефакт записывается только
// после того, как стадия-владелец завершилась успешно.
//
// Реализации:
//   - MinIOStore — S3-совместимое хранилище (MinIO, AWS S3)
//   - MemoryStore — in-memory, для локального режима и тестов
package artifact

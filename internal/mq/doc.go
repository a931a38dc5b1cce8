// Package mq — транспорт команд продвижения run и уведомлений через RabbitMQ.
//
// Оркестратор публикует run.advance после каждой стадии и читает очередь
// runs.advance: одно сообщение продвигает run на одну стадию, поэтому
// несколько процессов делят работу без общей памяти. Стадия notify
// публикует run.notification для внешнего почтового сервиса.
//
// Публикации подтверждаются брокером (publisher confirms). Отклонённые
// сообщения уходят в dead letter очереди resumeflow.dlq. Без RabbitMQ
// процессы работают локально и пакет не используется.
package mq

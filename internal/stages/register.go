package stages

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/executor"
)

// Deps — зависимости стандартных операций.
type Deps struct {
	// LLM — настройки модели. Без Endpoint операция llm не регистрируется.
	LLM LLMConfig

	// Artifacts — хранилище, из которого load_resume читает резюме.
	Artifacts artifact.Store

	// Publisher — публикатор уведомлений. nil — уведомления отключены.
	Publisher NotificationPublisher

	// HTTPClient — клиент операции http.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Register регистрирует стандартные операции в реестре.
func Register(registry *executor.Registry, deps Deps) error {
	if deps.LLM.Endpoint != "" {
		llm, err := NewLLMOperation(deps.LLM, deps.Logger)
		if err != nil {
			return err
		}
		registry.Register(OperationLLM, llm)
	}

	registry.Register(OperationLoadResume, NewLoadResumeOperation(deps.Artifacts))
	registry.Register(OperationHTTP, NewHTTPOperation(deps.HTTPClient))
	registry.Register(OperationMergeResults, NewMergeResultsOperation())
	registry.Register(OperationNotify, NewNotifyOperation(deps.Publisher))
	registry.Register(OperationTransform, NewTransformOperation())
	return nil
}

// Operations возвращает имена всех стандартных операций.
func Operations() []string {
	return []string{
		OperationLLM,
		OperationLoadResume,
		OperationHTTP,
		OperationMergeResults,
		OperationNotify,
		OperationTransform,
	}
}

// IsKnownOperation сообщает, есть ли среди стандартных операций name.
func IsKnownOperation(name string) bool {
	return slices.Contains(Operations(), name)
}

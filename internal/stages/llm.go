package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/executor"
)

// OperationLLM — имя операции вызова модели.
const OperationLLM = "llm"

// Ключи конфигурации llm стадии.
const (
	configPrompt      = "prompt"
	configSystem      = "system"
	configModel       = "model"
	configMaxTokens   = "max_tokens"
	configTemperature = "temperature"
)

const (
	defaultLLMTimeout   = 300 * time.Second
	defaultMaxTokens    = 4096
	defaultTemperature  = 0.7
	defaultSystemPrompt = "You are an expert career coach and résumé writer. Always reply with valid JSON only."
)

// LLMConfig — настройки OpenAI-совместимого API.
type LLMConfig struct {
	// Endpoint — базовый URL (например, https://api.openai.com/v1).
	Endpoint string

	// APIKey — ключ для заголовка Authorization.
	APIKey string

	// Model — модель по умолчанию.
	Model string

	// MaxTokens — лимит токенов ответа (default: 4096).
	MaxTokens int

	// Temperature — температура (default: 0.7).
	Temperature float64

	// HTTPClient — клиент (default: с таймаутом 300s).
	HTTPClient *http.Client
}

// Validate проверяет конфигурацию.
func (c LLMConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: llm endpoint is required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: llm model is required", ErrInvalidConfig)
	}
	return nil
}

// LLMOperation вызывает chat completions и возвращает JSON из ответа.
//
// Промпт берётся из конфигурации стадии (уже отрендеренной по входу):
//
//	config:
//	  prompt: |
//	    Extract ... {{ .jobDescription }}
//	  model: gpt-4o-mini      # опционально
type LLMOperation struct {
	cfg    LLMConfig
	client *http.Client
	logger *slog.Logger
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewLLMOperation создаёт LLMOperation.
func NewLLMOperation(cfg LLMConfig, logger *slog.Logger) (*LLMOperation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultLLMTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMOperation{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "llm"),
	}, nil
}

// Invoke выполняет запрос к модели.
func (o *LLMOperation) Invoke(ctx context.Context, req *executor.Request) (map[string]any, error) {
	prompt := getString(req.Config, configPrompt)
	if strings.TrimSpace(prompt) == "" {
		return nil, domain.Permanentf("%v: %s: prompt is required", ErrInvalidConfig, req.Stage)
	}

	system := getString(req.Config, configSystem)
	if system == "" {
		system = defaultSystemPrompt
	}

	payload := chatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}
	if model := getString(req.Config, configModel); model != "" {
		payload.Model = model
	}
	if n := getInt(req.Config, configMaxTokens); n > 0 {
		payload.MaxTokens = n
	}
	if t, ok := getFloat(req.Config, configTemperature); ok {
		payload.Temperature = t
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	endpoint := strings.TrimSuffix(o.cfg.Endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("read response: %w", err))
	}
	if err := classifyStatus(resp.StatusCode, resp.Status, string(respBody)); err != nil {
		return nil, err
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, domain.Permanent(fmt.Errorf("parse response: %w", err))
	}
	if len(chat.Choices) == 0 {
		return nil, domain.Permanentf("empty choices in model response")
	}

	o.logger.Debug("model replied",
		"run_id", req.RunID,
		"stage", req.Stage,
		"model", payload.Model,
		"tokens_in", chat.Usage.PromptTokens,
		"tokens_out", chat.Usage.CompletionTokens,
	)

	out, err := ExtractObject(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, domain.Permanent(err)
	}
	return out, nil
}

package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/executor"
)

// OperationHTTP — вызов внешнего сервиса (ATS-скоринг, парсер резюме).
const OperationHTTP = "http"

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 << 20
)

// HTTPOperation отправляет вход стадии во внешний сервис и возвращает
// его JSON-ответ как выход стадии.
//
//	config:
//	  url: https://ats.example.com/score
//	  method: POST                        # по умолчанию POST
//	  headers: {Authorization: "Bearer {{ .token }}"}
//	  body: {...}                         # вместо входа стадии
//
// Ответ, который не является JSON-объектом, становится
// {"status_code": 200, "body": "<text>"}. Таймаут попытки задаёт
// timeout_sec стадии.
type HTTPOperation struct {
	client *http.Client
}

// NewHTTPOperation создаёт HTTPOperation. client == nil — клиент с таймаутом 30s.
func NewHTTPOperation(client *http.Client) *HTTPOperation {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPOperation{client: client}
}

// Invoke выполняет запрос.
func (o *HTTPOperation) Invoke(ctx context.Context, req *executor.Request) (map[string]any, error) {
	url := getString(req.Config, "url")
	if url == "" {
		return nil, domain.Permanent(fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, OperationHTTP))
	}
	method := strings.ToUpper(getString(req.Config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	payload, hasBody := req.Config["body"]
	if !hasBody && method != http.MethodGet {
		payload, hasBody = req.Input, true
	}

	var body io.Reader
	if hasBody && payload != nil {
		raw, err := encodeBody(payload)
		if err != nil {
			return nil, domain.Permanent(fmt.Errorf("encode request body: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Run-ID", req.RunID)
	for k, v := range getMapString(req.Config, "headers") {
		httpReq.Header.Set(k, v)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	return decodeHTTPResponse(resp)
}

// encodeBody — строка уходит как есть, остальное JSON.
func encodeBody(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

// decodeHTTPResponse классифицирует статус и разбирает ответ.
func decodeHTTPResponse(resp *http.Response) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("read response body: %w", err))
	}

	if err := classifyStatus(resp.StatusCode, resp.Status, string(raw)); err != nil {
		return nil, err
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var out map[string]any
		if json.Unmarshal(raw, &out) == nil && out != nil {
			if err := softFailure(out); err != nil {
				return nil, err
			}
			return out, nil
		}
	}

	return map[string]any{"status_code": resp.StatusCode, "body": string(raw)}, nil
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/poller"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// StartRunResponse — ответ на запуск.
type StartRunResponse struct {
	RunID   string `json:"run_id"`
	Result  string `json:"result"`
	Status  string `json:"status,omitempty"`
	PollURL string `json:"poll_url"`
}

// RunResponse — состояние run из API.
type RunResponse struct {
	RunID        string             `json:"run_id"`
	SessionID    string             `json:"session_id,omitempty"`
	Status       domain.RunStatus   `json:"status"`
	Terminal     bool               `json:"terminal"`
	CurrentStage string             `json:"current_stage,omitempty"`
	Summary      string             `json:"summary,omitempty"`
	Output       map[string]any     `json:"output,omitempty"`
	Error        *domain.StageError `json:"error,omitempty"`
	CreatedAt    string             `json:"created_at"`
	StartedAt    string             `json:"started_at,omitempty"`
	FinishedAt   string             `json:"finished_at,omitempty"`
}

// StageResultResponse — результат стадии из API.
type StageResultResponse struct {
	ID         string         `json:"id"`
	Stage      string         `json:"stage"`
	Parent     string         `json:"parent,omitempty"`
	Seq        int            `json:"seq"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
	DurationMs int64          `json:"duration_ms"`
}

// ResultResponse — запись индекса результатов из API.
type ResultResponse struct {
	RunID             string         `json:"run_id"`
	SessionID         string         `json:"session_id,omitempty"`
	FitScore          float64        `json:"fit_score"`
	ATSScore          float64        `json:"ats_score"`
	OverallRating     float64        `json:"overall_rating"`
	TailoredResumeKey string         `json:"tailored_resume_key,omitempty"`
	CoverLetterKey    string         `json:"cover_letter_key,omitempty"`
	Summary           map[string]any `json:"summary,omitempty"`
	CreatedAt         string         `json:"created_at"`
}

// PipelineResponse — описание pipeline из API.
type PipelineResponse struct {
	Name          string `json:"name"`
	Version       int    `json:"version"`
	RunTimeoutSec int    `json:"run_timeout_sec"`
	Stages        []struct {
		ID         string   `json:"id"`
		Type       string   `json:"type"`
		Operation  string   `json:"operation,omitempty"`
		TimeoutSec int      `json:"timeout_sec,omitempty"`
		Branches   []string `json:"branches,omitempty"`
	} `json:"stages"`
}

// --- Request types ---

// StartRunRequest — запуск run.
type StartRunRequest struct {
	RunID     string         `json:"run_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Input     map[string]any `json:"input"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ответ API с ошибкой.
type APIError struct {
	StatusCode int
	Code       string
	Message    string

	// RetryAfter — значение заголовка Retry-After (для 429).
	RetryAfter time.Duration
}

// Error реализует интерфейс error.
func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound возвращает true для ответа 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// --- Client ---

// Client — HTTP-клиент для API resumeflow.
type Client struct {
	baseURL    string
	sessionID  string
	httpClient *http.Client
}

// NewClient создаёт клиент для API. sessionID передаётся в заголовке
// X-Session-ID каждого запроса.
func NewClient(baseURL, sessionID string) *Client {
	return &Client{
		baseURL:   baseURL,
		sessionID: sessionID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Runs ---

// StartRun запускает run. Повтор уже принятого запуска не ошибка:
// Result будет DUPLICATE.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*StartRunResponse, error) {
	var resp StartRunResponse
	err := c.post(ctx, "/api/v1/runs", req, &resp)
	return &resp, err
}

// GetRun возвращает состояние run.
func (c *Client) GetRun(ctx context.Context, id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id), &run)
	return &run, err
}

// ListStages возвращает результаты стадий run.
func (c *Client) ListStages(ctx context.Context, runID string) ([]StageResultResponse, error) {
	var results []StageResultResponse
	err := c.list(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/stages", nil, &results)
	return results, err
}

// GetArtifact скачивает артефакт run.
func (c *Client) GetArtifact(ctx context.Context, runID, name string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID)+"/artifacts/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// --- Results ---

// GetResult возвращает итоговую сводку run.
func (c *Client) GetResult(ctx context.Context, runID string) (*ResultResponse, error) {
	var rec ResultResponse
	err := c.get(ctx, "/api/v1/results/"+url.PathEscape(runID), &rec)
	return &rec, err
}

// ListSessionResults возвращает сводки сессии, новые первыми.
func (c *Client) ListSessionResults(ctx context.Context, sessionID string, limit int) ([]ResultResponse, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var records []ResultResponse
	err := c.list(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/results", params, &records)
	return records, err
}

// --- Pipeline ---

// GetPipeline возвращает описание активного pipeline.
func (c *Client) GetPipeline(ctx context.Context) (*PipelineResponse, error) {
	var p PipelineResponse
	err := c.get(ctx, "/api/v1/pipeline", &p)
	return &p, err
}

// --- Poller ---

// Describer возвращает адаптер клиента для poller.Poller.
// Ответ 404 превращается в poller.ErrNotFound.
func (c *Client) Describer() poller.Describer {
	return poller.DescribeFunc(func(ctx context.Context, runID string) (*poller.Snapshot, error) {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			if IsNotFound(err) {
				return nil, fmt.Errorf("%w: %s", poller.ErrNotFound, runID)
			}
			return nil, err
		}
		return &poller.Snapshot{
			RunID:        run.RunID,
			Status:       run.Status,
			CurrentStage: run.CurrentStage,
			Output:       run.Output,
			Error:        run.Error,
		}, nil
	})
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doData(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPost, path, body, result)
}

func (c *Client) list(ctx context.Context, path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set("X-Session-ID", c.sessionID)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/orchestrator"
	"github.com/shaiso/resumeflow/internal/telemetry"
)

// maxRequestBody — лимит тела запроса на запуск (вход + резюме).
const maxRequestBody = 1 << 20

// StartRun принимает запрос на запуск run.
// POST /api/v1/runs
//
// 202 — run принят, 200 — повтор уже принятого запуска,
// 400 — вход отклонён, 429 — слишком частые новые запуски в сессии
// (повтор принятого запуска не ограничивается).
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	sessionID := sessionOf(r, req.SessionID)

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = "job-" + uuid.NewString()
	}

	resp, err := h.runs.StartRun(r.Context(), orchestrator.StartRequest{
		RunID:     runID,
		SessionID: sessionID,
		Input:     req.Input,
		Admit:     h.admit(sessionID),
	})
	var throttled *throttledError
	if errors.As(err, &throttled) {
		TooManyRequests(w, throttled.retryAfter)
		return
	}
	if HandleError(w, h.logger, err, "run not found") {
		return
	}

	body := StartRunResponse{
		RunID:   resp.RunID,
		Result:  resp.Result,
		Status:  resp.Status,
		PollURL: "/api/v1/runs/" + resp.RunID,
	}

	switch resp.Result {
	case orchestrator.StartAccepted:
		Accepted(w, body)
	case orchestrator.StartDuplicate:
		Success(w, body)
	default:
		InvalidInput(w, resp.Reason)
	}
}

// throttledError — новый run сессии отклонён ограничением частоты.
type throttledError struct {
	retryAfter time.Duration
}

func (e *throttledError) Error() string {
	return fmt.Sprintf("submission throttled, retry after %s", e.retryAfter)
}

// admit расходует разрешение guard сессии. Оркестратор вызывает его только
// для нового run: повтор и отклонённый вход разрешение не тратят.
func (h *Handler) admit(sessionID string) func() error {
	if h.guard == nil {
		return nil
	}
	return func() error {
		if ok, wait := h.guard.Allow(sessionID); !ok {
			telemetry.SubmissionsThrottled.Inc()
			h.logger.Debug("submission throttled", "session_id", sessionID, "retry_after", wait)
			return &throttledError{retryAfter: wait}
		}
		return nil
	}
}

// GetRun возвращает состояние run.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	desc, err := h.runs.Describe(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDescription(desc))
}

// ListRunStages возвращает результаты стадий run.
// GET /api/v1/runs/{id}/stages
func (h *Handler) ListRunStages(w http.ResponseWriter, r *http.Request) {
	results, err := h.runs.StageResults(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err, "run not found") {
		return
	}

	resp := make([]StageResultResponse, len(results))
	for i, res := range results {
		resp[i] = StageResultFromDomain(res)
	}

	List(w, resp, len(resp))
}

// GetArtifact отдаёт артефакт run.
// GET /api/v1/runs/{id}/artifacts/{name}
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	if h.artifacts == nil {
		NotFound(w, "artifact store is not configured")
		return
	}

	key, err := artifact.Key(r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	obj, err := h.artifacts.Get(r.Context(), key)
	if HandleError(w, h.logger, err, "artifact not found") {
		return
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = artifact.ContentTypeFor(key)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+r.PathValue("name")+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(obj.Data)
}

// sessionOf возвращает ID сессии: заголовок, затем тело, затем адрес клиента.
func sessionOf(r *http.Request, fromBody string) string {
	if s := strings.TrimSpace(r.Header.Get(SessionHeader)); s != "" {
		return s
	}
	if s := strings.TrimSpace(fromBody); s != "" {
		return s
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return "addr:" + host
}

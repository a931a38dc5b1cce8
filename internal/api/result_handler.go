package api

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// defaultResultsLimit — размер страницы результатов сессии.
const defaultResultsLimit = 50

// GetResult возвращает итоговую сводку run.
// GET /api/v1/results/{id}
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	rec, err := h.runs.Result(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err, "result not found") {
		return
	}

	Success(w, ResultFromDomain(rec))
}

// ListSessionResults возвращает сводки сессии, новые первыми.
// GET /api/v1/sessions/{id}/results?limit=...
func (h *Handler) ListSessionResults(w http.ResponseWriter, r *http.Request) {
	limit := defaultResultsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	records, err := h.runs.SessionResults(r.Context(), r.PathValue("id"), limit)
	if HandleError(w, h.logger, err, "") {
		return
	}

	resp := make([]ResultResponse, len(records))
	for i, rec := range records {
		resp[i] = ResultFromDomain(rec)
	}

	List(w, resp, len(resp))
}

// GetPipeline возвращает описание активного pipeline.
// GET /api/v1/pipeline
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	Success(w, PipelineFromEngine(h.runs.Pipeline()))
}

// Health — проверка живости.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

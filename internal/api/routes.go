package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		RequestID(),
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Runs
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.StartRun)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("GET /api/v1/runs/{id}/stages", chain(http.HandlerFunc(h.ListRunStages)))
	mux.Handle("GET /api/v1/runs/{id}/artifacts/{name}", chain(http.HandlerFunc(h.GetArtifact)))

	// Results
	mux.Handle("GET /api/v1/results/{id}", chain(http.HandlerFunc(h.GetResult)))
	mux.Handle("GET /api/v1/sessions/{id}/results", chain(http.HandlerFunc(h.ListSessionResults)))

	// Pipeline
	mux.Handle("GET /api/v1/pipeline", chain(http.HandlerFunc(h.GetPipeline)))

	// Health
	mux.HandleFunc("GET /healthz", h.Health)
}

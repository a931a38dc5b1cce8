package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/engine"
	"github.com/shaiso/resumeflow/internal/orchestrator"
	"github.com/shaiso/resumeflow/internal/poller"
)

// Run DTOs

// StartRunRequest — запрос на запуск run.
//
// RunID выбирает клиент (ключ идемпотентности). Пустой RunID —
// сервер сгенерирует "job-<uuid>".
type StartRunRequest struct {
	RunID     string         `json:"run_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Input     map[string]any `json:"input"`
}

// StartRunResponse — ответ на запуск.
type StartRunResponse struct {
	RunID   string                   `json:"run_id"`
	Result  orchestrator.StartResult `json:"result"`
	Status  domain.RunStatus         `json:"status,omitempty"`
	PollURL string                   `json:"poll_url"`
}

// RunResponse — состояние run для поллинга.
type RunResponse struct {
	RunID        string             `json:"run_id"`
	SessionID    string             `json:"session_id,omitempty"`
	Status       domain.RunStatus   `json:"status"`
	Terminal     bool               `json:"terminal"`
	CurrentStage string             `json:"current_stage,omitempty"`
	Summary      string             `json:"summary,omitempty"`
	Output       map[string]any     `json:"output,omitempty"`
	Error        *domain.StageError `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
}

// RunFromDescription конвертирует orchestrator.Description в RunResponse.
func RunFromDescription(d *orchestrator.Description) RunResponse {
	resp := RunResponse{
		RunID:        d.RunID,
		SessionID:    d.SessionID,
		Status:       d.Status,
		Terminal:     d.Status.IsTerminal(),
		CurrentStage: d.CurrentStage,
		Output:       d.Output,
		Error:        d.Error,
		CreatedAt:    d.CreatedAt,
		StartedAt:    d.StartedAt,
		FinishedAt:   d.FinishedAt,
	}
	if resp.Terminal {
		resp.Summary = poller.SummarizeSnapshot(&poller.Snapshot{
			RunID:  d.RunID,
			Status: d.Status,
			Error:  d.Error,
		})
	}
	return resp
}

// StageResult DTOs

// StageResultResponse — ответ с результатом стадии.
type StageResultResponse struct {
	ID         uuid.UUID          `json:"id"`
	Stage      string             `json:"stage"`
	Parent     string             `json:"parent,omitempty"`
	Seq        int                `json:"seq"`
	Status     domain.StageStatus `json:"status"`
	Attempts   int                `json:"attempts"`
	ErrorKind  domain.ErrorKind   `json:"error_kind,omitempty"`
	Error      string             `json:"error,omitempty"`
	Output     map[string]any     `json:"output,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	DurationMs int64              `json:"duration_ms"`
}

// StageResultFromDomain конвертирует domain.StageResult в StageResultResponse.
func StageResultFromDomain(r *domain.StageResult) StageResultResponse {
	return StageResultResponse{
		ID:         r.ID,
		Stage:      r.Stage,
		Parent:     r.Parent,
		Seq:        r.Seq,
		Status:     r.Status,
		Attempts:   r.Attempts,
		ErrorKind:  r.ErrorKind,
		Error:      r.Error,
		Output:     r.Output,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationMs: r.Duration().Milliseconds(),
	}
}

// Result DTOs

// ResultResponse — ответ с записью индекса результатов.
type ResultResponse struct {
	RunID             string         `json:"run_id"`
	SessionID         string         `json:"session_id,omitempty"`
	FitScore          float64        `json:"fit_score"`
	ATSScore          float64        `json:"ats_score"`
	OverallRating     float64        `json:"overall_rating"`
	TailoredResumeKey string         `json:"tailored_resume_key,omitempty"`
	CoverLetterKey    string         `json:"cover_letter_key,omitempty"`
	Summary           map[string]any `json:"summary,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ResultFromDomain конвертирует domain.ResultRecord в ResultResponse.
func ResultFromDomain(r *domain.ResultRecord) ResultResponse {
	return ResultResponse{
		RunID:             r.RunID,
		SessionID:         r.SessionID,
		FitScore:          r.FitScore,
		ATSScore:          r.ATSScore,
		OverallRating:     r.OverallRating,
		TailoredResumeKey: r.TailoredResumeKey,
		CoverLetterKey:    r.CoverLetterKey,
		Summary:           r.Summary,
		CreatedAt:         r.CreatedAt,
	}
}

// Pipeline DTOs

// PipelineResponse — ответ с описанием pipeline.
type PipelineResponse struct {
	Name          string              `json:"name"`
	Version       int                 `json:"version"`
	RunTimeoutSec int                 `json:"run_timeout_sec"`
	Stages        []PipelineStageInfo `json:"stages"`
}

// PipelineStageInfo — стадия верхнего уровня.
type PipelineStageInfo struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Operation  string   `json:"operation,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
	Branches   []string `json:"branches,omitempty"`
}

// PipelineFromEngine конвертирует engine.Pipeline в PipelineResponse.
func PipelineFromEngine(p *engine.Pipeline) PipelineResponse {
	resp := PipelineResponse{
		Name:          p.Name(),
		Version:       p.Version(),
		RunTimeoutSec: int(p.RunTimeout().Seconds()),
		Stages:        make([]PipelineStageInfo, 0, p.Len()),
	}
	for i := 0; i < p.Len(); i++ {
		stage := p.Stage(i)
		info := PipelineStageInfo{
			ID:         stage.ID(),
			Type:       domain.StageTypeTask,
			Operation:  stage.Def.Operation,
			TimeoutSec: int(stage.Timeout.Seconds()),
		}
		if stage.IsParallel() {
			info.Type = domain.StageTypeParallel
			for _, b := range stage.Branches {
				info.Branches = append(info.Branches, b.ID())
			}
		}
		resp.Stages = append(resp.Stages, info)
	}
	return resp
}

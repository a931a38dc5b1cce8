package domain

import (
	"maps"
	"time"
)

// Поля сводки, которую строит стадия слияния результатов.
const (
	SummaryFitScore          = "fitScore"
	SummaryATSScore          = "atsScore"
	SummaryOverallRating     = "overallRating"
	SummaryTailoredResumeKey = "tailoredResumeKey"
	SummaryCoverLetterKey    = "coverLetterKey"
)

// ResultRecord — итоговая сводка run в индексе результатов.
//
// Пишется один раз, когда run с успешной стадией слияния завершается
// со статусом SUCCEEDED. Ключ — RunID, вторичный индекс — SessionID.
type ResultRecord struct {
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

// NewResultRecord строит запись индекса из сводки стадии слияния.
func NewResultRecord(run *Run, summary map[string]any, now time.Time) *ResultRecord {
	return &ResultRecord{
		RunID:             run.ID,
		SessionID:         run.SessionID,
		FitScore:          number(summary[SummaryFitScore]),
		ATSScore:          number(summary[SummaryATSScore]),
		OverallRating:     number(summary[SummaryOverallRating]),
		TailoredResumeKey: str(summary[SummaryTailoredResumeKey]),
		CoverLetterKey:    str(summary[SummaryCoverLetterKey]),
		Summary:           maps.Clone(summary),
		CreatedAt:         now,
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

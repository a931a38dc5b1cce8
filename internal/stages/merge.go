package stages

import (
	"context"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/executor"
)

// OperationMergeResults — имя операции слияния результатов.
const OperationMergeResults = "merge_results"

// MergeResultsOperation собирает итоговую сводку run из входа стадии.
//
// Вход (проекция из контекста):
//
//	{
//	    "fitScore": 82, "atsScore": 91, "overallRating": 8,
//	    "tailoredResumeKey": "job-1/resume.md",
//	    "coverLetterKey": "job-1/cover_letter.txt",
//	    "analysis": {...},
//	    "refinements": [{...}, {...}, {...}]
//	}
//
// Отсутствующие оценки становятся 0, ключи — пустой строкой.
type MergeResultsOperation struct{}

// NewMergeResultsOperation создаёт MergeResultsOperation.
func NewMergeResultsOperation() *MergeResultsOperation {
	return &MergeResultsOperation{}
}

// Invoke строит сводку.
func (o *MergeResultsOperation) Invoke(ctx context.Context, req *executor.Request) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summary := map[string]any{
		"runId":                         req.RunID,
		domain.SummaryFitScore:          score(req.Input, domain.SummaryFitScore),
		domain.SummaryATSScore:          score(req.Input, domain.SummaryATSScore),
		domain.SummaryOverallRating:     score(req.Input, domain.SummaryOverallRating),
		domain.SummaryTailoredResumeKey: getString(req.Input, domain.SummaryTailoredResumeKey),
		domain.SummaryCoverLetterKey:    getString(req.Input, domain.SummaryCoverLetterKey),
	}

	if analysis := getMap(req.Input, "analysis"); analysis != nil {
		for _, key := range []string{"matchedSkills", "missingSkills", "strengths", "gaps", "recommendations", "summary"} {
			if v, ok := analysis[key]; ok {
				summary[key] = v
			}
		}
	}

	if refinements, ok := req.Input["refinements"].([]any); ok {
		summary["refinements"] = refinements
	}

	return summary, nil
}

func score(m map[string]any, key string) float64 {
	v, _ := getFloat(m, key)
	return v
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/engine"
	"github.com/shaiso/resumeflow/internal/telemetry"
)

// OutputKeyBranches — поле записи fan-out стадии с выходами ветвей в порядке объявления.
const OutputKeyBranches = "branches"

// fanOut выполняет ветви параллельной стадии.
//
// Группа без общего ctx: падение одной ветви не отменяет остальные.
// Каждая ветвь пишет только в свой слот results[i].
func (r *Runner) fanOut(ctx context.Context, runID string, doc map[string]any, stage *engine.Stage) (*Outcome, error) {
	logger := telemetry.WithStage(telemetry.WithRunID(r.logger, runID), stage.ID())
	started := r.now()

	results := make([]*domain.StageResult, len(stage.Branches))

	var g errgroup.Group
	for i, branch := range stage.Branches {
		g.Go(func() error {
			res, err := r.task(ctx, runID, doc, branch)
			if err != nil {
				return fmt.Errorf("branch %s: %w", branch.ID(), err)
			}
			results[i] = res
			return nil
		})
	}

	logger.Info("fan-out started", "branches", len(stage.Branches))

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Артефакты пишутся только после того, как успешны все ветви
	if failure := firstFailure(results); failure == nil {
		for i, branch := range stage.Branches {
			if err := r.writeArtifacts(ctx, runID, branch, results[i]); err != nil {
				return nil, err
			}
		}
	}

	summary := domain.NewStageResult(runID, stage.ID())
	summary.StartedAt = started
	summary.FinishedAt = r.now()
	summary.Attempts = 1

	all := make([]*domain.StageResult, 0, len(results)+1)
	all = append(all, results...)
	all = append(all, summary)

	if failure := firstFailure(results); failure != nil {
		summary.Status = domain.StageStatusFailed
		summary.ErrorKind = failure.ErrorKind
		summary.Error = fmt.Sprintf("branch %s failed: %s", failure.Stage, failure.Error)

		logger.Warn("fan-out failed",
			"branch", failure.Stage,
			"error_kind", failure.ErrorKind,
			"error", failure.Error,
		)
		return failedOutcome(stage.ID(), failure, all...), nil
	}

	output := make(map[string]any, len(results)+1)
	ordered := make([]any, len(results))
	for i, res := range results {
		ordered[i] = res.Output
		output[res.Stage] = res.Output
	}
	output[OutputKeyBranches] = ordered

	summary.Status = domain.StageStatusSucceeded
	summary.Output = output

	logger.Info("fan-out completed", "duration", summary.Duration())

	return &Outcome{
		Stage:   stage.ID(),
		Status:  domain.StageStatusSucceeded,
		Output:  output,
		Results: all,
	}, nil
}

// firstFailure возвращает первую упавшую ветвь в порядке объявления.
func firstFailure(results []*domain.StageResult) *domain.StageResult {
	for _, res := range results {
		if res.Failed() {
			return res
		}
	}
	return nil
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

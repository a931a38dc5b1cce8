package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/resumeflow/internal/domain"
)

const runColumns = `
	id, session_id, pipeline, pipeline_version, status, current_stage, stage_index,
	input, input_hash, context, output, error, deadline, started_at, finished_at,
	created_at, updated_at, revision`

// RunRepo — репозиторий runs и результатов стадий.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// Create создаёт новый run.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	cols, err := marshalRun(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		nullString(run.SessionID),
		run.Pipeline,
		run.PipelineVersion,
		run.Status,
		nullString(run.CurrentStage),
		run.StageIndex,
		cols.input,
		run.InputHash,
		cols.context,
		cols.output,
		cols.error,
		run.Deadline,
		run.StartedAt,
		run.FinishedAt,
		run.CreatedAt,
		run.UpdatedAt,
		run.Revision,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// Update сохраняет run с проверкой ревизии и добавляет результаты стадий
// в одной транзакции.
func (r *RunRepo) Update(ctx context.Context, run *domain.Run, results ...*domain.StageResult) error {
	cols, err := marshalRun(run)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE runs
		SET status = $3, current_stage = $4, stage_index = $5, context = $6,
		    output = $7, error = $8, deadline = $9, started_at = $10,
		    finished_at = $11, updated_at = $12, pipeline = $13,
		    pipeline_version = $14, revision = revision + 1
		WHERE id = $1 AND revision = $2
	`
	tag, err := tx.Exec(ctx, query,
		run.ID,
		run.Revision,
		run.Status,
		nullString(run.CurrentStage),
		run.StageIndex,
		cols.context,
		cols.output,
		cols.error,
		run.Deadline,
		run.StartedAt,
		run.FinishedAt,
		run.UpdatedAt,
		run.Pipeline,
		run.PipelineVersion,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check run: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if len(results) > 0 {
		if err := insertStageResults(ctx, tx, run.ID, results); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	run.Revision++
	return nil
}

func insertStageResults(ctx context.Context, tx pgx.Tx, runID string, results []*domain.StageResult) error {
	var seq int
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM stage_results WHERE run_id = $1`, runID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next stage seq: %w", err)
	}

	query := `
		INSERT INTO stage_results (id, run_id, seq, stage, parent, status, output,
		                           attempts, error_kind, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for _, res := range results {
		seq++
		res.Seq = seq

		output, err := marshalNullable(res.Output)
		if err != nil {
			return fmt.Errorf("marshal output of %s: %w", res.Stage, err)
		}

		_, err = tx.Exec(ctx, query,
			res.ID,
			runID,
			res.Seq,
			res.Stage,
			nullString(res.Parent),
			res.Status,
			output,
			res.Attempts,
			nullString(string(res.ErrorKind)),
			nullString(res.Error),
			res.StartedAt,
			res.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert stage result %s: %w", res.Stage, err)
		}
	}
	return nil
}

// ListStageResults возвращает результаты стадий run.
func (r *RunRepo) ListStageResults(ctx context.Context, runID string) ([]*domain.StageResult, error) {
	query := `
		SELECT id, run_id, seq, stage, parent, status, output, attempts,
		       error_kind, error, started_at, finished_at
		FROM stage_results
		WHERE run_id = $1
		ORDER BY seq ASC
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	var results []*domain.StageResult
	for rows.Next() {
		var res domain.StageResult
		var parent, errorKind, errMsg *string
		var outputJSON []byte

		err := rows.Scan(
			&res.ID,
			&res.RunID,
			&res.Seq,
			&res.Stage,
			&parent,
			&res.Status,
			&outputJSON,
			&res.Attempts,
			&errorKind,
			&errMsg,
			&res.StartedAt,
			&res.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}

		if outputJSON != nil {
			if err := json.Unmarshal(outputJSON, &res.Output); err != nil {
				return nil, fmt.Errorf("unmarshal stage output: %w", err)
			}
		}
		res.Parent = deref(parent)
		res.ErrorKind = domain.ErrorKind(deref(errorKind))
		res.Error = deref(errMsg)

		results = append(results, &res)
	}
	return results, rows.Err()
}

// Touch обновляет updated_at run без смены ревизии.
func (r *RunRepo) Touch(ctx context.Context, id string, revision int, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE runs SET updated_at = $3 WHERE id = $1 AND revision = $2`,
		id, revision, at,
	)
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListStale возвращает run в статусе status, не обновлявшиеся с before.
func (r *RunRepo) ListStale(ctx context.Context, status domain.RunStatus, before time.Time, limit int) ([]*domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	return r.queryRuns(ctx, query, status, before, limit)
}

// ListExpired возвращает RUNNING run с истёкшим deadline.
func (r *RunRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE status = 'RUNNING' AND deadline <= $1
		ORDER BY deadline ASC
		LIMIT $2
	`
	return r.queryRuns(ctx, query, now, limit)
}

func (r *RunRepo) queryRuns(ctx context.Context, query string, args ...any) ([]*domain.Run, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Helpers ---

// scanner — общий интерфейс pgx.Row и pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// runJSON — JSON-колонки run.
type runJSON struct {
	input   []byte
	context []byte
	output  []byte
	error   []byte
}

func marshalRun(run *domain.Run) (runJSON, error) {
	var cols runJSON
	var err error

	if cols.input, err = json.Marshal(run.Input); err != nil {
		return cols, fmt.Errorf("marshal input: %w", err)
	}
	if cols.context, err = json.Marshal(run.Context); err != nil {
		return cols, fmt.Errorf("marshal context: %w", err)
	}
	if cols.output, err = marshalNullable(run.Output); err != nil {
		return cols, fmt.Errorf("marshal output: %w", err)
	}
	if run.Error != nil {
		if cols.error, err = json.Marshal(run.Error); err != nil {
			return cols, fmt.Errorf("marshal error: %w", err)
		}
	}
	return cols, nil
}

// scanRun сканирует одну строку в Run.
func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var sessionID, currentStage *string
	var inputJSON, contextJSON, outputJSON, errorJSON []byte

	err := row.Scan(
		&run.ID,
		&sessionID,
		&run.Pipeline,
		&run.PipelineVersion,
		&run.Status,
		&currentStage,
		&run.StageIndex,
		&inputJSON,
		&run.InputHash,
		&contextJSON,
		&outputJSON,
		&errorJSON,
		&run.Deadline,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.Revision,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.SessionID = deref(sessionID)
	run.CurrentStage = deref(currentStage)

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &run.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &run.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &run.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if errorJSON != nil {
		run.Error = &domain.StageError{}
		if err := json.Unmarshal(errorJSON, run.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}

	return &run, nil
}

// marshalNullable возвращает nil для nil map (NULL в БД).
func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/resumeflow/internal/domain"
)

// ResultRepo — индекс итоговых результатов.
type ResultRepo struct {
	pool *pgxpool.Pool
}

// NewResultRepo создаёт новый ResultRepo.
func NewResultRepo(pool *pgxpool.Pool) *ResultRepo {
	return &ResultRepo{pool: pool}
}

// Create записывает сводку run. Вторая запись того же run — ErrAlreadyExists.
func (r *ResultRepo) Create(ctx context.Context, rec *domain.ResultRecord) error {
	summary, err := marshalNullable(rec.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	query := `
		INSERT INTO results (run_id, session_id, fit_score, ats_score, overall_rating,
		                     tailored_resume_key, cover_letter_key, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		rec.RunID,
		nullString(rec.SessionID),
		rec.FitScore,
		rec.ATSScore,
		rec.OverallRating,
		nullString(rec.TailoredResumeKey),
		nullString(rec.CoverLetterKey),
		summary,
		rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

const resultColumns = `
	run_id, session_id, fit_score, ats_score, overall_rating,
	tailored_resume_key, cover_letter_key, summary, created_at`

// GetByRunID возвращает сводку run.
func (r *ResultRepo) GetByRunID(ctx context.Context, runID string) (*domain.ResultRecord, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE run_id = $1`
	return scanResult(r.pool.QueryRow(ctx, query, runID))
}

// ListBySession возвращает сводки сессии, новые первыми.
func (r *ResultRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.ResultRecord, error) {
	query := `
		SELECT ` + resultColumns + `
		FROM results
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var records []*domain.ResultRecord
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanResult(row scanner) (*domain.ResultRecord, error) {
	var rec domain.ResultRecord
	var sessionID, resumeKey, letterKey *string
	var summaryJSON []byte

	err := row.Scan(
		&rec.RunID,
		&sessionID,
		&rec.FitScore,
		&rec.ATSScore,
		&rec.OverallRating,
		&resumeKey,
		&letterKey,
		&summaryJSON,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}

	rec.SessionID = deref(sessionID)
	rec.TailoredResumeKey = deref(resumeKey)
	rec.CoverLetterKey = deref(letterKey)

	if summaryJSON != nil {
		if err := json.Unmarshal(summaryJSON, &rec.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	return &rec, nil
}

var (
	_ RunStore    = (*RunRepo)(nil)
	_ ResultStore = (*ResultRepo)(nil)
)

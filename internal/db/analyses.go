package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pulse-bot/internal/models"
)

const analysisColumns = `id, user_id, structured, clinical_context, COALESCE(report, ''), created_at`

func scanAnalysis(row rowScanner) (*models.Analysis, error) {
	var (
		a          models.Analysis
		structured []byte
		clinical   []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &structured, &clinical, &a.Report, &a.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	a.Structured = json.RawMessage(structured)
	if len(clinical) > 0 {
		if err := json.Unmarshal(clinical, &a.ClinicalContext); err != nil {
			return nil, fmt.Errorf("failed to decode clinical context of analysis %d: %w", a.ID, err)
		}
	}
	return &a, nil
}

func collectAnalyses(rows interface {
	rowScanner
	Next() bool
	Err() error
	Close()
}) ([]models.Analysis, error) {
	defer rows.Close()
	out := []models.Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (db *PostgresDB) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	structured := string(a.Structured)
	if structured == "" {
		structured = "{}"
	}
	err := db.pool.QueryRow(ctx, `
        INSERT INTO analyses (user_id, structured)
        VALUES ($1, $2::jsonb)
        RETURNING id, created_at`,
		a.UserID, structured,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create analysis: %w", err)
	}
	return nil
}

// SaveReport stores the interview answers and the generated report.
func (db *PostgresDB) SaveReport(ctx context.Context, id int64, clinical map[string]string, report string) error {
	raw, err := json.Marshal(clinical)
	if err != nil {
		return fmt.Errorf("failed to encode clinical context: %w", err)
	}
	tag, err := db.pool.Exec(ctx, `
        UPDATE analyses SET clinical_context = $2::jsonb, report = $3 WHERE id = $1`,
		id, string(raw), report)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetAnalysis returns the analysis only when it belongs to userID.
func (db *PostgresDB) GetAnalysis(ctx context.Context, userID, id int64) (*models.Analysis, error) {
	a, err := scanAnalysis(db.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis %d: %w", id, err)
	}
	return a, nil
}

func (db *PostgresDB) RecentAnalyses(ctx context.Context, userID int64, limit int) ([]models.Analysis, error) {
	rows, err := db.pool.Query(ctx, `
        SELECT `+analysisColumns+` FROM analyses
        WHERE user_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent analyses: %w", err)
	}
	return collectAnalyses(rows)
}

// PruneAnalyses keeps the newest keep analyses of a user and deletes the rest.
func (db *PostgresDB) PruneAnalyses(ctx context.Context, userID int64, keep int) (int, error) {
	tag, err := db.pool.Exec(ctx, `
        DELETE FROM analyses
        WHERE user_id = $1 AND id NOT IN (
            SELECT id FROM analyses WHERE user_id = $1
            ORDER BY created_at DESC, id DESC
            LIMIT $2
        )`, userID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune analyses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (db *PostgresDB) DeleteAnalysesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM analyses WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old analyses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (db *PostgresDB) AddFollowUp(ctx context.Context, f *models.FollowUp) error {
	err := db.pool.QueryRow(ctx, `
        INSERT INTO follow_up_questions (analysis_id, question, answer)
        VALUES ($1, $2, $3)
        RETURNING id, created_at`,
		f.AnalysisID, f.Question, f.Answer,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add follow-up: %w", err)
	}
	return nil
}

func (db *PostgresDB) ListAnalyses(ctx context.Context, skip, limit int) ([]models.Analysis, error) {
	rows, err := db.pool.Query(ctx, `
        SELECT `+analysisColumns+` FROM analyses
        ORDER BY created_at DESC, id DESC
        OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	return collectAnalyses(rows)
}

func (db *PostgresDB) Overview(ctx context.Context, now time.Time) (models.Overview, error) {
	var o models.Overview
	err := db.pool.QueryRow(ctx, `
        SELECT
            (SELECT COUNT(*) FROM users),
            (SELECT COUNT(*) FROM users WHERE subscription_status = 'active' AND subscription_expire_at > $1),
            (SELECT COUNT(*) FROM analyses),
            (SELECT COALESCE(SUM(amount), 0)::float8 FROM payments WHERE status = 'completed')`, now,
	).Scan(&o.TotalUsers, &o.ActiveSubscriptions, &o.TotalAnalyses, &o.TotalRevenue)
	if err != nil {
		return models.Overview{}, fmt.Errorf("failed to load overview: %w", err)
	}
	return o, nil
}

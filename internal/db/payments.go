package db

import (
	"context"
	"fmt"

	"pulse-bot/internal/models"
)

const paymentColumns = `
    id, user_id, amount::float8, currency, plan, status, COALESCE(provider_payment_id, ''), created_at, completed_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p      models.Payment
		amount float64
		status string
	)
	err := row.Scan(&p.ID, &p.UserID, &amount, &p.Currency, &p.Plan, &status, &p.ProviderPaymentID, &p.CreatedAt, &p.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.Amount = int(amount)
	p.Status = models.PaymentStatus(status)
	return &p, nil
}

func (db *PostgresDB) CreatePayment(ctx context.Context, p *models.Payment) error {
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
	err := db.pool.QueryRow(ctx, `
        INSERT INTO payments (user_id, amount, currency, plan, status)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, created_at`,
		p.UserID, p.Amount, p.Currency, p.Plan, string(p.Status),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (db *PostgresDB) SetProviderPaymentID(ctx context.Context, id int64, providerID string) error {
	_, err := db.pool.Exec(ctx, `UPDATE payments SET provider_payment_id = $2 WHERE id = $1`, id, providerID)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to set provider payment id: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment %d: %w", id, err)
	}
	return p, nil
}

func (db *PostgresDB) GetPaymentByProviderID(ctx context.Context, providerID string) (*models.Payment, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_payment_id = $1`, providerID))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment by provider id: %w", err)
	}
	return p, nil
}

func (db *PostgresDB) FailPayment(ctx context.Context, id int64) (bool, error) {
	tag, err := db.pool.Exec(ctx, `UPDATE payments SET status = 'failed' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (db *PostgresDB) ListPayments(ctx context.Context, skip, limit int) ([]models.Payment, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments ORDER BY created_at DESC, id DESC OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	out := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (db *PostgresDB) CompletedPaymentsByPlan(ctx context.Context) (map[string]int, error) {
	rows, err := db.pool.Query(ctx, `SELECT plan, COUNT(*) FROM payments WHERE status = 'completed' GROUP BY plan`)
	if err != nil {
		return nil, fmt.Errorf("failed to count payments by plan: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var plan string
		var n int
		if err := rows.Scan(&plan, &n); err != nil {
			return nil, err
		}
		out[plan] = n
	}
	return out, rows.Err()
}

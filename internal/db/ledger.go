package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
)

// InTx runs fn in a read-committed transaction. Row locks taken through
// Tx.LockUser and Tx.LockPayment are held until commit.
func (db *PostgresDB) InTx(ctx context.Context, fn func(tx ledger.Tx) error) (err error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(pgTx{tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (t pgTx) LockUser(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t pgTx) SaveEntitlement(ctx context.Context, userID int64, e models.Entitlement) error {
	var plan interface{}
	if e.Plan != "" {
		plan = string(e.Plan)
	}
	tag, err := t.tx.Exec(ctx, `
        UPDATE users SET
            subscription_status = $2,
            subscription_plan = $3,
            subscription_expire_at = $4,
            total_requests = $5,
            bonus_requests = $6,
            used_requests = $7,
            total_ask_requests = $8,
            used_ask_requests = $9
        WHERE id = $1`,
		userID, string(e.Status), plan, e.ExpireAt,
		e.Total.Nullable(), e.Bonus, e.Used, e.AskTotal.Nullable(), e.AskUsed,
	)
	if err != nil {
		return fmt.Errorf("failed to save entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t pgTx) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (t pgTx) LockPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (t pgTx) CompletePayment(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments SET status = 'completed', completed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to complete payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t pgTx) ReferralExists(ctx context.Context, paymentID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM referrals WHERE payment_id = $1)`, paymentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check referral: %w", err)
	}
	return exists, nil
}

// InsertReferral relies on the unique payment_id so concurrent deliveries insert at most once.
func (t pgTx) InsertReferral(ctx context.Context, r *models.Referral) (bool, error) {
	err := t.tx.QueryRow(ctx, `
        INSERT INTO referrals (referrer_id, referred_user_id, payment_id, bonus_requests, payment_date)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (payment_id) DO NOTHING
        RETURNING id, created_at`,
		r.ReferrerID, r.ReferredUserID, r.PaymentID, r.BonusRequests, r.PaymentDate,
	).Scan(&r.ID, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert referral: %w", err)
	}
	return true, nil
}

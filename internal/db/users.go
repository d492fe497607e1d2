package db

import (
	"context"
	"fmt"
	"time"

	"pulse-bot/internal/models"
)

const userColumns = `
    id, telegram_id, COALESCE(username, ''), referrer_id, COALESCE(referral_code, ''), created_at,
    subscription_status, COALESCE(subscription_plan, ''), subscription_expire_at,
    total_requests, bonus_requests, used_requests, total_ask_requests, used_ask_requests`

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u        models.User
		total    *int32
		askTotal *int32
		plan     string
		status   string
	)
	err := row.Scan(
		&u.ID, &u.TelegramID, &u.Username, &u.ReferrerID, &u.ReferralCode, &u.CreatedAt,
		&status, &plan, &u.ExpireAt,
		&total, &u.Bonus, &u.Used, &askTotal, &u.AskUsed,
	)
	if err != nil {
		return nil, notFound(err)
	}
	u.Status = models.SubscriptionStatus(status)
	u.Plan = models.Tier(plan)
	u.Total = models.AllotmentFromNullable(intPtr(total))
	u.AskTotal = models.AllotmentFromNullable(intPtr(askTotal))
	return &u, nil
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

// UpsertUser registers a Telegram user or refreshes the username of an existing one.
func (db *PostgresDB) UpsertUser(ctx context.Context, telegramID int64, username string) (*models.User, error) {
	query := `
        INSERT INTO users (telegram_id, username)
        VALUES ($1, NULLIF($2, ''))
        ON CONFLICT (telegram_id) DO UPDATE
        SET username = COALESCE(NULLIF($2, ''), users.username)
        RETURNING ` + userColumns

	u, err := scanUser(db.pool.QueryRow(ctx, query, telegramID, username))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return u, nil
}

func (db *PostgresDB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return u, nil
}

func (db *PostgresDB) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by telegram id: %w", err)
	}
	return u, nil
}

func (db *PostgresDB) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1) ORDER BY id LIMIT 1`
	u, err := scanUser(db.pool.QueryRow(ctx, query, username))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by username: %w", err)
	}
	return u, nil
}

func (db *PostgresDB) ListUsers(ctx context.Context, skip, limit int) ([]models.User, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	out := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// ExpireDue flips lapsed active subscriptions in one statement.
func (db *PostgresDB) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx, `
        UPDATE users
        SET subscription_status = 'expired', bonus_requests = 0, used_requests = 0, used_ask_requests = 0
        WHERE subscription_status = 'active' AND subscription_expire_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (db *PostgresDB) SetReferralCode(ctx context.Context, userID int64, code string) (string, error) {
	var stored string
	err := db.pool.QueryRow(ctx, `
        UPDATE users SET referral_code = COALESCE(referral_code, $2)
        WHERE id = $1
        RETURNING referral_code`, userID, code).Scan(&stored)
	if isUniqueViolation(err) {
		return "", models.ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("failed to set referral code: %w", notFound(err))
	}
	return stored, nil
}

func (db *PostgresDB) FindUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by referral code: %w", err)
	}
	return u, nil
}

func (db *PostgresDB) SetReferrer(ctx context.Context, userID, referrerID int64) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
        UPDATE users SET referrer_id = $2
        WHERE id = $1 AND referrer_id IS NULL AND id <> $2`, userID, referrerID)
	if err != nil {
		return false, fmt.Errorf("failed to set referrer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (db *PostgresDB) ReferralTotals(ctx context.Context, referrerID int64) (int, int, error) {
	var count, bonus int
	err := db.pool.QueryRow(ctx, `
        SELECT COUNT(*), COALESCE(SUM(bonus_requests), 0)
        FROM referrals WHERE referrer_id = $1`, referrerID).Scan(&count, &bonus)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return count, bonus, nil
}

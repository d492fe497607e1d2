package db

import (
	"context"
	"fmt"
	"time"

	"pulse-bot/internal/models"
)

func (db *PostgresDB) CreateNotification(ctx context.Context, n *models.Notification) error {
	err := db.pool.QueryRow(ctx, `
        INSERT INTO user_notifications (user_id, scheduled_at, text)
        VALUES ($1, $2, $3)
        RETURNING id, created_at`,
		n.UserID, n.ScheduledAt, n.Text,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// DueNotifications returns unsent notifications scheduled at or before now, oldest first.
func (db *PostgresDB) DueNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	rows, err := db.pool.Query(ctx, `
        SELECT n.id, n.user_id, u.telegram_id, n.scheduled_at, n.text, n.sent, n.created_at
        FROM user_notifications n
        JOIN users u ON u.id = n.user_id
        WHERE NOT n.sent AND n.scheduled_at <= $1
        ORDER BY n.scheduled_at
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.TelegramID, &n.ScheduledAt, &n.Text, &n.Sent, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (db *PostgresDB) MarkNotificationSent(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx, `UPDATE user_notifications SET sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

package db

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                      BIGSERIAL PRIMARY KEY,
    telegram_id             BIGINT NOT NULL UNIQUE,
    username                VARCHAR(64),
    subscription_status     VARCHAR(16) NOT NULL DEFAULT 'inactive',
    subscription_plan       VARCHAR(16),
    subscription_expire_at  TIMESTAMPTZ,
    total_requests          INTEGER DEFAULT 0 CHECK (total_requests >= 0),
    bonus_requests          INTEGER NOT NULL DEFAULT 0 CHECK (bonus_requests >= 0),
    used_requests           INTEGER NOT NULL DEFAULT 0 CHECK (used_requests >= 0),
    total_ask_requests      INTEGER DEFAULT 0 CHECK (total_ask_requests >= 0),
    used_ask_requests       INTEGER NOT NULL DEFAULT 0 CHECK (used_ask_requests >= 0),
    referrer_id             BIGINT REFERENCES users(id),
    referral_code           VARCHAR(16) UNIQUE,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ix_users_username ON users (LOWER(username));
CREATE INDEX IF NOT EXISTS ix_users_active_expiry ON users (subscription_expire_at) WHERE subscription_status = 'active';

CREATE TABLE IF NOT EXISTS payments (
    id                   BIGSERIAL PRIMARY KEY,
    user_id              BIGINT NOT NULL REFERENCES users(id),
    amount               NUMERIC(10,2) NOT NULL,
    currency             VARCHAR(3) NOT NULL DEFAULT 'RUB',
    plan                 VARCHAR(32) NOT NULL,
    status               VARCHAR(16) NOT NULL DEFAULT 'pending',
    provider_payment_id  VARCHAR(255) UNIQUE,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS referrals (
    id                BIGSERIAL PRIMARY KEY,
    referrer_id       BIGINT NOT NULL REFERENCES users(id),
    referred_user_id  BIGINT NOT NULL REFERENCES users(id),
    payment_id        BIGINT NOT NULL UNIQUE REFERENCES payments(id),
    bonus_requests    INTEGER NOT NULL DEFAULT 5,
    payment_date      TIMESTAMPTZ NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ix_referrals_referrer ON referrals (referrer_id);

CREATE TABLE IF NOT EXISTS analyses (
    id                BIGSERIAL PRIMARY KEY,
    user_id           BIGINT NOT NULL REFERENCES users(id),
    structured        JSONB NOT NULL,
    clinical_context  JSONB,
    report            TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ix_analyses_user_created ON analyses (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS follow_up_questions (
    id           BIGSERIAL PRIMARY KEY,
    analysis_id  BIGINT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
    question     TEXT NOT NULL,
    answer       TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_notifications (
    id            BIGSERIAL PRIMARY KEY,
    user_id       BIGINT NOT NULL REFERENCES users(id),
    scheduled_at  TIMESTAMPTZ NOT NULL,
    text          TEXT NOT NULL,
    sent          BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ix_notifications_due ON user_notifications (scheduled_at) WHERE NOT sent;
`

// Migrate creates missing tables and indexes. Safe to run on every start.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

package db

const probeQuery = `SELECT 1 FROM trial_balances LIMIT 1`

var schema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		user_id                TEXT PRIMARY KEY,
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT UNIQUE,
		plan_type              TEXT NOT NULL DEFAULT 'free',
		status                 TEXT NOT NULL DEFAULT 'inactive',
		current_period_start   TIMESTAMPTZ,
		current_period_end     TIMESTAMPTZ,
		grace_period_end       TIMESTAMPTZ,
		payment_failures       INTEGER NOT NULL DEFAULT 0,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS subscriptions_customer_idx ON subscriptions (stripe_customer_id)`,
	`CREATE INDEX IF NOT EXISTS subscriptions_status_updated_idx ON subscriptions (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS usage_counters (
		user_id      TEXT NOT NULL,
		tool_name    TEXT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		count        BIGINT NOT NULL DEFAULT 0,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, tool_name, period_start)
	)`,
	`CREATE TABLE IF NOT EXISTS trial_balances (
		user_id        TEXT PRIMARY KEY,
		uses_remaining BIGINT NOT NULL CHECK (uses_remaining >= 0),
		tools_used     JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

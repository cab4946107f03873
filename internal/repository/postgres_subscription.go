package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/jmoiron/sqlx"
)

const subscriptionColumns = `user_id, stripe_customer_id, stripe_subscription_id, plan_type, status,
	current_period_start, current_period_end, grace_period_end, payment_failures,
	created_at, updated_at`

// postgresSubscriptionRepo реализует SubscriptionRepository для PostgreSQL.
type postgresSubscriptionRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresSubscriptionRepository создает новый экземпляр репозитория для PostgreSQL.
func NewPostgresSubscriptionRepository(db *sqlx.DB, log *logger.Logger) SubscriptionRepository {
	return &postgresSubscriptionRepo{db: db, log: log}
}

func (r *postgresSubscriptionRepo) getOne(ctx context.Context, where string, arg interface{}) (*models.Subscription, error) {
	var sub models.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where + ` = $1`

	if err := r.db.GetContext(ctx, &sub, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.log.Errorw("Failed to get subscription from DB", "error", err, "by", where)
		return nil, fmt.Errorf("repository: failed to get subscription by %s: %w", where, err)
	}
	return &sub, nil
}

func (r *postgresSubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	return r.getOne(ctx, "user_id", userID)
}

func (r *postgresSubscriptionRepo) GetByCustomerID(ctx context.Context, stripeCustomerID string) (*models.Subscription, error) {
	if stripeCustomerID == "" {
		return nil, nil
	}
	return r.getOne(ctx, "stripe_customer_id", stripeCustomerID)
}

func (r *postgresSubscriptionRepo) GetByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, nil
	}
	return r.getOne(ctx, "stripe_subscription_id", stripeSubscriptionID)
}

// Upsert сохраняет подписку; при конфликте по user_id перезаписывает поля,
// кроме created_at.
func (r *postgresSubscriptionRepo) Upsert(ctx context.Context, sub *models.Subscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	sub.PlanType = plans.Normalize(string(sub.PlanType))

	query := `
        INSERT INTO subscriptions (` + subscriptionColumns + `) VALUES (
            :user_id, :stripe_customer_id, :stripe_subscription_id, :plan_type, :status,
            :current_period_start, :current_period_end, :grace_period_end, :payment_failures,
            :created_at, :updated_at
        )
        ON CONFLICT (user_id) DO UPDATE SET
            stripe_customer_id     = EXCLUDED.stripe_customer_id,
            stripe_subscription_id = EXCLUDED.stripe_subscription_id,
            plan_type              = EXCLUDED.plan_type,
            status                 = EXCLUDED.status,
            current_period_start   = EXCLUDED.current_period_start,
            current_period_end     = EXCLUDED.current_period_end,
            grace_period_end       = EXCLUDED.grace_period_end,
            payment_failures       = EXCLUDED.payment_failures,
            updated_at             = EXCLUDED.updated_at`

	if _, err := r.db.NamedExecContext(ctx, query, sub); err != nil {
		r.log.Errorw("Failed to upsert subscription in DB", "error", err, "userID", sub.UserID)
		return fmt.Errorf("repository: failed to upsert subscription: %w", err)
	}

	r.log.Debugw("Subscription upserted", "userID", sub.UserID, "plan", sub.PlanType, "status", sub.Status)
	return nil
}

func (r *postgresSubscriptionRepo) ApplyBilling(ctx context.Context, userID string, state models.BillingState) (*models.Subscription, error) {
	query := `
        UPDATE subscriptions SET
            stripe_customer_id     = COALESCE(NULLIF($2, ''), stripe_customer_id),
            stripe_subscription_id = $3,
            plan_type              = $4,
            status                 = $5,
            current_period_start   = CASE
                WHEN $6::timestamptz IS NOT NULL AND (current_period_start IS NULL OR $6::timestamptz > current_period_start)
                THEN $6::timestamptz
                ELSE current_period_start
            END,
            current_period_end     = CASE
                WHEN $6::timestamptz IS NOT NULL AND (current_period_start IS NULL OR $6::timestamptz > current_period_start)
                THEN $7::timestamptz
                ELSE COALESCE(current_period_end, $7::timestamptz)
            END,
            grace_period_end       = CASE WHEN $5 = 'past_due' THEN grace_period_end ELSE NULL END,
            payment_failures       = CASE WHEN $5 = 'active' THEN 0 ELSE payment_failures END,
            updated_at             = now()
        WHERE user_id = $1
        RETURNING ` + subscriptionColumns

	plan := plans.Normalize(string(state.PlanType))
	var sub models.Subscription
	err := r.db.GetContext(ctx, &sub, query, userID, state.StripeCustomerID, state.StripeSubscriptionID,
		string(plan), string(state.Status), state.CurrentPeriodStart, state.CurrentPeriodEnd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.log.Errorw("Failed to apply billing state", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to apply billing state: %w", err)
	}

	r.log.Debugw("Billing state applied", "userID", userID, "plan", sub.PlanType, "status", sub.Status)
	return &sub, nil
}

func (r *postgresSubscriptionRepo) EnsureCustomer(ctx context.Context, userID, stripeCustomerID string) error {
	query := `
        INSERT INTO subscriptions (user_id, stripe_customer_id, plan_type, status, created_at, updated_at)
        VALUES ($1, $2, 'free', 'inactive', now(), now())
        ON CONFLICT (user_id) DO UPDATE SET
            stripe_customer_id = EXCLUDED.stripe_customer_id,
            updated_at         = now()`

	if _, err := r.db.ExecContext(ctx, query, userID, stripeCustomerID); err != nil {
		r.log.Errorw("Failed to link billing customer", "error", err, "userID", userID)
		return fmt.Errorf("repository: failed to ensure customer: %w", err)
	}
	return nil
}

// StartGrace атомарна: повторный вызов при уже начатом льготном периоде
// ничего не меняет.
func (r *postgresSubscriptionRepo) StartGrace(ctx context.Context, userID string, graceEnd time.Time) (bool, error) {
	query := `
        UPDATE subscriptions SET
            status           = 'past_due',
            grace_period_end = $2,
            payment_failures = payment_failures + 1,
            updated_at       = now()
        WHERE user_id = $1
          AND NOT (status = 'past_due' AND grace_period_end IS NOT NULL)`

	res, err := r.db.ExecContext(ctx, query, userID, graceEnd.UTC())
	if err != nil {
		r.log.Errorw("Failed to start grace period", "error", err, "userID", userID)
		return false, fmt.Errorf("repository: failed to start grace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (r *postgresSubscriptionRepo) Downgrade(ctx context.Context, userID string, status models.SubscriptionStatus) error {
	query := `
        UPDATE subscriptions SET
            plan_type        = 'free',
            status           = $2,
            grace_period_end = NULL,
            updated_at       = now()
        WHERE user_id = $1`

	res, err := r.db.ExecContext(ctx, query, userID, string(status))
	if err != nil {
		r.log.Errorw("Failed to downgrade subscription", "error", err, "userID", userID)
		return fmt.Errorf("repository: failed to downgrade subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPaid сбрасывает счетчик неудачных платежей и льготный период.
// current_period_start двигается только вперед.
func (r *postgresSubscriptionRepo) MarkPaid(ctx context.Context, userID string, periodStart, periodEnd *time.Time) error {
	query := `
        UPDATE subscriptions SET
            status               = 'active',
            grace_period_end     = NULL,
            payment_failures     = 0,
            current_period_start = CASE
                WHEN $2::timestamptz IS NULL THEN current_period_start
                ELSE GREATEST(COALESCE(current_period_start, $2::timestamptz), $2::timestamptz)
            END,
            current_period_end   = CASE
                WHEN $3::timestamptz IS NULL THEN current_period_end
                ELSE GREATEST(COALESCE(current_period_end, $3::timestamptz), $3::timestamptz)
            END,
            updated_at           = now()
        WHERE user_id = $1`

	res, err := r.db.ExecContext(ctx, query, userID, periodStart, periodEnd)
	if err != nil {
		r.log.Errorw("Failed to mark subscription paid", "error", err, "userID", userID)
		return fmt.Errorf("repository: failed to mark paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresSubscriptionRepo) list(ctx context.Context, query string, args ...interface{}) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.db.SelectContext(ctx, &subs, query, args...); err != nil {
		r.log.Errorw("Failed to list subscriptions", "error", err)
		return nil, fmt.Errorf("repository: failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// ListStaleActive - активные подписки со ссылкой на Stripe, которые давно не
// синхронизировались.
func (r *postgresSubscriptionRepo) ListStaleActive(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
        WHERE status = 'active' AND stripe_subscription_id IS NOT NULL AND stripe_subscription_id <> ''
          AND updated_at < $1
        ORDER BY updated_at ASC LIMIT $2`, updatedBefore.UTC(), limit)
}

// ListInconsistent - активные платные подписки без ссылки на Stripe.
func (r *postgresSubscriptionRepo) ListInconsistent(ctx context.Context, limit int) ([]models.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
        WHERE status = 'active' AND plan_type <> 'free'
          AND (stripe_subscription_id IS NULL OR stripe_subscription_id = '')
        ORDER BY updated_at ASC LIMIT $1`, limit)
}

func (r *postgresSubscriptionRepo) ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
        WHERE status = 'past_due' AND grace_period_end IS NOT NULL AND grace_period_end <= $1
        ORDER BY grace_period_end ASC LIMIT $2`, now.UTC(), limit)
}

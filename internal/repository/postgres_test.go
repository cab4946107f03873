package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "pgx"), mock
}

var subCols = []string{
	"user_id", "stripe_customer_id", "stripe_subscription_id", "plan_type", "status",
	"current_period_start", "current_period_end", "grace_period_end", "payment_failures",
	"created_at", "updated_at",
}

func TestPostgresSubscriptionGetByUserID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSubscriptionRepository(db, logger.Nop())
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM subscriptions WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(subCols).
			AddRow("u1", "cus_1", "sub_1", "essential", "active", now, now, nil, 0, now, now))

	sub, err := repo.GetByUserID(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, plans.Essential, sub.PlanType)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, "sub_1", sub.ExternalRef())
	assert.Nil(t, sub.GracePeriodEnd)

	mock.ExpectQuery(`SELECT .* FROM subscriptions WHERE user_id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	sub, err = repo.GetByUserID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, sub)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSubscriptionGetByEmptyRefSkipsQuery(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSubscriptionRepository(db, logger.Nop())

	sub, err := repo.GetByCustomerID(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, sub)
	sub, err = repo.GetByStripeSubscriptionID(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, sub)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSubscriptionUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSubscriptionRepository(db, logger.Nop())

	mock.ExpectExec(`INSERT INTO subscriptions .* ON CONFLICT \(user_id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub := &models.Subscription{UserID: "u1", PlanType: plans.Plan("Essential"), Status: models.StatusActive}
	require.NoError(t, repo.Upsert(context.Background(), sub))
	assert.Equal(t, plans.Essential, sub.PlanType)
	assert.False(t, sub.UpdatedAt.IsZero())

	mock.ExpectExec(`INSERT INTO subscriptions`).WillReturnError(errors.New("boom"))
	assert.Error(t, repo.Upsert(context.Background(), sub))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSubscriptionStartGrace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSubscriptionRepository(db, logger.Nop())
	graceEnd := time.Now().Add(7 * 24 * time.Hour)

	mock.ExpectExec(`UPDATE subscriptions SET .* NOT \(status = 'past_due' AND grace_period_end IS NOT NULL\)`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscriptions SET`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.StartGrace(context.Background(), "u1", graceEnd)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.StartGrace(context.Background(), "u1", graceEnd)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSubscriptionDowngradeAndMarkPaid(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSubscriptionRepository(db, logger.Nop())

	mock.ExpectExec(`UPDATE subscriptions SET\s+plan_type\s+= 'free'`).
		WithArgs("u1", "cancelled").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Downgrade(context.Background(), "u1", models.StatusCancelled))

	mock.ExpectExec(`UPDATE subscriptions SET`).
		WithArgs("ghost", "cancelled").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Downgrade(context.Background(), "ghost", models.StatusCancelled), ErrNotFound)

	start := time.Now()
	mock.ExpectExec(`GREATEST`).
		WithArgs("u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkPaid(context.Background(), "u1", &start, nil))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSubscriptionApplyBillingKeepsGrace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSubscriptionRepository(db, logger.Nop())
	now := time.Now().UTC()
	graceEnd := now.Add(7 * 24 * time.Hour)
	state := models.BillingState{
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		PlanType:             plans.Essential,
		Status:               models.StatusPastDue,
		CurrentPeriodStart:   &now,
	}

	// запись делает один UPDATE, льготный период решает сама база
	mock.ExpectQuery(`UPDATE subscriptions SET .*grace_period_end\s+= CASE WHEN \$5 = 'past_due' THEN grace_period_end ELSE NULL END.* WHERE user_id = \$1\s+RETURNING`).
		WithArgs("u1", "cus_1", "sub_1", "essential", "past_due", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(subCols).
			AddRow("u1", "cus_1", "sub_1", "essential", "past_due", now, nil, graceEnd, 1, now, now))

	sub, err := repo.ApplyBilling(context.Background(), "u1", state)
	require.NoError(t, err)
	require.NotNil(t, sub.GracePeriodEnd)
	assert.Equal(t, 1, sub.PaymentFailures)
	assert.Equal(t, plans.Essential, sub.EffectivePlan(now))

	mock.ExpectQuery(`UPDATE subscriptions SET`).
		WithArgs("ghost", "cus_1", "sub_1", "essential", "past_due", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	_, err = repo.ApplyBilling(context.Background(), "ghost", state)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSubscriptionListInconsistent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSubscriptionRepository(db, logger.Nop())
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM subscriptions\s+WHERE status = 'active' AND plan_type <> 'free'`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows(subCols).
			AddRow("u1", "cus_1", nil, "professional", "active", nil, nil, nil, 0, now, now).
			AddRow("u2", "", "", "essential", "active", nil, nil, nil, 0, now, now))

	subs, err := repo.ListInconsistent(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.True(t, subs[0].IsInconsistent())
	assert.True(t, subs[1].IsInconsistent())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUsageIncrement(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresUsageRepository(db, logger.Nop())
	period := models.MonthStart(time.Now())

	mock.ExpectQuery(`INSERT INTO usage_counters .* ON CONFLICT .* RETURNING count`).
		WithArgs("u1", "ocr", period).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := repo.Increment(context.Background(), "u1", "ocr", period)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	mock.ExpectQuery(`SELECT count FROM usage_counters`).
		WithArgs("u1", "ocr", period).
		WillReturnError(sql.ErrNoRows)
	n, err = repo.Get(context.Background(), "u1", "ocr", period)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTrialGetOrCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTrialRepository(db, logger.Nop())
	now := time.Now().UTC()
	cols := []string{"user_id", "uses_remaining", "tools_used", "created_at", "updated_at"}

	mock.ExpectQuery(`INSERT INTO trial_balances .* ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs("u1", int64(6)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", int64(6), []byte(`{}`), now, now))

	tb, created, err := repo.GetOrCreate(context.Background(), "u1", 6)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(6), tb.UsesRemaining)

	// конфликт: строка уже есть
	mock.ExpectQuery(`INSERT INTO trial_balances`).
		WithArgs("u1", int64(6)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .* FROM trial_balances WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", int64(2), []byte(`{"ocr":4}`), now, now))

	tb, created, err = repo.GetOrCreate(context.Background(), "u1", 6)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(2), tb.UsesRemaining)
	assert.Equal(t, int64(4), tb.ToolsUsed["ocr"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTrialConsume(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTrialRepository(db, logger.Nop())

	mock.ExpectQuery(`UPDATE trial_balances SET .* WHERE user_id = \$1 AND uses_remaining > 0`).
		WithArgs("u1", "ocr").
		WillReturnRows(sqlmock.NewRows([]string{"uses_remaining"}).AddRow(int64(5)))
	remaining, ok, err := repo.Consume(context.Background(), "u1", "ocr")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), remaining)

	mock.ExpectQuery(`UPDATE trial_balances SET`).
		WithArgs("u1", "ocr").
		WillReturnError(sql.ErrNoRows)
	remaining, ok, err = repo.Consume(context.Background(), "u1", "ocr")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, remaining)

	assert.NoError(t, mock.ExpectationsWereMet())
}

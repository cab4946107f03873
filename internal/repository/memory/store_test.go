package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageIncrementConcurrent(t *testing.T) {
	repos := New().Repositories()
	period := models.MonthStart(time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repos.Usage.Increment(context.Background(), "u1", "ocr", period)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := repos.Usage.Get(context.Background(), "u1", "ocr", period)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	// другой период - другой счетчик
	n, err = repos.Usage.Get(context.Background(), "u1", "ocr", period.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrialConsumeNeverNegative(t *testing.T) {
	repos := New().Repositories()
	ctx := context.Background()

	_, created, err := repos.Trials.GetOrCreate(ctx, "u1", plans.TrialUses)
	require.NoError(t, err)
	assert.True(t, created)

	var wg sync.WaitGroup
	var mu sync.Mutex
	consumed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repos.Trials.Consume(ctx, "u1", "ocr")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				consumed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int(plans.TrialUses), consumed)
	tb, err := repos.Trials.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, tb.UsesRemaining)
	assert.Equal(t, plans.TrialUses, tb.ToolsUsed["ocr"])

	_, created, err = repos.Trials.GetOrCreate(ctx, "u1", plans.TrialUses)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestStartGraceIdempotent(t *testing.T) {
	repos := New().Repositories()
	ctx := context.Background()
	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{UserID: "u1", PlanType: plans.Essential, Status: models.StatusActive}))

	end := time.Now().Add(7 * 24 * time.Hour)
	changed, err := repos.Subscriptions.StartGrace(ctx, "u1", end)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repos.Subscriptions.StartGrace(ctx, "u1", end.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	sub, err := repos.Subscriptions.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPastDue, sub.Status)
	assert.Equal(t, 1, sub.PaymentFailures)
	assert.WithinDuration(t, end, *sub.GracePeriodEnd, time.Second)
}

func TestMarkPaidMovesPeriodForwardOnly(t *testing.T) {
	repos := New().Repositories()
	ctx := context.Background()
	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{
		UserID: "u1", PlanType: plans.Essential, Status: models.StatusPastDue, CurrentPeriodStart: &march,
	}))

	require.NoError(t, repos.Subscriptions.MarkPaid(ctx, "u1", &feb, nil))
	sub, err := repos.Subscriptions.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, march, *sub.CurrentPeriodStart)

	april := march.AddDate(0, 1, 0)
	require.NoError(t, repos.Subscriptions.MarkPaid(ctx, "u1", &april, nil))
	sub, err = repos.Subscriptions.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, april, *sub.CurrentPeriodStart)
}

func TestApplyBillingPreservesServiceOwnedFields(t *testing.T) {
	repos := New().Repositories()
	ctx := context.Background()
	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{
		UserID: "u1", StripeCustomerID: "cus_1", PlanType: plans.Essential, Status: models.StatusActive, CurrentPeriodStart: &march,
	}))
	end := time.Now().Add(7 * 24 * time.Hour)
	_, err := repos.Subscriptions.StartGrace(ctx, "u1", end)
	require.NoError(t, err)

	sub, err := repos.Subscriptions.ApplyBilling(ctx, "u1", models.BillingState{
		StripeSubscriptionID: "sub_1", PlanType: plans.Professional, Status: models.StatusPastDue, CurrentPeriodStart: &feb,
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, "sub_1", sub.ExternalRef())
	assert.Equal(t, plans.Professional, sub.PlanType)
	assert.Equal(t, march, *sub.CurrentPeriodStart)
	require.NotNil(t, sub.GracePeriodEnd)
	assert.WithinDuration(t, end, *sub.GracePeriodEnd, time.Second)
	assert.Equal(t, 1, sub.PaymentFailures)

	sub, err = repos.Subscriptions.ApplyBilling(ctx, "u1", models.BillingState{
		StripeSubscriptionID: "sub_1", PlanType: plans.Professional, Status: models.StatusActive,
	})
	require.NoError(t, err)
	assert.Nil(t, sub.GracePeriodEnd)
	assert.Zero(t, sub.PaymentFailures)

	_, err = repos.Subscriptions.ApplyBilling(ctx, "ghost", models.BillingState{Status: models.StatusActive})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListQueries(t *testing.T) {
	s := New()
	repos := s.Repositories()
	ctx := context.Background()
	ref := "sub_1"

	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{UserID: "stale", PlanType: plans.Essential, Status: models.StatusActive, StripeSubscriptionID: &ref}))
	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{UserID: "broken", PlanType: plans.Professional, Status: models.StatusActive}))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{UserID: "late", PlanType: plans.Essential, Status: models.StatusPastDue, GracePeriodEnd: &past}))
	s.SetUpdatedAt("stale", time.Now().Add(-2*time.Hour))

	stale, err := repos.Subscriptions.ListStaleActive(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].UserID)

	broken, err := repos.Subscriptions.ListInconsistent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, broken, 1)
	assert.Equal(t, "broken", broken[0].UserID)

	expired, err := repos.Subscriptions.ListExpiredGrace(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "late", expired[0].UserID)

	found, err := repos.Subscriptions.GetByStripeSubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "stale", found.UserID)
}

func TestSetFailure(t *testing.T) {
	s := New()
	repos := s.Repositories()
	boom := errors.New("store down")
	s.SetFailure(boom)

	_, err := repos.Subscriptions.GetByUserID(context.Background(), "u1")
	assert.ErrorIs(t, err, boom)
	_, err = repos.Usage.Increment(context.Background(), "u1", "ocr", time.Now())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Probe(context.Background()), boom)

	s.SetFailure(nil)
	assert.NoError(t, s.Probe(context.Background()))
}

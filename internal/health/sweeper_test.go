package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/entitlement-service/internal/fallback"
	"github.com/Dhoini/entitlement-service/internal/kafka"
	"github.com/Dhoini/entitlement-service/internal/metrics"
	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/internal/repository/memory"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu    sync.Mutex
	users []string
	fail  map[string]bool
}

func (f *fakeSyncer) ForceSync(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	if f.fail[userID] {
		return errors.New("stripe unavailable")
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func TestSweepDowngradesInconsistentAndSyncsStale(t *testing.T) {
	store := memory.New()
	repos := store.Repositories()
	ctx := context.Background()

	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{UserID: "broken", PlanType: plans.Essential, Status: models.StatusActive}))
	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{UserID: "stale1", PlanType: plans.Essential, Status: models.StatusActive, StripeSubscriptionID: ptr("sub_1")}))
	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{UserID: "stale2", PlanType: plans.Professional, Status: models.StatusActive, StripeSubscriptionID: ptr("sub_2")}))
	require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{UserID: "fresh", PlanType: plans.Essential, Status: models.StatusActive, StripeSubscriptionID: ptr("sub_3")}))
	store.SetUpdatedAt("stale1", time.Now().Add(-3*time.Hour))
	store.SetUpdatedAt("stale2", time.Now().Add(-2*time.Hour))

	planCache, err := fallback.NewLRUPlanCache(10)
	require.NoError(t, err)
	planCache.Set(ctx, "broken", plans.Essential)

	syncer := &fakeSyncer{fail: map[string]bool{"stale2": true}}
	s := NewSweeper(repos.Subscriptions, syncer, planCache, kafka.NopProducer{},
		metrics.NewEntitlementMetrics(prometheus.NewRegistry()),
		SweeperConfig{StaleAfter: time.Hour, BatchDelay: time.Millisecond}, logger.Nop())

	report, err := s.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, SweepReport{Stale: 2, Synced: 1, SyncFailed: 1, Inconsistent: 1, Downgraded: 1}, report)
	assert.Equal(t, []string{"stale1", "stale2"}, syncer.users)

	sub, err := repos.Subscriptions.GetByUserID(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, plans.Free, sub.PlanType)
	assert.Equal(t, models.StatusInactive, sub.Status)

	p, ok := planCache.Get(ctx, "broken")
	assert.True(t, ok)
	assert.Equal(t, plans.Free, p)
}

func TestSweepStopsOnCancel(t *testing.T) {
	store := memory.New()
	repos := store.Repositories()
	ctx, cancel := context.WithCancel(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repos.Subscriptions.Upsert(ctx, &models.Subscription{UserID: id, PlanType: plans.Essential, Status: models.StatusActive, StripeSubscriptionID: ptr("sub_" + id)}))
		store.SetUpdatedAt(id, time.Now().Add(-2*time.Hour))
	}

	syncer := &fakeSyncer{}
	s := NewSweeper(repos.Subscriptions, syncer, nil, nil, nil,
		SweeperConfig{StaleAfter: time.Hour, BatchDelay: time.Hour}, logger.Nop())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, syncer.users, 1)
}

package entitlement

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusEssential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "ess", plans.Essential)

	for i := 0; i < 4; i++ {
		f.svc.RecordUsage(ctx, "ess", "ocr")
	}
	f.svc.RecordUsage(ctx, "ess", "polly")
	_, err := f.store.Repositories().Usage.Increment(ctx, "ess", StatusToolName, models.MonthStart(time.Now()))
	require.NoError(t, err)

	st, err := f.svc.GetStatus(ctx, "ess")
	require.NoError(t, err)
	assert.Equal(t, plans.Essential, st.PlanType)
	assert.Equal(t, models.StatusActive, st.Status)
	assert.Equal(t, int64(5), st.Usage.Total)
	assert.Equal(t, []ToolCount{{"ocr", 4}, {"polly", 1}}, st.Usage.ByTool)
	assert.Equal(t, Remaining(150), st.Usage.Limit)
	assert.Equal(t, Remaining(145), st.Usage.Remaining)
	assert.Equal(t, []string{plans.FeatureMonthlyUsage, plans.FeatureStandardSupport}, st.Features)
	assert.False(t, st.FallbackMode)
}

func TestStatusProfessionalJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "pro", plans.Professional)

	st, err := f.svc.GetStatus(ctx, "pro")
	require.NoError(t, err)

	raw, err := json.Marshal(st.Usage)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":0,"byTool":[],"limit":"unlimited","remaining":"unlimited"}`, string(raw))
}

func TestStatusFreeUsesTrialBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.svc.GetStatus(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, plans.Free, st.PlanType)
	assert.Equal(t, models.StatusInactive, st.Status)
	assert.Equal(t, Remaining(6), st.Usage.Remaining)
	assert.Zero(t, st.Usage.Total)

	f.svc.RecordUsage(ctx, "nobody", "ocr")
	f.svc.RecordUsage(ctx, "nobody", "ocr")

	st, err = f.svc.GetStatus(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Usage.Total)
	assert.Equal(t, Remaining(4), st.Usage.Remaining)
	assert.Equal(t, []ToolCount{{"ocr", 2}}, st.Usage.ByTool)
}

func TestStatusDegraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.planCache.Set(ctx, "u1", plans.Essential)
	f.health.set(false)
	f.svc.RecordUsage(ctx, "u1", "ocr")

	st, err := f.svc.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.FallbackMode)
	assert.Equal(t, plans.Essential, st.PlanType)
	assert.Equal(t, int64(1), st.Usage.Total)
}

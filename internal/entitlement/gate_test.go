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

func TestProfessionalIsUnlimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "pro", plans.Professional)

	for i := 0; i < 500; i++ {
		require.True(t, f.svc.RecordUsage(ctx, "pro", "ocr").Success)
	}

	d := f.svc.CheckAccess(ctx, "pro", "ocr")
	assert.True(t, d.CanUse)
	assert.True(t, d.Remaining.IsUnlimited())
	assert.Equal(t, ReasonUnlimited, d.Reason)
	assert.False(t, d.FallbackMode)

	// professional не создает счетчиков
	counters, err := f.store.Repositories().Usage.ListForPeriod(ctx, "pro", models.MonthStart(time.Now()))
	require.NoError(t, err)
	assert.Empty(t, counters)
}

func TestEssentialRemainingAfterNUses(t *testing.T) {
	for _, n := range []int{0, 1, 75, 149, 150} {
		f := newFixture(t)
		ctx := context.Background()
		f.subscribe(t, "ess", plans.Essential)

		for i := 0; i < n; i++ {
			require.True(t, f.svc.RecordUsage(ctx, "ess", "polly").Success)
		}

		d := f.svc.CheckAccess(ctx, "ess", "polly")
		assert.Equal(t, Remaining(150-n), d.Remaining, "n=%d", n)
		assert.Equal(t, n < 150, d.CanUse, "n=%d", n)
		if n == 150 {
			assert.Equal(t, ReasonMonthlyLimitReached, d.Reason)
			assert.True(t, d.UpgradeRequired())
		}

		// лимит считается по инструменту
		assert.True(t, f.svc.CheckAccess(ctx, "ess", "translate").CanUse)
	}
}

func TestEssentialCounterResetsWithPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "ess", plans.Essential)
	subs := f.store.Repositories().Subscriptions

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, subs.MarkPaid(ctx, "ess", &start, nil))
	for i := 0; i < 150; i++ {
		f.svc.RecordUsage(ctx, "ess", "ocr")
	}
	assert.False(t, f.svc.CheckAccess(ctx, "ess", "ocr").CanUse)

	next := start.AddDate(0, 1, 0)
	require.NoError(t, subs.MarkPaid(ctx, "ess", &next, nil))
	d := f.svc.CheckAccess(ctx, "ess", "ocr")
	assert.True(t, d.CanUse)
	assert.Equal(t, Remaining(150), d.Remaining)
}

func TestFreshUserTrial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.svc.CheckAccess(ctx, "newbie", "ocr")
	assert.True(t, d.CanUse)
	assert.Equal(t, Remaining(6), d.Remaining)
	assert.Equal(t, ReasonTrial, d.Reason)

	trial, err := f.store.Repositories().Trials.Get(ctx, "newbie")
	require.NoError(t, err)
	require.NotNil(t, trial)
	assert.Equal(t, int64(6), trial.UsesRemaining)

	for i := 0; i < 6; i++ {
		require.True(t, f.svc.RecordUsage(ctx, "newbie", []string{"ocr", "polly"}[i%2]).Success)
	}

	d = f.svc.CheckAccess(ctx, "newbie", "ocr")
	assert.False(t, d.CanUse)
	assert.Equal(t, Remaining(0), d.Remaining)
	assert.Equal(t, ReasonTrialExhausted, d.Reason)

	// лишняя запись не уводит баланс ниже нуля
	assert.False(t, f.svc.RecordUsage(ctx, "newbie", "ocr").Success)
	trial, err = f.store.Repositories().Trials.Get(ctx, "newbie")
	require.NoError(t, err)
	assert.Equal(t, int64(0), trial.UsesRemaining)
	assert.Equal(t, models.ToolUsage{"ocr": 3, "polly": 3}, trial.ToolsUsed)
}

func TestRecordWithoutPriorCheckCreatesTrial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, UsageResult{Success: true}, f.svc.RecordUsage(ctx, "direct", "ocr"))
	trial, err := f.store.Repositories().Trials.Get(ctx, "direct")
	require.NoError(t, err)
	assert.Equal(t, int64(5), trial.UsesRemaining)
}

func TestUnhealthyStoreUsesSessionLimit(t *testing.T) {
	for _, plan := range []plans.Plan{plans.Free, plans.Essential, plans.Professional} {
		t.Run(string(plan), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if plan != plans.Free {
				f.subscribe(t, "u1", plan)
			}
			f.health.set(false)

			for i := 0; i < 3; i++ {
				d := f.svc.CheckAccess(ctx, "u1", "ocr")
				require.True(t, d.CanUse, "use %d", i+1)
				assert.True(t, d.FallbackMode)
				assert.Equal(t, Remaining(3-i), d.Remaining)

				res := f.svc.RecordUsage(ctx, "u1", "ocr")
				assert.Equal(t, UsageResult{Success: true, FallbackMode: true}, res)
			}

			d := f.svc.CheckAccess(ctx, "u1", "ocr")
			assert.False(t, d.CanUse)
			assert.True(t, d.FallbackMode)
			assert.False(t, d.UpgradeRequired())
			assert.Equal(t, ReasonFallbackLimitReached, d.Reason)

			// другой инструмент - свой сессионный лимит
			assert.True(t, f.svc.CheckAccess(ctx, "u1", "polly").CanUse)
		})
	}
}

func TestStoreReadErrorDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetFailure(errDown)

	d := f.svc.CheckAccess(ctx, "u1", "ocr")
	assert.True(t, d.CanUse)
	assert.True(t, d.FallbackMode)
	assert.Equal(t, ReasonFallback, d.Reason)
	assert.Equal(t, 1, f.health.failures)
}

func TestCachedPlanUsedWhenReadFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "pro", plans.Professional)

	require.True(t, f.svc.CheckAccess(ctx, "pro", "ocr").Remaining.IsUnlimited())
	cached, ok := f.planCache.Get(ctx, "pro")
	require.True(t, ok)
	assert.Equal(t, plans.Professional, cached)

	f.store.SetFailure(errDown)
	d := f.svc.CheckAccess(ctx, "pro", "ocr")
	assert.True(t, d.CanUse)
	assert.True(t, d.Remaining.IsUnlimited())
	assert.Equal(t, plans.Professional, d.PlanType)
}

// Свежее чтение из восстановленного хранилища важнее устаревшего кеша.
func TestFreshReadOverridesCachedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.planCache.Set(ctx, "u1", plans.Professional)
	f.subscribe(t, "u1", plans.Essential)

	d := f.svc.CheckAccess(ctx, "u1", "ocr")
	assert.Equal(t, plans.Essential, d.PlanType)
	assert.Equal(t, Remaining(150), d.Remaining)

	cached, _ := f.planCache.Get(ctx, "u1")
	assert.Equal(t, plans.Essential, cached)
}

func TestDecisionJSON(t *testing.T) {
	raw, err := json.Marshal(Decision{CanUse: true, Remaining: Remaining(plans.Unlimited), Reason: ReasonUnlimited, PlanType: plans.Professional})
	require.NoError(t, err)
	assert.JSONEq(t, `{"canUse":true,"usesRemaining":"unlimited","reason":"unlimited","planType":"professional","fallbackMode":false}`, string(raw))

	var r Remaining
	require.NoError(t, json.Unmarshal([]byte(`"unlimited"`), &r))
	assert.True(t, r.IsUnlimited())
	require.NoError(t, json.Unmarshal([]byte(`42`), &r))
	assert.Equal(t, Remaining(42), r)
	assert.Equal(t, "42", r.String())
}

func TestValidTool(t *testing.T) {
	assert.True(t, ValidTool("ocr"))
	assert.True(t, ValidTool("text-to-speech"))
	assert.True(t, ValidTool("doc_vision2"))
	assert.False(t, ValidTool(""))
	assert.False(t, ValidTool("OCR"))
	assert.False(t, ValidTool("../etc"))
	assert.False(t, ValidTool(StatusToolName))
}

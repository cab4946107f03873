package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentRecordUsageLosesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "ess", plans.Essential)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, f.svc.RecordUsage(ctx, "ess", "ocr").Success)
		}()
	}
	wg.Wait()

	count, err := f.store.Repositories().Usage.Get(ctx, "ess", "ocr", models.MonthStart(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)
}

func TestConcurrentTrialNeverNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.CheckAccess(ctx, "trial", "ocr")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.svc.RecordUsage(ctx, "trial", "ocr").Success {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, success)
	trial, err := f.store.Repositories().Trials.Get(ctx, "trial")
	require.NoError(t, err)
	assert.Equal(t, int64(0), trial.UsesRemaining)
}

func TestRecordFallsBackOnWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetFailure(errDown)

	res := f.svc.RecordUsage(ctx, "u1", "ocr")
	assert.Equal(t, UsageResult{Success: true, FallbackMode: true}, res)
	assert.Equal(t, 1, f.health.failures)

	n, err := f.tracker.QueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	usage, err := f.tracker.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ocr": 1}, usage)
}

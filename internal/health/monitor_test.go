package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/entitlement-service/internal/metrics"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeProber) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeProber) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(p Prober) (*Monitor, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(p, 30*time.Second, time.Second, metrics.NewEntitlementMetrics(prometheus.NewRegistry()), logger.Nop())
	m.now = c.Now
	return m, c
}

func TestMonitorCachesProbeForTTL(t *testing.T) {
	p := &fakeProber{}
	m, c := newTestMonitor(p)
	ctx := context.Background()

	assert.True(t, m.IsHealthy(ctx))
	assert.True(t, m.IsHealthy(ctx))
	assert.Equal(t, 1, p.calls)

	p.set(errors.New("connection refused"))
	c.Advance(10 * time.Second)
	assert.True(t, m.IsHealthy(ctx), "still cached")

	c.Advance(25 * time.Second)
	assert.False(t, m.IsHealthy(ctx))
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, "connection refused", m.Snapshot().LastError)
}

func TestMonitorReportFailure(t *testing.T) {
	p := &fakeProber{}
	m, _ := newTestMonitor(p)
	ctx := context.Background()

	require.True(t, m.IsHealthy(ctx))
	m.ReportFailure(errors.New("query timeout"))
	assert.False(t, m.IsHealthy(ctx))
	assert.Equal(t, 1, p.calls, "failure report is cached like a store check")
}

func TestMonitorRecoveryCallback(t *testing.T) {
	p := &fakeProber{}
	m, c := newTestMonitor(p)
	ctx := context.Background()

	recovered := make(chan struct{}, 1)
	m.OnRecover(func(context.Context) { recovered <- struct{}{} })

	m.ReportFailure(errors.New("down"))
	c.Advance(time.Minute)
	assert.True(t, m.IsHealthy(ctx))

	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("recovery callback was not called")
	}

	// healthy -> healthy не вызывает колбэк
	assert.True(t, m.Check(ctx))
	select {
	case <-recovered:
		t.Fatal("unexpected second callback")
	case <-time.After(50 * time.Millisecond):
	}
}

// ctxProber отвечает ошибкой контекста, как драйвер БД при отмене запроса.
type ctxProber struct{}

func (ctxProber) Probe(ctx context.Context) error { return ctx.Err() }

func TestMonitorIgnoresCallerCancellation(t *testing.T) {
	m, _ := newTestMonitor(ctxProber{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, m.IsHealthy(ctx))
	assert.True(t, m.IsHealthy(context.Background()))
	assert.Empty(t, m.Snapshot().LastError)
}

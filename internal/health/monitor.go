// Package health следит за доступностью хранилища прав и за согласованностью
// локальных подписок с биллингом.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/entitlement-service/internal/metrics"
	"github.com/Dhoini/entitlement-service/pkg/logger"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultProbeTimeout = 3 * time.Second
)

// Prober - дешевое чтение из хранилища.
type Prober interface {
	Probe(ctx context.Context) error
}

// Snapshot - последнее известное состояние хранилища.
type Snapshot struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checkedAt"`
	LastError string    `json:"lastError,omitempty"`
}

// Monitor кеширует результат проверки на ttl, чтобы не проверять
// хранилище на каждый запрос.
type Monitor struct {
	prober  Prober
	ttl     time.Duration
	timeout time.Duration
	metrics metrics.EntitlementMetrics
	log     *logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	healthy   bool
	checkedAt time.Time
	lastErr   error
	probing   bool
	onRecover []func(ctx context.Context)
}

func NewMonitor(prober Prober, ttl, timeout time.Duration, m metrics.EntitlementMetrics, log *logger.Logger) *Monitor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Monitor{
		prober:  prober,
		ttl:     ttl,
		timeout: timeout,
		metrics: m,
		log:     log,
		now:     time.Now,
		healthy: true,
	}
}

// OnRecover регистрирует колбэк на переход unhealthy -> healthy.
func (m *Monitor) OnRecover(fn func(ctx context.Context)) {
	m.mu.Lock()
	m.onRecover = append(m.onRecover, fn)
	m.mu.Unlock()
}

// IsHealthy возвращает закешированный результат или проверяет хранилище,
// если кеш устарел. Пока идет проверка, остальные вызовы получают
// предыдущее значение.
func (m *Monitor) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	fresh := !m.checkedAt.IsZero() && m.now().Sub(m.checkedAt) < m.ttl
	if fresh || m.probing {
		healthy := m.healthy
		m.mu.Unlock()
		return healthy
	}
	m.probing = true
	m.mu.Unlock()

	return m.probe(ctx)
}

// Check проверяет хранилище немедленно, игнорируя кеш.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	m.probing = true
	m.mu.Unlock()
	return m.probe(ctx)
}

// probe не зависит от отмены запроса, который ее запустил: оборванный
// клиентом запрос не должен помечать хранилище недоступным.
func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)

	m.mu.Lock()
	m.probing = false
	m.mu.Unlock()

	m.set(ctx, err == nil, err)
	return err == nil
}

// ReportFailure помечает хранилище недоступным без ожидания следующей проверки.
func (m *Monitor) ReportFailure(err error) {
	m.set(context.Background(), false, err)
}

func (m *Monitor) set(ctx context.Context, healthy bool, err error) {
	m.mu.Lock()
	was := m.healthy
	m.healthy = healthy
	m.checkedAt = m.now()
	m.lastErr = err
	callbacks := append([]func(context.Context){}, m.onRecover...)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetStoreHealthy(healthy)
	}

	switch {
	case was && !healthy:
		m.log.Errorw("Entitlement store marked unhealthy, switching to degraded mode", "error", err)
	case !was && healthy:
		m.log.Infow("Entitlement store recovered")
		bg := context.WithoutCancel(ctx)
		for _, fn := range callbacks {
			go fn(bg)
		}
	}
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{Healthy: m.healthy, CheckedAt: m.checkedAt}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

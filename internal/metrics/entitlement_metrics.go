package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EntitlementMetrics интерфейс для метрик доступа и сверки биллинга
type EntitlementMetrics interface {
	IncDecision(plan, outcome string)
	IncFallbackDecision(allowed bool)
	IncUsageRecorded(plan string, fallback bool)
	AddQueueDropped(n int)
	AddReplayed(n int)
	IncWebhookEvent(eventType, result string)
	IncReconcileFailure(op string)
	IncDowngrade(reason string)
	SetStoreHealthy(healthy bool)
	RegisterQueueDepth(fn func() float64)
}

type entitlementMetrics struct {
	registry          prometheus.Registerer
	decisions         *prometheus.CounterVec
	fallbackDecisions *prometheus.CounterVec
	usageRecorded     *prometheus.CounterVec
	queueDropped      prometheus.Counter
	replayed          prometheus.Counter
	webhookEvents     *prometheus.CounterVec
	reconcileFailures *prometheus.CounterVec
	downgrades        *prometheus.CounterVec
	storeHealthy      prometheus.Gauge
}

// NewEntitlementMetrics регистрирует метрики в registry.
func NewEntitlementMetrics(registry prometheus.Registerer) EntitlementMetrics {
	f := promauto.With(registry)
	return &entitlementMetrics{
		registry: registry,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_decisions_total",
			Help: "Access decisions by effective plan and outcome",
		}, []string{"plan", "outcome"}),
		fallbackDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_fallback_decisions_total",
			Help: "Access decisions taken in degraded mode",
		}, []string{"allowed"}),
		usageRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_usage_recorded_total",
			Help: "Recorded tool uses",
		}, []string{"plan", "fallback"}),
		queueDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_fallback_queue_dropped_total",
			Help: "Degraded-mode usage events dropped on queue overflow",
		}),
		replayed: f.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_fallback_replayed_total",
			Help: "Degraded-mode usage events replayed into the store",
		}),
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Billing webhook events by type and result",
		}, []string{"type", "result"}),
		reconcileFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_reconcile_failures_total",
			Help: "Failed reconciliation operations",
		}, []string{"op"}),
		downgrades: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_downgrades_total",
			Help: "Forced downgrades to the free plan",
		}, []string{"reason"}),
		storeHealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "entitlement_store_healthy",
			Help: "1 when the entitlement store answered the last probe",
		}),
	}
}

func (m *entitlementMetrics) IncDecision(plan, outcome string) {
	m.decisions.WithLabelValues(plan, outcome).Inc()
}

func (m *entitlementMetrics) IncFallbackDecision(allowed bool) {
	m.fallbackDecisions.WithLabelValues(boolLabel(allowed)).Inc()
}

func (m *entitlementMetrics) IncUsageRecorded(plan string, fallback bool) {
	m.usageRecorded.WithLabelValues(plan, boolLabel(fallback)).Inc()
}

func (m *entitlementMetrics) AddQueueDropped(n int) {
	m.queueDropped.Add(float64(n))
}

func (m *entitlementMetrics) AddReplayed(n int) {
	m.replayed.Add(float64(n))
}

func (m *entitlementMetrics) IncWebhookEvent(eventType, result string) {
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *entitlementMetrics) IncReconcileFailure(op string) {
	m.reconcileFailures.WithLabelValues(op).Inc()
}

func (m *entitlementMetrics) IncDowngrade(reason string) {
	m.downgrades.WithLabelValues(reason).Inc()
}

func (m *entitlementMetrics) SetStoreHealthy(healthy bool) {
	if healthy {
		m.storeHealthy.Set(1)
		return
	}
	m.storeHealthy.Set(0)
}

// RegisterQueueDepth публикует длину очереди деградированного режима.
func (m *entitlementMetrics) RegisterQueueDepth(fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "entitlement_fallback_queue_depth",
		Help: "Degraded-mode usage events waiting for replay",
	}, fn)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

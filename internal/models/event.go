package models

import "time"

// EntitlementEventType - тип события, публикуемого в Kafka.
type EntitlementEventType string

const (
	EventSubscriptionSynced     EntitlementEventType = "subscription_synced"
	EventSubscriptionDowngraded EntitlementEventType = "subscription_downgraded"
	EventPaymentGraceStarted    EntitlementEventType = "payment_grace_started"
)

// EntitlementEvent - событие об изменении прав пользователя.
type EntitlementEvent struct {
	ID         string               `json:"id"`
	Type       EntitlementEventType `json:"type"`
	UserID     string               `json:"user_id"`
	PlanType   string               `json:"plan_type"`
	Status     string               `json:"status"`
	Reason     string               `json:"reason,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

package models

import (
	"time"

	"github.com/Dhoini/entitlement-service/internal/plans"
)

// SubscriptionStatus - локальный статус подписки.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusInactive  SubscriptionStatus = "inactive"
)

// Subscription - запись о подписке пользователя. Одна на пользователя,
// никогда не удаляется.
type Subscription struct {
	UserID               string             `db:"user_id" json:"user_id"`
	StripeCustomerID     string             `db:"stripe_customer_id" json:"stripe_customer_id"`
	StripeSubscriptionID *string            `db:"stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	PlanType             plans.Plan         `db:"plan_type" json:"plan_type"`
	Status               SubscriptionStatus `db:"status" json:"status"`
	CurrentPeriodStart   *time.Time         `db:"current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `db:"current_period_end" json:"current_period_end,omitempty"`
	GracePeriodEnd       *time.Time         `db:"grace_period_end" json:"grace_period_end,omitempty"`
	PaymentFailures      int                `db:"payment_failures" json:"payment_failures"`
	CreatedAt            time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time          `db:"updated_at" json:"updated_at"`
}

// BillingState - поля подписки, которыми владеет Stripe. Льготный период и
// счетчик неудачных платежей ведет сервис, поэтому их здесь нет.
type BillingState struct {
	StripeCustomerID     string
	StripeSubscriptionID string
	PlanType             plans.Plan
	Status               SubscriptionStatus
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
}

// HasExternalRef сообщает, привязана ли запись к подписке в Stripe.
func (s *Subscription) HasExternalRef() bool {
	return s.StripeSubscriptionID != nil && *s.StripeSubscriptionID != ""
}

// ExternalRef возвращает Stripe subscription ID или пустую строку.
func (s *Subscription) ExternalRef() string {
	if s.StripeSubscriptionID == nil {
		return ""
	}
	return *s.StripeSubscriptionID
}

// InGrace сообщает, что подписка past_due, но льготный период еще идет.
func (s *Subscription) InGrace(now time.Time) bool {
	return s.Status == StatusPastDue && s.GracePeriodEnd != nil && now.Before(*s.GracePeriodEnd)
}

// IsInconsistent: активная платная подписка без ссылки на Stripe.
func (s *Subscription) IsInconsistent() bool {
	return s.Status == StatusActive && s.PlanType != plans.Free && !s.HasExternalRef()
}

// EffectivePlan - план, который дает доступ прямо сейчас: active держит план,
// past_due держит его до конца льготного периода, остальное - free.
func (s *Subscription) EffectivePlan(now time.Time) plans.Plan {
	if s == nil {
		return plans.Free
	}
	switch {
	case s.Status == StatusActive:
		return plans.Normalize(string(s.PlanType))
	case s.InGrace(now):
		return plans.Normalize(string(s.PlanType))
	default:
		return plans.Free
	}
}

// PeriodStart - начало текущего расчетного периода: current_period_start,
// иначе начало календарного месяца (UTC).
func (s *Subscription) PeriodStart(now time.Time) time.Time {
	if s != nil && s.CurrentPeriodStart != nil && !s.CurrentPeriodStart.IsZero() {
		return s.CurrentPeriodStart.UTC()
	}
	return MonthStart(now)
}

// MonthStart возвращает начало календарного месяца в UTC.
func MonthStart(now time.Time) time.Time {
	n := now.UTC()
	return time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MapStripeStatus переводит статус Stripe в локальный enum.
func MapStripeStatus(status string) SubscriptionStatus {
	switch status {
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCancelled
	default:
		return StatusInactive
	}
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Dhoini/entitlement-service/internal/domain"
	"github.com/Dhoini/entitlement-service/internal/kafka"
	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/internal/stripe"
)

// Результаты обработки вебхука (метка метрики и поле ответа).
const (
	ResultProcessed       = "processed"
	ResultIgnored         = "ignored"
	ResultUnknownCustomer = "unknown_customer"
	ResultFailed          = "failed"
)

// HandleWebhookEvent применяет проверенное событие Stripe. Каждый обработчик
// можно безопасно выполнить повторно с тем же событием. Неизвестный customer
// не считается ошибкой: событие подтверждается, чтобы Stripe не повторял его.
func (r *Reconciler) HandleWebhookEvent(ctx context.Context, eventType string, raw json.RawMessage) (string, error) {
	var err error
	switch eventType {
	case stripe.EventSubscriptionCreated, stripe.EventSubscriptionUpdated:
		err = r.handleSubscriptionChanged(ctx, raw)
	case stripe.EventSubscriptionDeleted:
		err = r.handleSubscriptionDeleted(ctx, raw)
	case stripe.EventInvoicePaymentSucceed:
		err = r.handlePaymentSucceeded(ctx, raw)
	case stripe.EventInvoicePaymentFailed:
		err = r.handlePaymentFailed(ctx, raw)
	default:
		r.log.Debugw("Ignoring webhook event", "type", eventType)
		return ResultIgnored, nil
	}

	switch {
	case err == nil:
		return ResultProcessed, nil
	case errors.Is(err, domain.ErrUnknownCustomer):
		r.log.Warnw("Webhook event for unknown customer", "type", eventType, "error", err)
		return ResultUnknownCustomer, nil
	default:
		r.failure("webhook")
		return ResultFailed, err
	}
}

// resolve находит запись по customer ID, затем по ID подписки.
func (r *Reconciler) resolve(ctx context.Context, customerID, subscriptionID string) (*models.Subscription, error) {
	sub, err := r.subs.GetByCustomerID(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("lookup customer %s: %w", customerID, err)
	}
	if sub == nil && subscriptionID != "" {
		sub, err = r.subs.GetByStripeSubscriptionID(ctx, subscriptionID)
		if err != nil {
			return nil, fmt.Errorf("lookup subscription %s: %w", subscriptionID, err)
		}
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCustomer, customerID)
	}
	return sub, nil
}

// handleSubscriptionChanged перечитывает подписку из Stripe, поэтому
// порядок доставки событий не влияет на итог. Если Stripe недоступен,
// используется содержимое события.
func (r *Reconciler) handleSubscriptionChanged(ctx context.Context, raw json.RawMessage) error {
	payload, err := stripe.DecodeSubscription(raw)
	if err != nil {
		return err
	}

	sub, err := r.resolve(ctx, string(payload.Customer), payload.ID)
	if err != nil {
		return err
	}

	remote, err := r.retrieve(ctx, payload.ID)
	if err != nil {
		r.log.Warnw("Falling back to webhook payload", "error", err, "subscriptionID", payload.ID)
		remote = payload.Subscription()
	}

	userID := sub.UserID
	sub, err = r.applyBilling(ctx, userID, remote)
	if err != nil {
		r.log.Errorw("Failed to save subscription after retries", "error", err, "userID", userID, "subscriptionID", payload.ID)
		return fmt.Errorf("save subscription: %w", err)
	}

	r.afterWrite(ctx, sub, models.EventSubscriptionSynced, "subscription_changed")
	r.log.Infow("Subscription updated from webhook", "userID", sub.UserID, "plan", sub.PlanType, "status", sub.Status)
	return nil
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, raw json.RawMessage) error {
	payload, err := stripe.DecodeSubscription(raw)
	if err != nil {
		return err
	}

	sub, err := r.resolve(ctx, string(payload.Customer), payload.ID)
	if err != nil {
		return err
	}
	if sub.HasExternalRef() && sub.ExternalRef() != payload.ID {
		r.log.Infow("Ignoring deletion of replaced subscription", "userID", sub.UserID,
			"deleted", payload.ID, "current", sub.ExternalRef())
		return nil
	}

	return r.downgrade(ctx, sub, models.StatusCancelled, "subscription_deleted")
}

// handlePaymentSucceeded делает подписку active. Новый period_start
// начинает новые счетчики использования.
func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, raw json.RawMessage) error {
	invoice, err := stripe.DecodeInvoice(raw)
	if err != nil {
		return err
	}

	sub, err := r.resolve(ctx, string(invoice.Customer), string(invoice.Subscription))
	if err != nil {
		return err
	}

	start, end := invoice.Period()
	if err := r.write(ctx, func() error { return r.subs.MarkPaid(ctx, sub.UserID, start, end) }); err != nil {
		return fmt.Errorf("mark subscription paid: %w", err)
	}

	if fresh, err := r.subs.GetByUserID(ctx, sub.UserID); err == nil && fresh != nil {
		sub = fresh
	}
	r.afterWrite(ctx, sub, models.EventSubscriptionSynced, "payment_succeeded")
	r.log.Infow("Payment succeeded", "userID", sub.UserID, "invoiceID", invoice.ID)
	return nil
}

// handlePaymentFailed: до потолка попыток открывает льготный период (только
// один раз), на потолке понижает подписку независимо от льготного периода.
func (r *Reconciler) handlePaymentFailed(ctx context.Context, raw json.RawMessage) error {
	invoice, err := stripe.DecodeInvoice(raw)
	if err != nil {
		return err
	}

	sub, err := r.resolve(ctx, string(invoice.Customer), string(invoice.Subscription))
	if err != nil {
		return err
	}

	if invoice.AttemptCount >= r.cfg.MaxPaymentAttempts {
		r.log.Warnw("Payment retries exhausted", "userID", sub.UserID, "attempt", invoice.AttemptCount)
		return r.downgrade(ctx, sub, models.StatusCancelled, "payment_failed")
	}

	graceEnd := r.now().Add(r.cfg.GracePeriod).UTC()
	var started bool
	err = r.write(ctx, func() error {
		var werr error
		started, werr = r.subs.StartGrace(ctx, sub.UserID, graceEnd)
		return werr
	})
	if err != nil {
		return fmt.Errorf("start grace period: %w", err)
	}
	if !started {
		r.log.Infow("Grace period already running", "userID", sub.UserID, "attempt", invoice.AttemptCount)
		return nil
	}

	sub.Status = models.StatusPastDue
	sub.GracePeriodEnd = &graceEnd
	r.afterWrite(ctx, sub, models.EventPaymentGraceStarted, "payment_failed")
	r.log.Warnw("Payment failed, grace period started", "userID", sub.UserID, "graceEnd", graceEnd, "attempt", invoice.AttemptCount)
	return nil
}

// downgrade переводит подписку на free с указанным статусом.
func (r *Reconciler) downgrade(ctx context.Context, sub *models.Subscription, status models.SubscriptionStatus, reason string) error {
	if err := r.write(ctx, func() error { return r.subs.Downgrade(ctx, sub.UserID, status) }); err != nil {
		return fmt.Errorf("downgrade subscription: %w", err)
	}

	sub.PlanType = plans.Free
	sub.Status = status
	sub.GracePeriodEnd = nil
	r.downgraded(reason)
	r.cachePlan(ctx, sub.UserID, plans.Free)
	kafka.PublishAsync(ctx, r.producer, kafka.NewEntitlementEvent(models.EventSubscriptionDowngraded, sub, reason), r.log)

	r.log.Infow("Subscription downgraded", "userID", sub.UserID, "status", status, "reason", reason)
	return nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/entitlement-service/internal/domain"
	"github.com/Dhoini/entitlement-service/internal/fallback"
	"github.com/Dhoini/entitlement-service/internal/kafka"
	"github.com/Dhoini/entitlement-service/internal/metrics"
	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/internal/repository"
	"github.com/Dhoini/entitlement-service/internal/stripe"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// ReconcilerConfig - таймауты и лимиты сверки.
type ReconcilerConfig struct {
	ProviderTimeout    time.Duration
	ProviderRetries    uint64
	ProviderBackoff    time.Duration
	WriteAttempts      int
	WriteBackoff       time.Duration
	GracePeriod        time.Duration
	MaxPaymentAttempts int64
	SuccessURL         string
	CancelURL          string
}

// DefaultReconcilerConfig возвращает значения по умолчанию.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		ProviderTimeout:    5 * time.Second,
		ProviderRetries:    3,
		ProviderBackoff:    500 * time.Millisecond,
		WriteAttempts:      3,
		WriteBackoff:       time.Second,
		GracePeriod:        7 * 24 * time.Hour,
		MaxPaymentAttempts: 3,
	}
}

// SyncResult - итог сверки подписки.
type SyncResult struct {
	Success  bool                      `json:"success"`
	PlanType plans.Plan                `json:"planType"`
	Status   models.SubscriptionStatus `json:"status"`
}

// Reconciler синхронизирует локальные подписки с состоянием в Stripe.
type Reconciler struct {
	subs      repository.SubscriptionRepository
	stripe    stripe.Client
	prices    *plans.PriceTable
	planCache fallback.PlanCache
	producer  kafka.Producer
	metrics   metrics.EntitlementMetrics
	cfg       ReconcilerConfig
	log       *logger.Logger
	now       func() time.Time
}

// NewReconciler создает сервис сверки. stripeClient может быть nil, тогда
// вызовы, которым нужен Stripe, возвращают ErrExternalServiceUnavailable.
func NewReconciler(
	subs repository.SubscriptionRepository,
	stripeClient stripe.Client,
	prices *plans.PriceTable,
	planCache fallback.PlanCache,
	producer kafka.Producer,
	m metrics.EntitlementMetrics,
	cfg ReconcilerConfig,
	log *logger.Logger,
) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.ProviderBackoff <= 0 {
		cfg.ProviderBackoff = def.ProviderBackoff
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = def.WriteAttempts
	}
	if cfg.WriteBackoff < 0 {
		cfg.WriteBackoff = def.WriteBackoff
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.MaxPaymentAttempts <= 0 {
		cfg.MaxPaymentAttempts = def.MaxPaymentAttempts
	}
	return &Reconciler{
		subs:      subs,
		stripe:    stripeClient,
		prices:    prices,
		planCache: planCache,
		producer:  producer,
		metrics:   m,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// SyncSubscriptionStatus сверяет подписку пользователя со Stripe. Без ссылки
// на подписку Stripe запись принудительно становится free/inactive, и Stripe
// не вызывается.
func (r *Reconciler) SyncSubscriptionStatus(ctx context.Context, userID string) (*SyncResult, error) {
	r.log.Debugw("Syncing subscription", "userID", userID)

	sub, err := r.subs.GetByUserID(ctx, userID)
	if err != nil {
		r.failure("sync")
		return nil, domain.NewReconcileError(userID, "sync", err)
	}

	if sub == nil || !sub.HasExternalRef() {
		return r.resetToFree(ctx, userID, sub)
	}

	remote, err := r.retrieve(ctx, sub.ExternalRef())
	if err != nil {
		r.failure("sync")
		r.log.Errorw("Failed to retrieve subscription from Stripe", "error", err, "userID", userID, "subscriptionID", sub.ExternalRef())
		return nil, domain.NewReconcileError(userID, "sync", err)
	}

	sub, err = r.applyBilling(ctx, userID, remote)
	if err != nil {
		r.failure("sync")
		return nil, domain.NewReconcileError(userID, "sync", err)
	}

	r.afterWrite(ctx, sub, models.EventSubscriptionSynced, "sync")
	r.log.Infow("Subscription synced", "userID", userID, "plan", sub.PlanType, "status", sub.Status)
	return &SyncResult{Success: true, PlanType: sub.PlanType, Status: sub.Status}, nil
}

// ForceSync нужен консистентной проверке и CLI.
func (r *Reconciler) ForceSync(ctx context.Context, userID string) error {
	_, err := r.SyncSubscriptionStatus(ctx, userID)
	return err
}

func (r *Reconciler) resetToFree(ctx context.Context, userID string, sub *models.Subscription) (*SyncResult, error) {
	if sub == nil {
		sub = &models.Subscription{UserID: userID}
	}
	if sub.PlanType != plans.Free || sub.Status != models.StatusInactive || sub.GracePeriodEnd != nil {
		sub.PlanType = plans.Free
		sub.Status = models.StatusInactive
		sub.GracePeriodEnd = nil
		if err := r.write(ctx, func() error { return r.subs.Upsert(ctx, sub) }); err != nil {
			r.failure("sync")
			return nil, domain.NewReconcileError(userID, "sync", err)
		}
	}
	r.cachePlan(ctx, userID, plans.Free)
	return &SyncResult{Success: true, PlanType: plans.Free, Status: models.StatusInactive}, nil
}

// retrieve читает подписку из Stripe с таймаутом на попытку и
// экспоненциальной паузой между попытками.
func (r *Reconciler) retrieve(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if r.stripe == nil {
		return nil, domain.ErrExternalServiceUnavailable
	}

	var out *stripe.Subscription
	err := retryExponential(ctx, r.cfg.ProviderRetries, r.cfg.ProviderBackoff, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
		defer cancel()

		sub, err := r.stripe.RetrieveSubscription(callCtx, subscriptionID)
		if err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, domain.NewExternalServiceError("stripe", "retrieve_subscription", "failed to retrieve subscription", 0, err)
	}
	return out, nil
}

// billingState переводит подписку Stripe в поля локальной записи.
func (r *Reconciler) billingState(remote *stripe.Subscription) models.BillingState {
	return models.BillingState{
		StripeCustomerID:     remote.CustomerID,
		StripeSubscriptionID: remote.ID,
		PlanType:             r.prices.PlanForPrice(remote.PriceID),
		Status:               models.MapStripeStatus(remote.Status),
		CurrentPeriodStart:   remote.CurrentPeriodStart,
		CurrentPeriodEnd:     remote.CurrentPeriodEnd,
	}
}

// applyBilling записывает авторитетное состояние Stripe точечным UPDATE.
// Льготный период и счетчик неудачных платежей, записанные параллельным
// invoice.payment_failed, не затираются.
func (r *Reconciler) applyBilling(ctx context.Context, userID string, remote *stripe.Subscription) (*models.Subscription, error) {
	state := r.billingState(remote)
	var out *models.Subscription
	err := r.write(ctx, func() error {
		sub, err := r.subs.ApplyBilling(ctx, userID, state)
		if err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

// write повторяет запись в хранилище с линейной паузой.
func (r *Reconciler) write(ctx context.Context, op func() error) error {
	attempt := 0
	return retryLinear(ctx, r.cfg.WriteAttempts, r.cfg.WriteBackoff, func() error {
		attempt++
		err := op()
		if err != nil {
			r.log.Warnw("Subscription write failed", "error", err, "attempt", attempt)
			if errors.Is(err, repository.ErrNotFound) {
				return backoff.Permanent(err)
			}
		}
		return err
	})
}

func (r *Reconciler) afterWrite(ctx context.Context, sub *models.Subscription, eventType models.EntitlementEventType, reason string) {
	r.cachePlan(ctx, sub.UserID, sub.EffectivePlan(r.now()))
	kafka.PublishAsync(ctx, r.producer, kafka.NewEntitlementEvent(eventType, sub, reason), r.log)
}

func (r *Reconciler) cachePlan(ctx context.Context, userID string, plan plans.Plan) {
	if r.planCache != nil {
		r.planCache.Set(ctx, userID, plan)
	}
}

func (r *Reconciler) failure(op string) {
	if r.metrics != nil {
		r.metrics.IncReconcileFailure(op)
	}
}

func (r *Reconciler) downgraded(reason string) {
	if r.metrics != nil {
		r.metrics.IncDowngrade(reason)
	}
}

// StartCheckout создает Checkout Session для платного плана. Customer ID
// сохраняется в free/inactive запись до оплаты.
func (r *Reconciler) StartCheckout(ctx context.Context, userID, email string, plan plans.Plan) (*stripe.CheckoutSession, error) {
	priceID, ok := r.prices.PriceForPlan(plans.Normalize(string(plan)))
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlanNotPurchasable, plan)
	}
	if r.stripe == nil {
		return nil, domain.ErrExternalServiceUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()

	customerID, err := r.stripe.GetOrCreateCustomer(callCtx, userID, email)
	if err != nil {
		return nil, domain.NewExternalServiceError("stripe", "customer", "failed to get or create customer", 0, err)
	}
	if err := r.subs.EnsureCustomer(ctx, userID, customerID); err != nil {
		return nil, fmt.Errorf("save customer reference: %w", err)
	}

	session, err := r.stripe.CreateCheckoutSession(callCtx, stripe.CheckoutParams{
		UserID:     userID,
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: r.cfg.SuccessURL,
		CancelURL:  r.cfg.CancelURL,
	})
	if err != nil {
		return nil, domain.NewExternalServiceError("stripe", "checkout", "failed to create checkout session", 0, err)
	}

	r.log.Infow("Checkout session created", "userID", userID, "plan", plan, "sessionID", session.ID)
	return session, nil
}

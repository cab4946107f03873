package repository

import (
	"context"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/pkg/logger"
)

// CachedSubscriptionRepository кеширует чтение по user_id. Любая запись
// сначала идет в основное хранилище, затем сбрасывает ключ пользователя.
type CachedSubscriptionRepository struct {
	repo  SubscriptionRepository
	cache *RedisCacheRepository
	log   *logger.Logger
}

// NewCachedSubscriptionRepository создает новый репозиторий с кешированием
func NewCachedSubscriptionRepository(repo SubscriptionRepository, cache *RedisCacheRepository, log *logger.Logger) SubscriptionRepository {
	return &CachedSubscriptionRepository{repo: repo, cache: cache, log: log}
}

func (r *CachedSubscriptionRepository) invalidate(ctx context.Context, userID string) {
	if err := r.cache.DeleteCachedSubscription(ctx, userID); err != nil {
		r.log.Warnw("Failed to invalidate subscription cache", "error", err, "userID", userID)
	}
}

// GetByUserID сначала смотрит в кеш, потом в БД.
func (r *CachedSubscriptionRepository) GetByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	cached, err := r.cache.GetCachedSubscription(ctx, userID)
	if err != nil {
		r.log.Warnw("Error getting subscription from cache", "error", err, "userID", userID)
	}
	if cached != nil {
		r.log.Debugw("Subscription found in cache", "userID", userID)
		return cached, nil
	}

	sub, err := r.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		if err := r.cache.CacheSubscription(ctx, sub); err != nil {
			r.log.Warnw("Failed to cache subscription after fetching", "error", err, "userID", userID)
		}
	}
	return sub, nil
}

func (r *CachedSubscriptionRepository) GetByCustomerID(ctx context.Context, stripeCustomerID string) (*models.Subscription, error) {
	return r.repo.GetByCustomerID(ctx, stripeCustomerID)
}

func (r *CachedSubscriptionRepository) GetByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	return r.repo.GetByStripeSubscriptionID(ctx, stripeSubscriptionID)
}

func (r *CachedSubscriptionRepository) Upsert(ctx context.Context, sub *models.Subscription) error {
	if err := r.repo.Upsert(ctx, sub); err != nil {
		return err
	}
	r.invalidate(ctx, sub.UserID)
	return nil
}

func (r *CachedSubscriptionRepository) ApplyBilling(ctx context.Context, userID string, state models.BillingState) (*models.Subscription, error) {
	sub, err := r.repo.ApplyBilling(ctx, userID, state)
	if err != nil {
		return nil, err
	}
	r.invalidate(ctx, userID)
	return sub, nil
}

func (r *CachedSubscriptionRepository) EnsureCustomer(ctx context.Context, userID, stripeCustomerID string) error {
	if err := r.repo.EnsureCustomer(ctx, userID, stripeCustomerID); err != nil {
		return err
	}
	r.invalidate(ctx, userID)
	return nil
}

func (r *CachedSubscriptionRepository) StartGrace(ctx context.Context, userID string, graceEnd time.Time) (bool, error) {
	changed, err := r.repo.StartGrace(ctx, userID, graceEnd)
	if err != nil {
		return false, err
	}
	if changed {
		r.invalidate(ctx, userID)
	}
	return changed, nil
}

func (r *CachedSubscriptionRepository) Downgrade(ctx context.Context, userID string, status models.SubscriptionStatus) error {
	if err := r.repo.Downgrade(ctx, userID, status); err != nil {
		return err
	}
	r.invalidate(ctx, userID)
	return nil
}

func (r *CachedSubscriptionRepository) MarkPaid(ctx context.Context, userID string, periodStart, periodEnd *time.Time) error {
	if err := r.repo.MarkPaid(ctx, userID, periodStart, periodEnd); err != nil {
		return err
	}
	r.invalidate(ctx, userID)
	return nil
}

func (r *CachedSubscriptionRepository) ListStaleActive(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Subscription, error) {
	return r.repo.ListStaleActive(ctx, updatedBefore, limit)
}

func (r *CachedSubscriptionRepository) ListInconsistent(ctx context.Context, limit int) ([]models.Subscription, error) {
	return r.repo.ListInconsistent(ctx, limit)
}

func (r *CachedSubscriptionRepository) ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return r.repo.ListExpiredGrace(ctx, now, limit)
}

package repository

import (
	"context"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
)

// SubscriptionRepository определяет методы для работы с хранилищем подписок.
// Методы Get* возвращают (nil, nil), если записи нет.
type SubscriptionRepository interface {
	GetByUserID(ctx context.Context, userID string) (*models.Subscription, error)
	GetByCustomerID(ctx context.Context, stripeCustomerID string) (*models.Subscription, error)
	GetByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)

	// Upsert записывает подписку целиком, ключ - user_id.
	Upsert(ctx context.Context, sub *models.Subscription) error

	// ApplyBilling переносит состояние из Stripe в существующую запись одним
	// UPDATE и возвращает запись после изменения. Период двигается только
	// вперед. Льготный период сохраняется для past_due и сбрасывается для
	// остальных статусов; active обнуляет счетчик неудачных платежей.
	// Если записи нет, возвращает ErrNotFound.
	ApplyBilling(ctx context.Context, userID string, state models.BillingState) (*models.Subscription, error)

	// EnsureCustomer создает free/inactive запись с customer ID или обновляет
	// customer ID существующей.
	EnsureCustomer(ctx context.Context, userID, stripeCustomerID string) error

	// StartGrace переводит подписку в past_due с концом льготного периода,
	// только если льготный период еще не начат. Возвращает true, если запись
	// изменилась.
	StartGrace(ctx context.Context, userID string, graceEnd time.Time) (bool, error)

	// Downgrade переводит подписку на free с указанным статусом.
	Downgrade(ctx context.Context, userID string, status models.SubscriptionStatus) error

	// MarkPaid делает подписку active и двигает расчетный период вперед
	// (никогда назад).
	MarkPaid(ctx context.Context, userID string, periodStart, periodEnd *time.Time) error

	ListStaleActive(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Subscription, error)
	ListInconsistent(ctx context.Context, limit int) ([]models.Subscription, error)
	ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
}

// UsageRepository - счетчики использования по (user, tool, period).
type UsageRepository interface {
	Get(ctx context.Context, userID, toolName string, periodStart time.Time) (int64, error)
	// Increment атомарно увеличивает счетчик на 1 и возвращает новое значение.
	Increment(ctx context.Context, userID, toolName string, periodStart time.Time) (int64, error)
	ListForPeriod(ctx context.Context, userID string, periodStart time.Time) ([]models.UsageCounter, error)
}

// TrialRepository - пробные балансы.
type TrialRepository interface {
	Get(ctx context.Context, userID string) (*models.TrialBalance, error)
	// GetOrCreate возвращает баланс, создавая его с initial использованиями.
	GetOrCreate(ctx context.Context, userID string, initial int64) (trial *models.TrialBalance, created bool, err error)
	// Consume списывает одно использование, не опускаясь ниже нуля.
	Consume(ctx context.Context, userID, toolName string) (remaining int64, consumed bool, err error)
}

// Store объединяет репозитории основного хранилища прав.
type Store struct {
	Subscriptions SubscriptionRepository
	Usage         UsageRepository
	Trials        TrialRepository
}

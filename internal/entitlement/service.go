// Package entitlement решает, может ли пользователь вызвать инструмент, и
// учитывает использование. При недоступности хранилища решения принимает
// трекер деградированного режима.
package entitlement

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Dhoini/entitlement-service/internal/fallback"
	"github.com/Dhoini/entitlement-service/internal/metrics"
	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/internal/repository"
	"github.com/Dhoini/entitlement-service/pkg/logger"
)

// HealthChecker - состояние основного хранилища. Реализуется health.Monitor.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
	ReportFailure(err error)
}

// Service объединяет проверку доступа, учет использования, статус и
// перенос очереди деградированного режима.
type Service struct {
	store     repository.Store
	tracker   fallback.Tracker
	planCache fallback.PlanCache
	health    HealthChecker
	metrics   metrics.EntitlementMetrics
	log       *logger.Logger
	now       func() time.Time

	replaying atomic.Bool
}

func NewService(
	store repository.Store,
	tracker fallback.Tracker,
	planCache fallback.PlanCache,
	health HealthChecker,
	m metrics.EntitlementMetrics,
	log *logger.Logger,
) *Service {
	return &Service{
		store:     store,
		tracker:   tracker,
		planCache: planCache,
		health:    health,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// ClearSession сбрасывает сессионные счетчики пользователя при выходе.
// Очередь не трогается: уже учтенные использования должны попасть в хранилище.
func (s *Service) ClearSession(ctx context.Context, userID string) error {
	return s.tracker.Clear(ctx, userID)
}

// loadSubscription читает подписку и обновляет кеш плана. Свежее успешное
// чтение всегда перезаписывает кеш.
func (s *Service) loadSubscription(ctx context.Context, userID string) (*models.Subscription, plans.Plan, error) {
	sub, err := s.store.Subscriptions.GetByUserID(ctx, userID)
	if err != nil {
		return nil, plans.Free, err
	}
	plan := sub.EffectivePlan(s.now())
	if s.planCache != nil {
		s.planCache.Set(ctx, userID, plan)
	}
	return sub, plan, nil
}

func (s *Service) cachedPlan(ctx context.Context, userID string) (plans.Plan, bool) {
	if s.planCache == nil {
		return plans.Free, false
	}
	return s.planCache.Get(ctx, userID)
}

// storeFailed сообщает монитору о сбое чтения или записи. Ошибки отмененного
// вызывающим контекста о здоровье хранилища ничего не говорят.
func (s *Service) storeFailed(ctx context.Context, op, userID string, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		s.log.Debugw("Entitlement store call aborted by caller", "op", op, "userID", userID, "error", err)
		return
	}
	s.log.Warnw("Entitlement store operation failed, using degraded mode", "op", op, "userID", userID, "error", err)
	if s.health != nil {
		s.health.ReportFailure(err)
	}
}

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/entitlement-service/internal/fallback"
	"github.com/Dhoini/entitlement-service/internal/kafka"
	"github.com/Dhoini/entitlement-service/internal/metrics"
	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/internal/repository"
	"github.com/Dhoini/entitlement-service/pkg/logger"
)

const sweepBatchSize = 500

// Syncer принудительно сверяет подписку пользователя с биллингом.
type Syncer interface {
	ForceSync(ctx context.Context, userID string) error
}

// SweepReport - итог одного прохода.
type SweepReport struct {
	Stale        int `json:"stale"`
	Synced       int `json:"synced"`
	SyncFailed   int `json:"syncFailed"`
	Inconsistent int `json:"inconsistent"`
	Downgraded   int `json:"downgraded"`
}

// SweeperConfig - интервалы прохода.
type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchDelay time.Duration
}

// Sweeper периодически ищет устаревшие активные подписки и активные платные
// подписки без ссылки на Stripe.
type Sweeper struct {
	subs      repository.SubscriptionRepository
	syncer    Syncer
	planCache fallback.PlanCache
	producer  kafka.Producer
	metrics   metrics.EntitlementMetrics
	cfg       SweeperConfig
	log       *logger.Logger
	now       func() time.Time
}

func NewSweeper(
	subs repository.SubscriptionRepository,
	syncer Syncer,
	planCache fallback.PlanCache,
	producer kafka.Producer,
	m metrics.EntitlementMetrics,
	cfg SweeperConfig,
	log *logger.Logger,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Sweeper{
		subs:      subs,
		syncer:    syncer,
		planCache: planCache,
		producer:  producer,
		metrics:   m,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Run запускает цикл проверок. Блокируется до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Infow("Consistency sweeper started", "interval", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Infow("Consistency sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Errorw("Consistency sweep failed", "error", err)
			}
		}
	}
}

// Sweep выполняет один проход: сначала исправляет несогласованные записи,
// потом сверяет устаревшие.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	broken, err := s.subs.ListInconsistent(ctx, sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list inconsistent subscriptions: %w", err)
	}
	report.Inconsistent = len(broken)
	for i := range broken {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if s.downgrade(ctx, &broken[i]) {
			report.Downgraded++
		}
	}

	stale, err := s.subs.ListStaleActive(ctx, s.now().Add(-s.cfg.StaleAfter), sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale subscriptions: %w", err)
	}
	report.Stale = len(stale)
	for i, sub := range stale {
		if i > 0 && !s.pause(ctx) {
			return report, ctx.Err()
		}
		if err := s.syncer.ForceSync(ctx, sub.UserID); err != nil {
			report.SyncFailed++
			s.log.Warnw("Forced sync failed", "error", err, "userID", sub.UserID)
			continue
		}
		report.Synced++
	}

	s.log.Infow("Consistency sweep finished",
		"stale", report.Stale, "synced", report.Synced, "syncFailed", report.SyncFailed,
		"inconsistent", report.Inconsistent, "downgraded", report.Downgraded)
	return report, nil
}

func (s *Sweeper) downgrade(ctx context.Context, sub *models.Subscription) bool {
	s.log.Errorw("Active paid subscription without billing reference, downgrading",
		"security_event", "subscription_inconsistent", "userID", sub.UserID, "plan", sub.PlanType)

	if err := s.subs.Downgrade(ctx, sub.UserID, models.StatusInactive); err != nil {
		s.log.Errorw("Failed to downgrade inconsistent subscription", "error", err, "userID", sub.UserID)
		return false
	}

	sub.PlanType = plans.Free
	sub.Status = models.StatusInactive
	if s.planCache != nil {
		s.planCache.Set(ctx, sub.UserID, plans.Free)
	}
	if s.metrics != nil {
		s.metrics.IncDowngrade("inconsistent")
	}
	kafka.PublishAsync(ctx, s.producer, kafka.NewEntitlementEvent(models.EventSubscriptionDowngraded, sub, "inconsistent"), s.log)
	return true
}

func (s *Sweeper) pause(ctx context.Context) bool {
	if s.cfg.BatchDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.cfg.BatchDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

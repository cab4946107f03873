package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
)

const graceBatchSize = 500

// ExpireGracePeriods понижает past_due подписки с истекшим льготным
// периодом. Возвращает число пониженных записей.
func (r *Reconciler) ExpireGracePeriods(ctx context.Context) (int, error) {
	expired, err := r.subs.ListExpiredGrace(ctx, r.now(), graceBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired grace periods: %w", err)
	}

	downgraded := 0
	for i := range expired {
		if ctx.Err() != nil {
			return downgraded, ctx.Err()
		}
		sub := &expired[i]
		if err := r.downgrade(ctx, sub, models.StatusCancelled, "grace_expired"); err != nil {
			r.failure("grace")
			r.log.Errorw("Failed to expire grace period", "error", err, "userID", sub.UserID)
			continue
		}
		downgraded++
	}

	if len(expired) > 0 {
		r.log.Infow("Grace periods expired", "found", len(expired), "downgraded", downgraded)
	}
	return downgraded, nil
}

// RunGraceEnforcer проверяет льготные периоды каждые interval до отмены ctx.
func (r *Reconciler) RunGraceEnforcer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	r.log.Infow("Grace enforcer started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Infow("Grace enforcer stopped")
			return
		case <-ticker.C:
			if _, err := r.ExpireGracePeriods(ctx); err != nil {
				r.log.Errorw("Grace enforcement failed", "error", err)
			}
		}
	}
}

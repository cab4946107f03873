package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/entitlement-service/internal/fallback"
)

// DefaultReplayInterval - как часто проверять очередь, пока хранилище доступно.
const DefaultReplayInterval = time.Minute

// Replay переносит очередь деградированного режима в основное хранилище тем
// же путем, что и RecordUsage. При первой ошибке оставшиеся элементы
// возвращаются в очередь. Доставка at-least-once, небольшой перерасчет
// допустим.
func (s *Service) Replay(ctx context.Context) (int, error) {
	if !s.replaying.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.replaying.Store(false)

	items, err := s.tracker.Drain(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	replayed := 0
	for i, item := range items {
		if ctx.Err() != nil {
			return replayed, s.requeue(ctx, items[i:], ctx.Err())
		}
		_, err := s.record(ctx, item.UserID, item.Tool, item.At)
		if errors.Is(err, errTrialExhausted) {
			s.log.Warnw("Dropping queued usage, trial exhausted", "userID", item.UserID, "tool", item.Tool)
			continue
		}
		if err != nil {
			s.storeFailed(ctx, "replay", item.UserID, err)
			return replayed, s.requeue(ctx, items[i:], err)
		}
		replayed++
	}

	if s.metrics != nil {
		s.metrics.AddReplayed(replayed)
	}
	s.log.Infow("Fallback queue replayed", "items", replayed)
	return replayed, nil
}

func (s *Service) requeue(ctx context.Context, rest []fallback.QueuedUsage, cause error) error {
	if err := s.tracker.Requeue(context.WithoutCancel(ctx), rest); err != nil {
		s.log.Errorw("Failed to requeue fallback usage, items lost", "count", len(rest), "error", err)
	}
	s.log.Warnw("Fallback replay interrupted", "remaining", len(rest), "error", cause)
	return cause
}

// RunReplayer периодически переносит очередь, пока хранилище доступно.
func (s *Service) RunReplayer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReplayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.health.IsHealthy(ctx) {
				continue
			}
			if _, err := s.Replay(ctx); err != nil {
				s.log.Warnw("Periodic replay failed", "error", err)
			}
		}
	}
}

package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/entitlement-service/internal/plans"
)

// errTrialExhausted - запись для пользователя без остатка пробных использований.
var errTrialExhausted = errors.New("trial balance exhausted")

// UsageResult - результат учета использования.
type UsageResult struct {
	Success      bool `json:"success"`
	FallbackMode bool `json:"fallbackMode"`
}

// RecordUsage учитывает одно успешное использование инструмента. Вызывается
// только после успешного ответа инструмента. При сбое хранилища
// использование попадает в трекер и очередь.
func (s *Service) RecordUsage(ctx context.Context, userID, tool string) UsageResult {
	now := s.now()
	if !s.health.IsHealthy(ctx) {
		return s.recordFallback(ctx, userID, tool, now)
	}

	plan, err := s.record(ctx, userID, tool, now)
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.IncUsageRecorded(string(plan), false)
		}
		return UsageResult{Success: true}
	case errors.Is(err, errTrialExhausted):
		s.log.Warnw("Usage recorded after trial ran out", "userID", userID, "tool", tool)
		return UsageResult{Success: false}
	default:
		s.storeFailed(ctx, "record_usage", userID, err)
		return s.recordFallback(ctx, userID, tool, now)
	}
}

// record применяет использование к основному хранилищу. Этот же путь
// использует перенос очереди.
func (s *Service) record(ctx context.Context, userID, tool string, at time.Time) (plans.Plan, error) {
	sub, plan, err := s.loadSubscription(ctx, userID)
	if err != nil {
		return plans.Free, err
	}

	switch plan {
	case plans.Professional:
		return plan, nil

	case plans.Essential:
		_, err := s.store.Usage.Increment(ctx, userID, tool, sub.PeriodStart(at))
		return plan, err

	default:
		_, consumed, err := s.store.Trials.Consume(ctx, userID, tool)
		if err != nil {
			return plan, err
		}
		if consumed {
			return plan, nil
		}

		trial, err := s.store.Trials.Get(ctx, userID)
		if err != nil {
			return plan, err
		}
		if trial != nil {
			return plan, errTrialExhausted
		}
		if _, _, err := s.store.Trials.GetOrCreate(ctx, userID, plans.TrialUses); err != nil {
			return plan, err
		}
		_, consumed, err = s.store.Trials.Consume(ctx, userID, tool)
		if err != nil {
			return plan, err
		}
		if !consumed {
			return plan, errTrialExhausted
		}
		return plan, nil
	}
}

func (s *Service) recordFallback(ctx context.Context, userID, tool string, at time.Time) UsageResult {
	if _, err := s.tracker.Increment(ctx, userID, tool, at); err != nil {
		s.log.Errorw("Failed to record fallback usage", "userID", userID, "tool", tool, "error", err)
		return UsageResult{Success: false, FallbackMode: true}
	}
	if s.metrics != nil {
		s.metrics.IncUsageRecorded("unknown", true)
	}
	return UsageResult{Success: true, FallbackMode: true}
}

package entitlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
)

// ToolCount - использования одного инструмента за период.
type ToolCount struct {
	ToolName   string `json:"tool_name"`
	UsageCount int64  `json:"usage_count"`
}

// UsageSummary - использование за текущий расчетный период.
type UsageSummary struct {
	Total     int64       `json:"total"`
	ByTool    []ToolCount `json:"byTool"`
	Limit     Remaining   `json:"limit"`
	Remaining Remaining   `json:"remaining"`
}

// Status - состояние подписки и использования пользователя.
type Status struct {
	PlanType         plans.Plan                `json:"planType"`
	Status           models.SubscriptionStatus `json:"status"`
	CurrentPeriodEnd *time.Time                `json:"currentPeriodEnd"`
	Usage            UsageSummary              `json:"usage"`
	Features         []string                  `json:"features"`
	FallbackMode     bool                      `json:"fallbackMode,omitempty"`
}

// GetStatus собирает статус из подписки, счетчиков и пробного баланса.
// Если хранилище недоступно, возвращает безопасный статус по кешу плана и
// сессионным счетчикам.
func (s *Service) GetStatus(ctx context.Context, userID string) (*Status, error) {
	if !s.health.IsHealthy(ctx) {
		return s.degradedStatus(ctx, userID), nil
	}

	sub, plan, err := s.loadSubscription(ctx, userID)
	if err != nil {
		s.storeFailed(ctx, "status", userID, err)
		return s.degradedStatus(ctx, userID), nil
	}

	limits := plans.LimitsFor(plan)
	st := &Status{
		PlanType: plan,
		Status:   models.StatusInactive,
		Features: limits.Features,
	}
	if sub != nil {
		st.Status = sub.Status
		st.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}

	if plan == plans.Free {
		usage, err := s.trialUsage(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("trial usage: %w", err)
		}
		st.Usage = usage
		return st, nil
	}

	counters, err := s.store.Usage.ListForPeriod(ctx, userID, sub.PeriodStart(s.now()))
	if err != nil {
		return nil, fmt.Errorf("usage for period: %w", err)
	}
	byTool := make(map[string]int64, len(counters))
	for _, c := range counters {
		if c.ToolName == StatusToolName {
			continue
		}
		byTool[c.ToolName] += c.Count
	}
	st.Usage = summarize(byTool, limits.MonthlyLimit)
	return st, nil
}

// trialUsage: для free плана использование - это списанные пробные
// использования.
func (s *Service) trialUsage(ctx context.Context, userID string) (UsageSummary, error) {
	trial, err := s.store.Trials.Get(ctx, userID)
	if err != nil {
		return UsageSummary{}, err
	}
	if trial == nil {
		return summarize(nil, plans.TrialUses), nil
	}
	usage := summarize(trial.ToolsUsed, plans.TrialUses)
	usage.Total = plans.TrialUses - trial.UsesRemaining
	usage.Remaining = Remaining(trial.UsesRemaining)
	return usage, nil
}

func (s *Service) degradedStatus(ctx context.Context, userID string) *Status {
	plan, _ := s.cachedPlan(ctx, userID)
	limits := plans.LimitsFor(plan)

	byTool := map[string]int64{}
	if session, err := s.tracker.Usage(ctx, userID); err == nil {
		for tool, n := range session {
			byTool[tool] = int64(n)
		}
	}

	return &Status{
		PlanType:     plan,
		Status:       models.StatusInactive,
		Usage:        summarize(byTool, limits.MonthlyLimit),
		Features:     limits.Features,
		FallbackMode: true,
	}
}

func summarize(byTool map[string]int64, limit int64) UsageSummary {
	out := UsageSummary{ByTool: make([]ToolCount, 0, len(byTool)), Limit: Remaining(limit)}
	for tool, n := range byTool {
		out.ByTool = append(out.ByTool, ToolCount{ToolName: tool, UsageCount: n})
		out.Total += n
	}
	sort.Slice(out.ByTool, func(i, j int) bool { return out.ByTool[i].ToolName < out.ByTool[j].ToolName })

	switch {
	case limit == plans.Unlimited:
		out.Remaining = Remaining(plans.Unlimited)
	case out.Total >= limit:
		out.Remaining = 0
	default:
		out.Remaining = Remaining(limit - out.Total)
	}
	return out
}

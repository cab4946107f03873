package entitlement

import (
	"context"
	"fmt"

	"github.com/Dhoini/entitlement-service/internal/plans"
)

// Коды причин решения.
const (
	ReasonUnlimited            = "unlimited"
	ReasonEssential            = "essential"
	ReasonTrial                = "trial"
	ReasonMonthlyLimitReached  = "monthly_limit_reached"
	ReasonTrialExhausted       = "trial_exhausted"
	ReasonFallback             = "fallback"
	ReasonFallbackLimitReached = "fallback_limit_reached"
)

// Decision - результат проверки доступа.
type Decision struct {
	CanUse       bool       `json:"canUse"`
	Remaining    Remaining  `json:"usesRemaining"`
	Reason       string     `json:"reason"`
	Message      string     `json:"message,omitempty"`
	PlanType     plans.Plan `json:"planType"`
	FallbackMode bool       `json:"fallbackMode"`
}

// UpgradeRequired - отказ по квоте плана, а не мягкий лимит деградированного режима.
func (d Decision) UpgradeRequired() bool {
	return !d.CanUse && !d.FallbackMode
}

// CheckAccess решает, может ли пользователь вызвать инструмент. Ошибки
// хранилища не возвращаются: на любой сбой есть решение деградированного
// режима. Единственная запись - ленивое создание пробного баланса.
func (s *Service) CheckAccess(ctx context.Context, userID, tool string) Decision {
	if !s.health.IsHealthy(ctx) {
		plan, _ := s.cachedPlan(ctx, userID)
		return s.fallbackDecision(ctx, userID, tool, plan)
	}

	sub, plan, err := s.loadSubscription(ctx, userID)
	if err != nil {
		s.storeFailed(ctx, "get_subscription", userID, err)
		cached, ok := s.cachedPlan(ctx, userID)
		if !ok {
			return s.fallbackDecision(ctx, userID, tool, plans.Free)
		}
		plan = cached
	}

	var d Decision
	switch plan {
	case plans.Professional:
		d = Decision{CanUse: true, Remaining: Remaining(plans.Unlimited), Reason: ReasonUnlimited, PlanType: plan}

	case plans.Essential:
		limit := plans.LimitsFor(plans.Essential).MonthlyLimit
		count, err := s.store.Usage.Get(ctx, userID, tool, sub.PeriodStart(s.now()))
		if err != nil {
			s.storeFailed(ctx, "get_usage", userID, err)
			return s.fallbackDecision(ctx, userID, tool, plan)
		}
		if count >= limit {
			d = Decision{
				Reason:   ReasonMonthlyLimitReached,
				Message:  "Monthly limit reached. Upgrade to Professional for unlimited access.",
				PlanType: plan,
			}
		} else {
			d = Decision{CanUse: true, Remaining: Remaining(limit - count), Reason: ReasonEssential, PlanType: plan}
		}

	default:
		trial, created, err := s.store.Trials.GetOrCreate(ctx, userID, plans.TrialUses)
		if err != nil {
			s.storeFailed(ctx, "get_trial", userID, err)
			return s.fallbackDecision(ctx, userID, tool, plans.Free)
		}
		if created {
			s.log.Infow("Trial balance created", "userID", userID, "uses", trial.UsesRemaining)
		}
		if trial.UsesRemaining <= 0 {
			d = Decision{
				Reason:   ReasonTrialExhausted,
				Message:  "Free trial expired. Choose a plan to continue.",
				PlanType: plans.Free,
			}
		} else {
			d = Decision{CanUse: true, Remaining: Remaining(trial.UsesRemaining), Reason: ReasonTrial, PlanType: plans.Free}
		}
	}

	s.observeDecision(d)
	return d
}

// fallbackDecision ограничивает пользователя сессионным лимитом трекера
// независимо от плана.
func (s *Service) fallbackDecision(ctx context.Context, userID, tool string, plan plans.Plan) Decision {
	a, err := s.tracker.Check(ctx, userID, tool)
	if err != nil {
		s.log.Errorw("Fallback tracker unavailable, denying", "userID", userID, "tool", tool, "error", err)
		a.CanUse = false
	}

	d := Decision{
		CanUse:       a.CanUse,
		Remaining:    Remaining(a.Remaining),
		PlanType:     plan,
		FallbackMode: true,
	}
	if a.CanUse {
		d.Reason = ReasonFallback
		d.Message = fmt.Sprintf("Limited access (%d uses remaining this session)", a.Remaining)
	} else {
		d.Reason = ReasonFallbackLimitReached
		d.Message = "Session limit reached. Please try again later."
	}

	if s.metrics != nil {
		s.metrics.IncFallbackDecision(d.CanUse)
	}
	s.log.Debugw("Fallback decision", "userID", userID, "tool", tool, "canUse", d.CanUse, "remaining", a.Remaining)
	return d
}

func (s *Service) observeDecision(d Decision) {
	if s.metrics == nil {
		return
	}
	outcome := "allowed"
	if !d.CanUse {
		outcome = "denied"
	}
	s.metrics.IncDecision(string(d.PlanType), outcome)
}

// Denial - тело ответа 402.
type Denial struct {
	Error           string     `json:"error"`
	UpgradeRequired bool       `json:"upgradeRequired"`
	Message         string     `json:"message"`
	Reason          string     `json:"reason"`
	PlanType        plans.Plan `json:"planType"`
	UsesRemaining   Remaining  `json:"usesRemaining"`
	FallbackMode    bool       `json:"fallbackMode"`
}

// Denial строит тело отказа для решения с CanUse == false.
func (d Decision) Denial() Denial {
	msg := d.Message
	if msg == "" {
		msg = "Usage limit reached. Upgrade your plan to continue."
	}
	return Denial{
		Error:           "Payment required",
		UpgradeRequired: d.UpgradeRequired(),
		Message:         msg,
		Reason:          d.Reason,
		PlanType:        d.PlanType,
		UsesRemaining:   d.Remaining,
		FallbackMode:    d.FallbackMode,
	}
}

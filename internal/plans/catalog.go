// Package plans описывает тарифные планы и их лимиты.
package plans

import "strings"

// Plan - идентификатор тарифного плана.
type Plan string

const (
	Free         Plan = "free"
	Essential    Plan = "essential"
	Professional Plan = "professional"
)

// Unlimited обозначает отсутствие лимита использования.
const Unlimited int64 = -1

// TrialUses - сколько бесплатных использований получает новый пользователь.
const TrialUses int64 = 6

// Feature flags
const (
	FeatureTrialUsage       = "trial_usage"
	FeatureMonthlyUsage     = "monthly_usage"
	FeatureStandardSupport  = "standard_support"
	FeatureUnlimitedUsage   = "unlimited_usage"
	FeaturePrioritySupport  = "priority_support"
	FeatureAdvancedFeatures = "advanced_features"
)

// Limits - квота и набор возможностей плана.
type Limits struct {
	MonthlyLimit int64    `json:"monthlyLimit"`
	Features     []string `json:"features"`
}

// IsUnlimited сообщает, что лимит не ограничен.
func (l Limits) IsUnlimited() bool {
	return l.MonthlyLimit == Unlimited
}

var catalog = map[Plan]Limits{
	Free: {
		MonthlyLimit: TrialUses,
		Features:     []string{FeatureTrialUsage},
	},
	Essential: {
		MonthlyLimit: 150,
		Features:     []string{FeatureMonthlyUsage, FeatureStandardSupport},
	},
	Professional: {
		MonthlyLimit: Unlimited,
		Features:     []string{FeatureUnlimitedUsage, FeaturePrioritySupport, FeatureAdvancedFeatures},
	},
}

// LimitsFor возвращает лимиты плана. Неизвестный план получает лимиты free,
// никогда больше.
func LimitsFor(p Plan) Limits {
	l, ok := catalog[Normalize(string(p))]
	if !ok {
		l = catalog[Free]
	}
	features := make([]string, len(l.Features))
	copy(features, l.Features)
	return Limits{MonthlyLimit: l.MonthlyLimit, Features: features}
}

// Normalize приводит строку к известному плану; все остальное - Free.
func Normalize(s string) Plan {
	switch p := Plan(strings.ToLower(strings.TrimSpace(s))); p {
	case Free, Essential, Professional:
		return p
	default:
		return Free
	}
}

// IsPaid сообщает, является ли план платным.
func (p Plan) IsPaid() bool {
	return p == Essential || p == Professional
}

func (p Plan) String() string { return string(p) }

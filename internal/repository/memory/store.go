// Package memory - хранилище прав в памяти процесса. Используется драйвером
// database.driver=memory и в тестах.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/internal/repository"
)

type usageKey struct {
	userID      string
	tool        string
	periodStart int64
}

// Store хранит подписки, счетчики и пробные балансы. SetFailure позволяет
// имитировать недоступность хранилища.
type Store struct {
	mu sync.RWMutex

	subscriptions map[string]*models.Subscription
	usage         map[usageKey]*models.UsageCounter
	trials        map[string]*models.TrialBalance

	failure error
	now     func() time.Time
}

func New() *Store {
	return &Store{
		subscriptions: make(map[string]*models.Subscription),
		usage:         make(map[usageKey]*models.UsageCounter),
		trials:        make(map[string]*models.TrialBalance),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Repositories собирает repository.Store поверх одного хранилища.
func (s *Store) Repositories() repository.Store {
	return repository.Store{
		Subscriptions: &subscriptions{s},
		Usage:         &usage{s},
		Trials:        &trials{s},
	}
}

// SetFailure заставляет все операции возвращать err; nil снимает сбой.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Probe возвращает текущий сбой, если он задан.
func (s *Store) Probe(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// SetUpdatedAt нужен тестам сверки: Upsert всегда ставит текущее время.
func (s *Store) SetUpdatedAt(userID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscriptions[userID]; ok {
		sub.UpdatedAt = t
	}
}

func copySub(in *models.Subscription) *models.Subscription {
	out := *in
	if in.StripeSubscriptionID != nil {
		v := *in.StripeSubscriptionID
		out.StripeSubscriptionID = &v
	}
	out.CurrentPeriodStart = copyTime(in.CurrentPeriodStart)
	out.CurrentPeriodEnd = copyTime(in.CurrentPeriodEnd)
	out.GracePeriodEnd = copyTime(in.GracePeriodEnd)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyTrial(in *models.TrialBalance) *models.TrialBalance {
	out := *in
	out.ToolsUsed = make(models.ToolUsage, len(in.ToolsUsed))
	for k, v := range in.ToolsUsed {
		out.ToolsUsed[k] = v
	}
	return &out
}

// Subscriptions

type subscriptions struct{ s *Store }

func (r *subscriptions) find(match func(*models.Subscription) bool) (*models.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.s.failure != nil {
		return nil, r.s.failure
	}
	for _, sub := range r.s.subscriptions {
		if match(sub) {
			return copySub(sub), nil
		}
	}
	return nil, nil
}

func (r *subscriptions) GetByUserID(_ context.Context, userID string) (*models.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.s.failure != nil {
		return nil, r.s.failure
	}
	if sub, ok := r.s.subscriptions[userID]; ok {
		return copySub(sub), nil
	}
	return nil, nil
}

func (r *subscriptions) GetByCustomerID(_ context.Context, customerID string) (*models.Subscription, error) {
	if customerID == "" {
		return nil, nil
	}
	return r.find(func(s *models.Subscription) bool { return s.StripeCustomerID == customerID })
}

func (r *subscriptions) GetByStripeSubscriptionID(_ context.Context, subID string) (*models.Subscription, error) {
	if subID == "" {
		return nil, nil
	}
	return r.find(func(s *models.Subscription) bool { return s.ExternalRef() == subID })
}

func (r *subscriptions) Upsert(_ context.Context, sub *models.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failure != nil {
		return r.s.failure
	}

	now := r.s.now()
	if existing, ok := r.s.subscriptions[sub.UserID]; ok {
		sub.CreatedAt = existing.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	sub.PlanType = plans.Normalize(string(sub.PlanType))
	r.s.subscriptions[sub.UserID] = copySub(sub)
	return nil
}

func (r *subscriptions) ApplyBilling(_ context.Context, userID string, state models.BillingState) (*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failure != nil {
		return nil, r.s.failure
	}

	sub, ok := r.s.subscriptions[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if state.StripeCustomerID != "" {
		sub.StripeCustomerID = state.StripeCustomerID
	}
	ref := state.StripeSubscriptionID
	sub.StripeSubscriptionID = &ref
	sub.PlanType = plans.Normalize(string(state.PlanType))
	sub.Status = state.Status

	if state.CurrentPeriodStart != nil && (sub.CurrentPeriodStart == nil || state.CurrentPeriodStart.After(*sub.CurrentPeriodStart)) {
		sub.CurrentPeriodStart = copyTime(state.CurrentPeriodStart)
		sub.CurrentPeriodEnd = copyTime(state.CurrentPeriodEnd)
	} else if sub.CurrentPeriodEnd == nil {
		sub.CurrentPeriodEnd = copyTime(state.CurrentPeriodEnd)
	}

	switch state.Status {
	case models.StatusActive:
		sub.GracePeriodEnd = nil
		sub.PaymentFailures = 0
	case models.StatusPastDue:
		// льготный период ведет StartGrace
	default:
		sub.GracePeriodEnd = nil
	}
	sub.UpdatedAt = r.s.now()
	return copySub(sub), nil
}

func (r *subscriptions) EnsureCustomer(_ context.Context, userID, customerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failure != nil {
		return r.s.failure
	}

	now := r.s.now()
	if sub, ok := r.s.subscriptions[userID]; ok {
		sub.StripeCustomerID = customerID
		sub.UpdatedAt = now
		return nil
	}
	r.s.subscriptions[userID] = &models.Subscription{
		UserID:           userID,
		StripeCustomerID: customerID,
		PlanType:         plans.Free,
		Status:           models.StatusInactive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return nil
}

func (r *subscriptions) StartGrace(_ context.Context, userID string, graceEnd time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failure != nil {
		return false, r.s.failure
	}

	sub, ok := r.s.subscriptions[userID]
	if !ok || (sub.Status == models.StatusPastDue && sub.GracePeriodEnd != nil) {
		return false, nil
	}
	end := graceEnd.UTC()
	sub.Status = models.StatusPastDue
	sub.GracePeriodEnd = &end
	sub.PaymentFailures++
	sub.UpdatedAt = r.s.now()
	return true, nil
}

func (r *subscriptions) Downgrade(_ context.Context, userID string, status models.SubscriptionStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failure != nil {
		return r.s.failure
	}

	sub, ok := r.s.subscriptions[userID]
	if !ok {
		return repository.ErrNotFound
	}
	sub.PlanType = plans.Free
	sub.Status = status
	sub.GracePeriodEnd = nil
	sub.UpdatedAt = r.s.now()
	return nil
}

func (r *subscriptions) MarkPaid(_ context.Context, userID string, periodStart, periodEnd *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failure != nil {
		return r.s.failure
	}

	sub, ok := r.s.subscriptions[userID]
	if !ok {
		return repository.ErrNotFound
	}
	sub.Status = models.StatusActive
	sub.GracePeriodEnd = nil
	sub.PaymentFailures = 0
	sub.CurrentPeriodStart = later(sub.CurrentPeriodStart, periodStart)
	sub.CurrentPeriodEnd = later(sub.CurrentPeriodEnd, periodEnd)
	sub.UpdatedAt = r.s.now()
	return nil
}

func later(cur, next *time.Time) *time.Time {
	if next == nil {
		return cur
	}
	if cur == nil || next.After(*cur) {
		v := next.UTC()
		return &v
	}
	return cur
}

func (r *subscriptions) list(limit int, match func(*models.Subscription) bool, less func(a, b *models.Subscription) bool) ([]models.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.s.failure != nil {
		return nil, r.s.failure
	}

	var found []*models.Subscription
	for _, sub := range r.s.subscriptions {
		if match(sub) {
			found = append(found, sub)
		}
	}
	sort.Slice(found, func(i, j int) bool { return less(found[i], found[j]) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]models.Subscription, 0, len(found))
	for _, sub := range found {
		out = append(out, *copySub(sub))
	}
	return out, nil
}

func byUpdated(a, b *models.Subscription) bool { return a.UpdatedAt.Before(b.UpdatedAt) }

func (r *subscriptions) ListStaleActive(_ context.Context, updatedBefore time.Time, limit int) ([]models.Subscription, error) {
	return r.list(limit, func(s *models.Subscription) bool {
		return s.Status == models.StatusActive && s.HasExternalRef() && s.UpdatedAt.Before(updatedBefore)
	}, byUpdated)
}

func (r *subscriptions) ListInconsistent(_ context.Context, limit int) ([]models.Subscription, error) {
	return r.list(limit, func(s *models.Subscription) bool { return s.IsInconsistent() }, byUpdated)
}

func (r *subscriptions) ListExpiredGrace(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return r.list(limit, func(s *models.Subscription) bool {
		return s.Status == models.StatusPastDue && s.GracePeriodEnd != nil && !s.GracePeriodEnd.After(now)
	}, func(a, b *models.Subscription) bool { return a.GracePeriodEnd.Before(*b.GracePeriodEnd) })
}

// Usage

type usage struct{ s *Store }

func key(userID, tool string, periodStart time.Time) usageKey {
	return usageKey{userID: userID, tool: tool, periodStart: periodStart.UTC().UnixNano()}
}

func (r *usage) Get(_ context.Context, userID, tool string, periodStart time.Time) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.s.failure != nil {
		return 0, r.s.failure
	}
	if c, ok := r.s.usage[key(userID, tool, periodStart)]; ok {
		return c.Count, nil
	}
	return 0, nil
}

func (r *usage) Increment(_ context.Context, userID, tool string, periodStart time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failure != nil {
		return 0, r.s.failure
	}

	k := key(userID, tool, periodStart)
	c, ok := r.s.usage[k]
	if !ok {
		c = &models.UsageCounter{UserID: userID, ToolName: tool, PeriodStart: periodStart.UTC()}
		r.s.usage[k] = c
	}
	c.Count++
	c.UpdatedAt = r.s.now()
	return c.Count, nil
}

func (r *usage) ListForPeriod(_ context.Context, userID string, periodStart time.Time) ([]models.UsageCounter, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.s.failure != nil {
		return nil, r.s.failure
	}

	ps := periodStart.UTC().UnixNano()
	var out []models.UsageCounter
	for k, c := range r.s.usage {
		if k.userID == userID && k.periodStart == ps {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out, nil
}

// Trials

type trials struct{ s *Store }

func (r *trials) Get(_ context.Context, userID string) (*models.TrialBalance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.s.failure != nil {
		return nil, r.s.failure
	}
	if tb, ok := r.s.trials[userID]; ok {
		return copyTrial(tb), nil
	}
	return nil, nil
}

func (r *trials) GetOrCreate(_ context.Context, userID string, initial int64) (*models.TrialBalance, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failure != nil {
		return nil, false, r.s.failure
	}

	if tb, ok := r.s.trials[userID]; ok {
		return copyTrial(tb), false, nil
	}
	now := r.s.now()
	tb := &models.TrialBalance{
		UserID:        userID,
		UsesRemaining: initial,
		ToolsUsed:     models.ToolUsage{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.s.trials[userID] = tb
	return copyTrial(tb), true, nil
}

func (r *trials) Consume(_ context.Context, userID, tool string) (int64, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failure != nil {
		return 0, false, r.s.failure
	}

	tb, ok := r.s.trials[userID]
	if !ok || tb.UsesRemaining <= 0 {
		return 0, false, nil
	}
	tb.UsesRemaining--
	tb.ToolsUsed[tool]++
	tb.UpdatedAt = r.s.now()
	return tb.UsesRemaining, true, nil
}

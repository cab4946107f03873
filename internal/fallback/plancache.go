package fallback

import (
	"context"
	"time"

	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// PlanCache хранит последний успешно прочитанный план пользователя.
// Используется только когда чтение подписки из хранилища не удалось.
type PlanCache interface {
	Get(ctx context.Context, userID string) (plans.Plan, bool)
	Set(ctx context.Context, userID string, plan plans.Plan)
}

// LRUPlanCache - ограниченный кеш в памяти процесса.
type LRUPlanCache struct {
	cache *lru.Cache[string, plans.Plan]
}

// NewLRUPlanCache создает кеш на size пользователей.
func NewLRUPlanCache(size int) (*LRUPlanCache, error) {
	if size <= 0 {
		size = 10000
	}
	c, err := lru.New[string, plans.Plan](size)
	if err != nil {
		return nil, err
	}
	return &LRUPlanCache{cache: c}, nil
}

func (c *LRUPlanCache) Get(_ context.Context, userID string) (plans.Plan, bool) {
	return c.cache.Get(userID)
}

func (c *LRUPlanCache) Set(_ context.Context, userID string, plan plans.Plan) {
	c.cache.Add(userID, plans.Normalize(string(plan)))
}

const planCacheTTL = 7 * 24 * time.Hour

// RedisPlanCache - кеш планов, общий для всех экземпляров.
type RedisPlanCache struct {
	client *redis.Client
	log    *logger.Logger
}

func NewRedisPlanCache(client *redis.Client, log *logger.Logger) *RedisPlanCache {
	return &RedisPlanCache{client: client, log: log}
}

func planKey(userID string) string { return keyPrefix + "plan:" + userID }

func (c *RedisPlanCache) Get(ctx context.Context, userID string) (plans.Plan, bool) {
	v, err := c.client.Get(ctx, planKey(userID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warnw("Failed to read cached plan", "error", err, "userID", userID)
		}
		return "", false
	}
	return plans.Normalize(v), true
}

func (c *RedisPlanCache) Set(ctx context.Context, userID string, plan plans.Plan) {
	if err := c.client.Set(ctx, planKey(userID), string(plans.Normalize(string(plan))), planCacheTTL).Err(); err != nil {
		c.log.Warnw("Failed to cache plan", "error", err, "userID", userID)
	}
}

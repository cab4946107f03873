package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	subscriptionKeyPrefix = "entitlement:subscription:"

	// TTL для кэша
	defaultCacheTTL = 5 * time.Minute
)

// NewRedisClient подключается к Redis и проверяет соединение.
func NewRedisClient(addr, password string, db int, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", addr)
	return client, nil
}

// RedisCacheRepository кеширует записи подписок по user_id.
type RedisCacheRepository struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCacheRepository создает кеш поверх готового клиента.
func NewRedisCacheRepository(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisCacheRepository {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCacheRepository{client: client, ttl: ttl, log: log}
}

func subscriptionKey(userID string) string {
	return subscriptionKeyPrefix + userID
}

// CacheSubscription кеширует подписку в Redis
func (r *RedisCacheRepository) CacheSubscription(ctx context.Context, sub *models.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	if err := r.client.Set(ctx, subscriptionKey(sub.UserID), data, r.ttl).Err(); err != nil {
		r.log.Warnw("Failed to cache subscription in Redis", "error", err, "userID", sub.UserID)
		return fmt.Errorf("failed to cache subscription: %w", err)
	}
	return nil
}

// GetCachedSubscription возвращает (nil, nil), если ключа нет.
func (r *RedisCacheRepository) GetCachedSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	data, err := r.client.Get(ctx, subscriptionKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription from cache: %w", err)
	}

	var sub models.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached subscription: %w", err)
	}
	return &sub, nil
}

// DeleteCachedSubscription удаляет подписку из кеша
func (r *RedisCacheRepository) DeleteCachedSubscription(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, subscriptionKey(userID)).Err(); err != nil {
		r.log.Warnw("Failed to delete subscription from cache", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete subscription from cache: %w", err)
	}
	return nil
}

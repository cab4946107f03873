package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "entitlement:fallback:"
	queueKey   = keyPrefix + "queue"
	droppedKey = keyPrefix + "dropped"

	// сессия живет сутки после последнего использования
	sessionTTL = 24 * time.Hour
)

func sessionKey(userID string) string { return keyPrefix + "session:" + userID }

// RedisTracker разделяет бюджет деградированного режима и очередь между
// всеми экземплярами сервиса.
type RedisTracker struct {
	client   *redis.Client
	limit    int
	capacity int64
	onDrop   DropHook
	log      *logger.Logger
}

// NewRedisTracker создает трекер поверх Redis.
func NewRedisTracker(client *redis.Client, limit, capacity int, onDrop DropHook, log *logger.Logger) *RedisTracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &RedisTracker{client: client, limit: limit, capacity: int64(capacity), onDrop: onDrop, log: log}
}

func (t *RedisTracker) Limit() int { return t.limit }

func (t *RedisTracker) Check(ctx context.Context, userID, tool string) (Allowance, error) {
	used, err := t.client.HGet(ctx, sessionKey(userID), tool).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Allowance{}, fmt.Errorf("fallback: read session: %w", err)
	}
	return allowance(used, t.limit), nil
}

func (t *RedisTracker) Increment(ctx context.Context, userID, tool string, at time.Time) (int, error) {
	data, err := json.Marshal(QueuedUsage{UserID: userID, Tool: tool, At: at.UTC()})
	if err != nil {
		return 0, fmt.Errorf("fallback: marshal queued usage: %w", err)
	}

	var incr *redis.IntCmd
	var length *redis.IntCmd
	_, err = t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.HIncrBy(ctx, sessionKey(userID), tool, 1)
		p.Expire(ctx, sessionKey(userID), sessionTTL)
		length = p.RPush(ctx, queueKey, data)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fallback: increment: %w", err)
	}

	t.trim(ctx, length.Val())
	return int(incr.Val()), nil
}

// trim оставляет в очереди только capacity самых новых элементов.
func (t *RedisTracker) trim(ctx context.Context, length int64) {
	over := length - t.capacity
	if over <= 0 {
		return
	}
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LTrim(ctx, queueKey, -t.capacity, -1)
		p.IncrBy(ctx, droppedKey, over)
		return nil
	})
	if err != nil {
		t.log.Errorw("Failed to trim fallback queue", "error", err)
		return
	}
	t.log.Warnw("Fallback queue overflow, dropped oldest items", "dropped", over)
	if t.onDrop != nil {
		t.onDrop(int(over))
	}
}

func (t *RedisTracker) Drain(ctx context.Context) ([]QueuedUsage, error) {
	var rng *redis.StringSliceCmd
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rng = p.LRange(ctx, queueKey, 0, -1)
		p.Del(ctx, queueKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fallback: drain queue: %w", err)
	}

	raw := rng.Val()
	items := make([]QueuedUsage, 0, len(raw))
	for _, r := range raw {
		var q QueuedUsage
		if err := json.Unmarshal([]byte(r), &q); err != nil {
			t.log.Warnw("Skipping malformed fallback queue item", "error", err)
			continue
		}
		items = append(items, q)
	}
	return items, nil
}

func (t *RedisTracker) Requeue(ctx context.Context, items []QueuedUsage) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(items))
	// LPUSH кладет каждый элемент в голову, поэтому идем с конца
	for i := len(items) - 1; i >= 0; i-- {
		data, err := json.Marshal(items[i])
		if err != nil {
			return fmt.Errorf("fallback: marshal queued usage: %w", err)
		}
		values = append(values, data)
	}

	length, err := t.client.LPush(ctx, queueKey, values...).Result()
	if err != nil {
		return fmt.Errorf("fallback: requeue: %w", err)
	}
	t.trim(ctx, length)
	return nil
}

func (t *RedisTracker) Clear(ctx context.Context, userID string) error {
	if err := t.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("fallback: clear session: %w", err)
	}
	return nil
}

func (t *RedisTracker) Usage(ctx context.Context, userID string) (map[string]int, error) {
	raw, err := t.client.HGetAll(ctx, sessionKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fallback: read session: %w", err)
	}
	out := make(map[string]int, len(raw))
	for tool, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[tool] = n
	}
	return out, nil
}

func (t *RedisTracker) QueueLen(ctx context.Context) (int, error) {
	n, err := t.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("fallback: queue length: %w", err)
	}
	return int(n), nil
}

func (t *RedisTracker) Dropped() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := t.client.Get(ctx, droppedKey).Int64()
	if err != nil {
		return 0
	}
	return n
}

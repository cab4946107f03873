package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/Dhoini/entitlement-service/pkg/res"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultLimiterKeys = 10000

// KeyedLimiter - token bucket на ключ (IP или пользователь): limit запросов
// за window. Число ключей ограничено LRU, старые ключи вытесняются.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	every    rate.Limit
	burst    int
}

func NewKeyedLimiter(limit int, window time.Duration, maxKeys int) *KeyedLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if maxKeys <= 0 {
		maxKeys = defaultLimiterKeys
	}
	cache, _ := lru.New[string, *rate.Limiter](maxKeys)
	return &KeyedLimiter{
		limiters: cache,
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(l.every, l.burst)
	l.limiters.Add(key, lim)
	return lim
}

// Allow резервирует один запрос. Если лимит исчерпан, возвращает время
// до следующего доступного запроса.
func (l *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	r := l.get(key).Reserve()
	if !r.OK() {
		return false, time.Duration(math.MaxInt64)
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// KeyFunc выбирает ключ лимита для запроса.
type KeyFunc func(c *gin.Context) string

// ByClientIP - ключ по IP клиента.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByUser - ключ по пользователю из RequireAuth, иначе по IP.
func ByUser(c *gin.Context) string {
	if id := UserID(c); id != "" {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

// RateLimit отвечает 429 с Retry-After, когда лимит ключа исчерпан.
func RateLimit(l *KeyedLimiter, key KeyFunc, name string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		ok, wait := l.Allow(k)
		if ok {
			c.Next()
			return
		}

		log.Warnw("Rate limit exceeded", "security_event", "rate_limited", "limiter", name, "key", k, "path", c.Request.URL.Path)
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		res.Error(c.Writer, "Too many requests", http.StatusTooManyRequests)
		c.Abort()
	}
}

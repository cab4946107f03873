package middleware

import (
	"time"

	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/gin-gonic/gin"
)

// RequestLogger - Gin middleware для логирования запросов.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.Request.URL.Path
		if rawQuery := c.Request.URL.RawQuery; rawQuery != "" {
			path = path + "?" + rawQuery
		}

		c.Next()

		kv := []any{
			"status_code", c.Writer.Status(),
			"method", c.Request.Method,
			"path", path,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		}
		if userID := UserID(c); userID != "" {
			kv = append(kv, "userID", userID)
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "errors", c.Errors.String())
		}

		// 5xx - ошибки сервиса, остальное - информационное
		if c.Writer.Status() >= 500 {
			log.Errorw("Request handled", kv...)
			return
		}
		log.Infow("Request handled", kv...)
	}
}

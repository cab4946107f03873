package middleware

import (
	"context"
	"net/http"

	"github.com/Dhoini/entitlement-service/internal/entitlement"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/Dhoini/entitlement-service/pkg/res"
	"github.com/gin-gonic/gin"
)

// FallbackHeader выставляется, когда решение принято в деградированном режиме.
const FallbackHeader = "X-Fallback-Mode"

// Gate - проверка доступа и учет использования.
type Gate interface {
	CheckAccess(ctx context.Context, userID, tool string) entitlement.Decision
	RecordUsage(ctx context.Context, userID, tool string) entitlement.UsageResult
}

// RequireEntitlement оборачивает обработчик инструмента: проверка доступа до
// вызова и учет использования только после ответа 2xx.
func RequireEntitlement(gate Gate, tool string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if userID == "" {
			res.Error(c.Writer, "Unauthorized", http.StatusUnauthorized)
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		decision := gate.CheckAccess(ctx, userID, tool)
		if !decision.CanUse {
			log.Infow("Tool access denied", "userID", userID, "tool", tool, "reason", decision.Reason)
			res.JsonResponse(c.Writer, decision.Denial(), http.StatusPaymentRequired)
			c.Abort()
			return
		}
		if decision.FallbackMode {
			c.Header(FallbackHeader, "true")
		}

		c.Next()

		// пустой ответ gin тоже отдает как 200, такой вызов не считается
		if status := c.Writer.Status(); !c.Writer.Written() || status < 200 || status >= 300 {
			return
		}
		result := gate.RecordUsage(context.WithoutCancel(ctx), userID, tool)
		if !result.Success {
			log.Warnw("Usage not recorded", "userID", userID, "tool", tool, "fallback", result.FallbackMode)
		}
	}
}

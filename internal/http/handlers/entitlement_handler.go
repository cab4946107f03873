package handlers

import (
	"context"
	"net/http"

	"github.com/Dhoini/entitlement-service/internal/entitlement"
	"github.com/Dhoini/entitlement-service/internal/middleware"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/Dhoini/entitlement-service/pkg/res"
	"github.com/gin-gonic/gin"
)

// Entitlements - операции с правами, которые вызывают прокси инструментов.
type Entitlements interface {
	CheckAccess(ctx context.Context, userID, tool string) entitlement.Decision
	RecordUsage(ctx context.Context, userID, tool string) entitlement.UsageResult
	GetStatus(ctx context.Context, userID string) (*entitlement.Status, error)
	ClearSession(ctx context.Context, userID string) error
}

type EntitlementHandler struct {
	service Entitlements
	log     *logger.Logger
}

func NewEntitlementHandler(service Entitlements, log *logger.Logger) *EntitlementHandler {
	return &EntitlementHandler{service: service, log: log}
}

func (h *EntitlementHandler) tool(c *gin.Context) (string, bool) {
	tool := c.Param("tool")
	if !entitlement.ValidTool(tool) {
		res.Error(c.Writer, "invalid tool name", http.StatusBadRequest)
		c.Abort()
		return "", false
	}
	return tool, true
}

// Check обрабатывает POST /entitlements/:tool/check
func (h *EntitlementHandler) Check(c *gin.Context) {
	tool, ok := h.tool(c)
	if !ok {
		return
	}
	userID := middleware.UserID(c)

	d := h.service.CheckAccess(c.Request.Context(), userID, tool)
	if d.FallbackMode {
		c.Header(middleware.FallbackHeader, "true")
	}
	if !d.CanUse {
		h.log.Infow("Tool access denied", "userID", userID, "tool", tool, "reason", d.Reason)
		res.JsonResponse(c.Writer, d.Denial(), http.StatusPaymentRequired)
		return
	}
	res.JsonResponse(c.Writer, d, http.StatusOK)
}

// RecordUsage обрабатывает POST /entitlements/:tool/usage. Прокси вызывает
// его только после успешного ответа инструмента.
func (h *EntitlementHandler) RecordUsage(c *gin.Context) {
	tool, ok := h.tool(c)
	if !ok {
		return
	}
	userID := middleware.UserID(c)

	result := h.service.RecordUsage(c.Request.Context(), userID, tool)
	if result.FallbackMode {
		c.Header(middleware.FallbackHeader, "true")
	}
	res.JsonResponse(c.Writer, result, http.StatusOK)
}

// ClearSession обрабатывает DELETE /entitlements/session (выход пользователя).
func (h *EntitlementHandler) ClearSession(c *gin.Context) {
	userID := middleware.UserID(c)
	if err := h.service.ClearSession(c.Request.Context(), userID); err != nil {
		h.log.Errorw("Failed to clear fallback session", "error", err, "userID", userID)
		res.Error(c.Writer, "failed to clear session", http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

// Status обрабатывает GET /subscription/status
func (h *EntitlementHandler) Status(c *gin.Context) {
	userID := middleware.UserID(c)
	st, err := h.service.GetStatus(c.Request.Context(), userID)
	if err != nil {
		h.log.Errorw("Failed to build subscription status", "error", err, "userID", userID)
		res.Error(c.Writer, "failed to get subscription status", http.StatusInternalServerError)
		return
	}
	res.JsonResponse(c.Writer, st, http.StatusOK)
}

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Dhoini/entitlement-service/internal/domain"
	"github.com/Dhoini/entitlement-service/internal/entitlement"
	"github.com/Dhoini/entitlement-service/internal/middleware"
	"github.com/Dhoini/entitlement-service/internal/plans"
	"github.com/Dhoini/entitlement-service/internal/services"
	"github.com/Dhoini/entitlement-service/internal/stripe"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/Dhoini/entitlement-service/pkg/req"
	"github.com/Dhoini/entitlement-service/pkg/res"
	"github.com/gin-gonic/gin"
)

// Billing - операции сверки и оплаты.
type Billing interface {
	SyncSubscriptionStatus(ctx context.Context, userID string) (*services.SyncResult, error)
	StartCheckout(ctx context.Context, userID, email string, plan plans.Plan) (*stripe.CheckoutSession, error)
}

// StatusReader - чтение статуса прав пользователя.
type StatusReader interface {
	GetStatus(ctx context.Context, userID string) (*entitlement.Status, error)
}

type SubscriptionHandler struct {
	billing Billing
	status  StatusReader
	log     *logger.Logger
}

func NewSubscriptionHandler(billing Billing, status StatusReader, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{billing: billing, status: status, log: log}
}

type CheckoutRequest struct {
	Plan string `json:"plan" validate:"required,oneof=essential professional"`
}

// SyncResponse - результат принудительной сверки.
type SyncResponse struct {
	Synced bool                 `json:"synced"`
	Result *services.SyncResult `json:"result,omitempty"`
	Status *entitlement.Status  `json:"status"`
}

// Sync обрабатывает POST /subscription/sync. Ошибка сверки не мешает
// вернуть текущий статус.
func (h *SubscriptionHandler) Sync(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	out := SyncResponse{}
	result, err := h.billing.SyncSubscriptionStatus(ctx, userID)
	if err != nil {
		h.log.Warnw("Subscription sync failed", "error", err, "userID", userID)
	} else {
		out.Synced = result.Success
		out.Result = result
	}

	st, err := h.status.GetStatus(ctx, userID)
	if err != nil {
		h.log.Errorw("Failed to build subscription status", "error", err, "userID", userID)
		res.Error(c.Writer, "failed to get subscription status", http.StatusInternalServerError)
		return
	}
	out.Status = st
	res.JsonResponse(c.Writer, out, http.StatusOK)
}

// Checkout обрабатывает POST /subscription/checkout
func (h *SubscriptionHandler) Checkout(c *gin.Context) {
	body, err := req.HandleBody[CheckoutRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	userID := middleware.UserID(c)
	session, err := h.billing.StartCheckout(c.Request.Context(), userID, middleware.UserEmail(c), plans.Plan(body.Plan))
	switch {
	case err == nil:
		res.JsonResponse(c.Writer, session, http.StatusOK)
	case errors.Is(err, domain.ErrPlanNotPurchasable):
		res.Error(c.Writer, "plan is not available for purchase", http.StatusBadRequest)
	case errors.Is(err, domain.ErrExternalServiceUnavailable):
		h.log.Errorw("Checkout failed, billing provider unavailable", "error", err, "userID", userID)
		res.Error(c.Writer, "billing provider unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Errorw("Checkout failed", "error", err, "userID", userID)
		res.Error(c.Writer, "failed to create checkout session", http.StatusInternalServerError)
	}
}

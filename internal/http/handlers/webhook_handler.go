package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/entitlement-service/internal/metrics"
	"github.com/Dhoini/entitlement-service/internal/stripe"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/Dhoini/entitlement-service/pkg/res"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v78/webhook"
)

const (
	// Ограничение на размер тела запроса вебхука (Stripe рекомендует ~65kb)
	maxRequestBodySize = int64(65536)
)

// WebhookProcessor применяет проверенное событие Stripe.
type WebhookProcessor interface {
	HandleWebhookEvent(ctx context.Context, eventType string, raw json.RawMessage) (string, error)
}

// WebhookHandler обрабатывает входящие вебхуки от Stripe.
type WebhookHandler struct {
	processor     WebhookProcessor
	metrics       metrics.EntitlementMetrics
	log           *logger.Logger
	webhookSecret string // whsec_...
}

// NewWebhookHandler создает новый экземпляр WebhookHandler.
func NewWebhookHandler(webhookSecret string, processor WebhookProcessor, m metrics.EntitlementMetrics, log *logger.Logger) (*WebhookHandler, error) {
	if webhookSecret == "" {
		log.Errorw("Stripe webhook secret is not configured")
		return nil, errors.New("stripe webhook secret is not configured")
	}
	return &WebhookHandler{
		processor:     processor,
		metrics:       m,
		log:           log,
		webhookSecret: webhookSecret,
	}, nil
}

// HandleStripeWebhook проверяет подпись и передает событие сверке. Отказ в
// проверке ничего не меняет в хранилище.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	// Тело читается один раз: подпись считается по сырым байтам.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	payload, err := io.ReadAll(c.Request.Body)
	//goland:noinspection GoUnhandledErrorResult
	defer c.Request.Body.Close()

	if err != nil {
		h.log.Warnw("Failed to read webhook request body", "security_event", "webhook_body_rejected", "error", err, "ip", c.ClientIP())
		h.observe("unknown", "rejected")
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Cannot read request body"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		h.log.Warnw("Missing Stripe-Signature header", "security_event", "webhook_signature_missing", "ip", c.ClientIP())
		h.observe("unknown", "rejected")
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Missing Stripe-Signature header"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.log.Warnw("Webhook signature verification failed", "security_event", "webhook_signature_invalid", "error", err, "ip", c.ClientIP())
		h.observe("unknown", "rejected")
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Webhook signature verification failed"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	eventType := string(event.Type)
	h.log.Infow("Received verified Stripe event", "eventID", event.ID, "eventType", eventType)

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	result, err := h.processor.HandleWebhookEvent(ctx, eventType, raw)
	switch {
	case err == nil:
	case errors.Is(err, stripe.ErrInvalidPayload):
		// повтор той же доставки не поможет
		h.log.Errorw("Webhook event payload rejected", "error", err, "eventID", event.ID, "eventType", eventType)
		result = "invalid_payload"
	default:
		// Stripe повторит доставку
		h.log.Errorw("Error processing webhook event", "error", err, "eventID", event.ID, "eventType", eventType)
		h.observe(eventType, result)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Internal server error processing webhook"}, http.StatusInternalServerError)
		c.Abort()
		return
	}

	h.observe(eventType, result)
	h.log.Infow("Webhook event acknowledged", "eventID", event.ID, "eventType", eventType, "result", result)
	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}

func (h *WebhookHandler) observe(eventType, result string) {
	if h.metrics != nil {
		h.metrics.IncWebhookEvent(eventType, result)
	}
}

package routes

import (
	"net/http"

	"github.com/Dhoini/entitlement-service/internal/http/handlers"
	"github.com/Dhoini/entitlement-service/internal/middleware"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/gin-gonic/gin"
)

// Deps - обработчики и middleware, из которых собирается роутер.
type Deps struct {
	Webhook      *handlers.WebhookHandler
	Entitlements *handlers.EntitlementHandler
	Subscription *handlers.SubscriptionHandler
	Health       *handlers.HealthHandler
	Metrics      http.Handler

	RequestLogger    gin.HandlerFunc
	Auth             *middleware.JWTMiddleware
	WebhookAllowlist gin.HandlerFunc
	WebhookLimiter   gin.HandlerFunc
	ToolLimiter      gin.HandlerFunc
}

// SetupRoutes настраивает все маршруты API для Gin роутера
func SetupRoutes(router *gin.Engine, d Deps, log *logger.Logger) {
	router.Use(d.RequestLogger)
	router.Use(gin.Recovery())

	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics))
	}

	api := router.Group("/api/v1")
	{
		// Публичные маршруты (без аутентификации)
		api.GET("/health", d.Health.Health)
		if d.Webhook != nil {
			api.POST("/webhooks/stripe", d.WebhookAllowlist, d.WebhookLimiter, d.Webhook.HandleStripeWebhook)
		}

		// Защищенные маршруты (требуют аутентификации)
		auth := api.Group("")
		auth.Use(d.Auth.RequireAuth())

		entitlements := auth.Group("/entitlements")
		{
			entitlements.POST("/:tool/check", d.ToolLimiter, d.Entitlements.Check)
			entitlements.POST("/:tool/usage", d.Entitlements.RecordUsage)
			entitlements.DELETE("/session", d.Entitlements.ClearSession)
		}

		subscription := auth.Group("/subscription")
		{
			subscription.GET("/status", d.Entitlements.Status)
			subscription.POST("/sync", d.Subscription.Sync)
			subscription.POST("/checkout", d.Subscription.Checkout)
		}
	}

	log.Infow("API routes successfully configured")
}

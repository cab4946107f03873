package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dhoini/entitlement-service/internal/config"
	"github.com/Dhoini/entitlement-service/internal/kafka"
	"github.com/Dhoini/entitlement-service/internal/middleware"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "app-test-secret"

func memoryConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.Env = "test"
	cfg.Database.Driver = "memory"
	cfg.Kafka.Driver = "kafka-go"
	cfg.Auth.JWTSecret = testSecret
	cfg.Entitlement.HealthTTL = time.Minute
	cfg.Entitlement.FallbackLimit = 3
	cfg.Entitlement.QueueCapacity = 100
	cfg.Entitlement.PlanCacheSize = 100
	cfg.Entitlement.ReplayInterval = time.Minute
	cfg.Webhook.RatePerMinute = 100
	cfg.Tools.RateLimit = 100
	cfg.Tools.RateWindow = time.Minute
	cfg.Reconcile.SweepInterval = time.Hour
	cfg.Reconcile.GraceInterval = time.Hour
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *gin.Engine) {
	t.Helper()
	a, err := NewApp(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	router, err := a.Router()
	require.NoError(t, err)
	return a, router
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.TokenClaims{
		UserEmail: userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + s
}

func do(router *gin.Engine, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestNewAppWithMemoryStore(t *testing.T) {
	a, router := newTestApp(t, memoryConfig())

	assert.IsType(t, kafka.NopProducer{}, a.Producer)

	w := do(router, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "entitlement_fallback_queue_depth")
}

func TestRouterServesTrialCheck(t *testing.T) {
	_, router := newTestApp(t, memoryConfig())

	w := do(router, http.MethodPost, "/api/v1/entitlements/ocr/check", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodPost, "/api/v1/entitlements/ocr/check", bearer(t, "user-1"))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["canUse"])
	assert.Equal(t, "free", body["planType"])
}

func TestWebhookRouteNeedsSecret(t *testing.T) {
	_, router := newTestApp(t, memoryConfig())
	w := do(router, http.MethodPost, "/api/v1/webhooks/stripe", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	cfg := memoryConfig()
	cfg.Stripe.WebhookSecret = "whsec_test"
	_, router = newTestApp(t, cfg)
	w = do(router, http.MethodPost, "/api/v1/webhooks/stripe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunBackgroundStopsOnCancel(t *testing.T) {
	a, _ := newTestApp(t, memoryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunBackground(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background loops did not stop")
	}
}

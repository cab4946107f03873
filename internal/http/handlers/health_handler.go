package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Dhoini/entitlement-service/internal/fallback"
	"github.com/Dhoini/entitlement-service/internal/health"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/Dhoini/entitlement-service/pkg/res"
	"github.com/gin-gonic/gin"
)

// StoreHealth - состояние основного хранилища.
type StoreHealth interface {
	IsHealthy(ctx context.Context) bool
	Snapshot() health.Snapshot
}

type HealthHandler struct {
	store   StoreHealth
	tracker fallback.Tracker
	log     *logger.Logger
}

func NewHealthHandler(store StoreHealth, tracker fallback.Tracker, log *logger.Logger) *HealthHandler {
	return &HealthHandler{store: store, tracker: tracker, log: log}
}

type HealthResponse struct {
	Status        string    `json:"status"`
	Database      string    `json:"database"`
	FallbackQueue int       `json:"fallbackQueue"`
	DroppedEvents int64     `json:"droppedEvents"`
	CheckedAt     time.Time `json:"checkedAt"`
	LastError     string    `json:"lastError,omitempty"`
}

// Health обрабатывает GET /health: 200 если хранилище доступно, иначе 503.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	healthy := h.store.IsHealthy(ctx)
	snap := h.store.Snapshot()

	out := HealthResponse{
		Status:        "ok",
		Database:      "up",
		DroppedEvents: h.tracker.Dropped(),
		CheckedAt:     snap.CheckedAt,
		LastError:     snap.LastError,
	}
	if n, err := h.tracker.QueueLen(ctx); err == nil {
		out.FallbackQueue = n
	} else {
		h.log.Warnw("Failed to read fallback queue length", "error", err)
	}

	status := http.StatusOK
	if !healthy {
		out.Status = "degraded"
		out.Database = "down"
		status = http.StatusServiceUnavailable
	}
	res.JsonResponse(c.Writer, out, status)
}

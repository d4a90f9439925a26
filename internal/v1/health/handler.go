// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/logging"
)

// checkTimeout bounds every dependency probe in a readiness check.
const checkTimeout = 3 * time.Second

// Pinger is the probe contract the store, bus and SFU clients satisfy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler answers the probes. Nil dependencies are skipped: a deployment
// without an SFU is still ready.
type Handler struct {
	store Pinger
	bus   Pinger
	sfu   Pinger
}

func NewHandler(store, bus, sfu Pinger) *Handler {
	return &Handler{store: store, bus: bus, sfu: sfu}
}

// RegisterRoutes mounts /health/live and /health/ready.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)
}

type livenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type readinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness reports process aliveness without touching any dependency.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, livenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only when every configured dependency answers its
// ping within the check timeout.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	checks := map[string]string{
		"store": h.check(ctx, "store", h.store),
		"bus":   h.check(ctx, "bus", h.bus),
		"sfu":   h.check(ctx, "sfu", h.sfu),
	}

	status := "ready"
	code := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, readinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) check(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "skipped"
	}
	if err := p.Ping(ctx); err != nil {
		logging.Error(ctx, "Readiness check failed", zap.String("dependency", name), zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

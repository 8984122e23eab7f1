package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/metrics"
	"github.com/dreamforge/dreamforge-backend/internal/services"
)

const readyCheckTimeout = 1 * time.Second

// Pinger is the database side of the readiness probe.
type Pinger interface {
	Ping() error
}

type HealthHandler struct {
	db      Pinger
	store   services.ObjectStore
	checks  []string
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewHealthHandler wires the probes. checks selects which dependencies
// readiness consults ("db", "s3"); an empty list means liveness only.
func NewHealthHandler(db Pinger, store services.ObjectStore, checks []string, m *metrics.Metrics, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		store:   store,
		checks:  checks,
		metrics: m,
		log:     log.With("handler", "HealthHandler"),
	}
}

// Healthz handles GET /healthz.
func (h *HealthHandler) Healthz(c *gin.Context) {
	h.metrics.HealthzHits.Inc()
	RespondOK(c, gin.H{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *HealthHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyCheckTimeout)
	defer cancel()

	failures := map[string]string{}
	for _, check := range h.checks {
		switch check {
		case "db":
			if h.db == nil {
				failures["db"] = "not configured"
			} else if err := h.db.Ping(); err != nil {
				failures["db"] = err.Error()
			}
		case "s3":
			if h.store == nil {
				failures["s3"] = "not configured"
			} else if err := h.store.HealthCheck(ctx); err != nil {
				failures["s3"] = err.Error()
			}
		}
	}

	if len(failures) > 0 {
		h.metrics.Ready.Set(0)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failures": failures})
		return
	}
	h.metrics.Ready.Set(1)
	RespondOK(c, gin.H{"status": "ready"})
}

package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/keystore/pkg/logger"
)

// checkTimeout bounds each dependency check.
const checkTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checks []HealthCheck
	log    logger.Logger
}

// NewHealthHandler creates a new HealthHandler over checks.
func NewHealthHandler(log logger.Logger, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		log:    log.WithComponent("HealthHandler"),
	}
}

// HealthCheck reports every dependency and answers 503 when one fails.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	status := "healthy"
	checks := h.performChecks(c.Request.Context())

	httpStatus := http.StatusOK
	for _, checkStatus := range checks {
		if checkStatus != "ok" {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// ReadinessCheck is HealthCheck under /ready.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	h.HealthCheck(c)
}

// LivenessCheck answers 200 while the process serves requests.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// performChecks runs every check concurrently. A failing check never cancels
// the others.
func (h *HealthHandler) performChecks(ctx context.Context) map[string]string {
	var (
		mu      sync.Mutex
		results = make(map[string]string, len(h.checks))
		g       errgroup.Group
	)
	for _, hc := range h.checks {
		hc := hc
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			status := "ok"
			if err := hc.Check(cctx); err != nil {
				status = "error: " + err.Error()
				h.log.Warn(ctx, "health check failed", logger.String("check", hc.Name), logger.Err(err))
			}
			mu.Lock()
			results[hc.Name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

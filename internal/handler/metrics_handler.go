package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/health-assessment-client/internal/service"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// MetricsHandler serves the probe and scrape endpoints.
type MetricsHandler struct {
	metrics *service.MetricsService
	checks  map[string]ReadinessCheck
	started time.Time
}

// NewMetricsHandler constructs a metrics handler. checks are evaluated by Ready.
func NewMetricsHandler(metrics *service.MetricsService, checks map[string]ReadinessCheck) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, checks: checks, started: time.Now()}
}

// Prometheus serves the scrape endpoint, or 503 when metrics are disabled.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health is the liveness probe.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready runs every check concurrently under a shared deadline and answers 503
// naming each failed dependency.
func (h *MetricsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures = gin.H{}
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check ReadinessCheck) {
			defer wg.Done()
			if err := check(ctx); err != nil {
				mu.Lock()
				failures[name] = err.Error()
				mu.Unlock()
			}
		}(name, check)
	}
	wg.Wait()

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/health-assessment-client/internal/service"
)

const unmatchedRoute = "unmatched"

// Metrics records one observation per request labelled by route template.
// Requests to any of skipRoutes, such as the scrape endpoint itself, are not recorded.
func Metrics(metricsSvc *service.MetricsService, skipRoutes ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipRoutes))
	for _, route := range skipRoutes {
		skip[route] = struct{}{}
	}

	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		if _, ok := skip[c.FullPath()]; ok {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

package metrics

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// isStream reports whether a route holds its connection open for the life
// of a job. Those are counted but kept out of the latency histogram.
func isStream(route string) bool {
	return strings.HasSuffix(route, "/events") || strings.HasPrefix(route, "/ws/")
}

// PrometheusMiddleware records request counts and latency per route
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if isStream(route) {
			m.HTTPRequestsTotal.WithLabelValues(route, c.Request.Method, statusCodeToLabel(c.Writer.Status())).Inc()
			return
		}
		m.RecordHTTPRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// PrometheusHandler serves the default registry
func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

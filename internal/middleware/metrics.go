package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casedesk/casedesk/internal/telemetry"
)

// MetricsMiddleware returns a Gin handler that records two Prometheus metrics for every
// request that passes through the router.
//
// Recorded metrics:
//   - http_requests_total{method, path, status}    (CounterVec)
//   - http_request_duration_seconds{method, path}  (HistogramVec)
//
// The path label is the matched route template from c.FullPath() (e.g.
// /api/v1/audit-logs/:id) rather than the raw URL. Unmatched requests use "<no-route>" so
// unknown paths do not inflate label cardinality.
//
// Each request is also written to the debug log with its request ID, which makes it possible
// to correlate an audit entry's requestId with the HTTP exchange that produced it.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		elapsed := time.Since(start)
		method := c.Request.Method
		status := c.Writer.Status()

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())

		slog.Debug("http request",
			"method", method,
			"path", path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", c.GetString(RequestIDKey),
		)
	}
}

// Package telemetry provides logging setup and Prometheus metrics for the casedesk backend.
//
// All metrics are registered against the default registry and served on the side-channel
// metrics server started by main.go (GET /metrics on telemetry.metrics.port, default 9090).
// The endpoint is not mounted on the Gin router.
//
// HTTP metrics are labelled with c.FullPath() (the route template such as
// /api/v1/audit-logs/:id) rather than the raw URL to keep label cardinality bounded.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
//
// Example PromQL queries:
//   - Error rate (%):        sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit write outcomes. The result label is one of AuditResultSuccess, AuditResultFailure or
// AuditResultPartial. A partial write persisted the log row but lost its change rows.
//
// Example PromQL queries:
//   - Failure ratio:  sum(rate(audit_writes_total{result!="success"}[15m])) / sum(rate(audit_writes_total[15m]))
//   - Alert:          increase(audit_writes_total{result="partial"}[1h]) > 0
const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
	AuditResultPartial = "partial"
)

// Reasons an intercepted operation produced no audit entry.
const (
	SkipNoChanges    = "no_changes"
	SkipFailedStatus = "failed_status"
	SkipNoEntityID   = "no_entity_id"
	SkipDisabled     = "disabled"
)

var (
	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_writes_total",
			Help: "Total number of audit log writes, by result.",
		},
		[]string{"result"},
	)

	AuditEntriesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_skipped_total",
			Help: "Total number of intercepted operations that produced no audit entry, by reason.",
		},
		[]string{"reason"},
	)

	AuditWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_write_duration_seconds",
			Help:    "Duration of a single audit log write including its change rows.",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuditPurgedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_purged_rows_total",
			Help: "Total number of audit logs removed by retention purges.",
		},
	)
)

// DBOpenConnections tracks open connections in the sql.DB pool, sampled by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every interval until ctx is cancelled or the
// database stops answering pings.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}

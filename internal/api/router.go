// Package api wires together all HTTP routes for the casedesk backend.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - Everything under /api/v1/ requires a bearer token. After authentication the audit context
//     is built once per request, then the route's RBAC scope check runs, then (for feature
//     routes) the audit wrapper, then the handler.
//
// Feature modules do not write audit code. They hand their handlers to RegisterEntity, which
// mounts them behind the create/update/delete/access wrappers of the audit interceptor.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/casedesk/casedesk/internal/api/admin"
	"github.com/casedesk/casedesk/internal/audit"
	"github.com/casedesk/casedesk/internal/auth"
	"github.com/casedesk/casedesk/internal/config"
	"github.com/casedesk/casedesk/internal/db/models"
	"github.com/casedesk/casedesk/internal/jobs"
	"github.com/casedesk/casedesk/internal/middleware"
	"github.com/casedesk/casedesk/internal/services"
)

// Version is reported by /version.
const Version = "0.1.0"

// Dependencies are the long-lived resources the router is built from. Redis is nil when
// distributed rate limiting is disabled.
type Dependencies struct {
	Config   *config.Config
	DB       *sqlx.DB
	Redis    redis.UniversalClient
	Tokens   *auth.TokenManager
	Audit    services.AuditStore
	Recorder *audit.Recorder
	Lookups  *audit.LookupRegistry
	Features []Feature
}

// Feature is a feature module mounted under /api/v1.
type Feature struct {
	Path       string
	EntityType string
	Routes     EntityRoutes
}

// EntityRoutes are the handlers of one feature module. Nil handlers are not mounted. Create,
// Update and Delete are audited automatically; Access routes record a single field.
type EntityRoutes struct {
	List   gin.HandlerFunc
	Get    gin.HandlerFunc
	Create gin.HandlerFunc
	Update gin.HandlerFunc
	Delete gin.HandlerFunc
	Access []AccessRoute
	// Scopes, when set, are required (any of) on every route of the module.
	Scopes []auth.Scope
}

// AccessRoute is a read-style route whose use is audited, such as a download.
type AccessRoute struct {
	Method  string
	Path    string
	Action  models.Action
	Field   string
	Handler gin.HandlerFunc
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	retentionJob *jobs.AuditRetentionJob
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.retentionJob != nil {
		bg.retentionJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router and starts the retention job.
func NewRouter(deps Dependencies) (*gin.Engine, *BackgroundServices, error) {
	cfg := deps.Config
	if deps.DB == nil || deps.Tokens == nil || deps.Audit == nil || deps.Recorder == nil {
		return nil, nil, fmt.Errorf("router requires a database, token manager, audit store and recorder")
	}
	router := gin.New()
	bg := &BackgroundServices{}

	retentionJob, err := jobs.NewAuditRetentionJob(deps.Audit, cfg.Audit.Retention)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create audit retention job: %w", err)
	}
	bg.retentionJob = retentionJob
	go retentionJob.Start(context.Background())

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Redis))
	router.GET("/version", versionHandler())

	queries := services.NewAuditQueryService(deps.Audit, cfg.Audit)
	auditHandlers := admin.NewAuditHandlers(queries, deps.Recorder)
	interceptor := middleware.NewAuditInterceptor(deps.Recorder, deps.Lookups, cfg.Audit)

	exportLimits := middleware.ExportRateLimitConfig(cfg.Audit.ExportRatePerMinute)
	var exportLimiter middleware.Limiter
	if deps.Redis != nil {
		exportLimiter = middleware.NewRedisLimiter(deps.Redis, "casedesk:ratelimit:export:", exportLimits)
	} else {
		rl := middleware.NewRateLimiter(exportLimits)
		bg.rateLimiters = append(bg.rateLimiters, rl)
		exportLimiter = rl
	}

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(deps.Tokens))
	apiV1.Use(middleware.AuditContextMiddleware())
	{
		auditGroup := apiV1.Group("/audit-logs")
		{
			// Listing is scoped per caller by the query service.
			auditGroup.GET("", auditHandlers.ListLogsHandler())
			auditGroup.GET("/statistics", middleware.RequireScope(auth.ScopeAuditViewAll), auditHandlers.GetStatisticsHandler())
			auditGroup.GET("/export",
				middleware.RequireScope(auth.ScopeAuditExport),
				middleware.RateLimitMiddleware(exportLimiter),
				auditHandlers.ExportLogsHandler())
			auditGroup.GET("/entity/:entityType/:entityId",
				middleware.RequireAnyScope(auth.ScopeAuditViewOwn, auth.ScopeAuditViewTeam, auth.ScopeAuditViewAll),
				auditHandlers.GetEntityHistoryHandler())
			auditGroup.POST("/manual", auditHandlers.RecordManualEntryHandler())
			auditGroup.DELETE("/retention", middleware.RequireScope(auth.ScopeAuditAdmin), auditHandlers.PurgeHandler())
			auditGroup.GET("/:id", auditHandlers.GetLogHandler())
		}

		for _, f := range deps.Features {
			RegisterEntity(apiV1, interceptor, f.Path, f.EntityType, f.Routes)
		}
	}

	return router, bg, nil
}

// RegisterEntity mounts a feature module at path. Mutating routes run behind the interceptor's
// create/update/delete wrapper; the item routes use the :id parameter.
func RegisterEntity(group *gin.RouterGroup, interceptor *middleware.AuditInterceptor, path, entityType string, routes EntityRoutes) {
	g := group.Group(path)
	if len(routes.Scopes) > 0 {
		g.Use(middleware.RequireAnyScope(routes.Scopes...))
	}

	if routes.List != nil {
		g.GET("", routes.List)
	}
	if routes.Get != nil {
		g.GET("/:id", routes.Get)
	}
	if routes.Create != nil {
		g.POST("", interceptor.Create(entityType), routes.Create)
	}
	if routes.Update != nil {
		g.PUT("/:id", interceptor.Update(entityType), routes.Update)
		g.PATCH("/:id", interceptor.Update(entityType), routes.Update)
	}
	if routes.Delete != nil {
		g.DELETE("/:id", interceptor.Delete(entityType), routes.Delete)
	}
	for _, a := range routes.Access {
		g.Handle(a.Method, a.Path, interceptor.Access(a.Action, entityType, a.Field), a.Handler)
	}
}

// @Summary      Health check
// @Description  Returns the health status of the service. Checks database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and, when configured, Redis.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service. A Redis outage fails
// readiness even though export rate limiting itself fails open.
func readinessHandler(db *sqlx.DB, rdb redis.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the current API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logRequest(c, time.Since(start), path, query)
	}
}

// logRequest writes one slog record per request. The output format (json or text) is decided
// by the handler installed in telemetry.SetupLogger.
func logRequest(c *gin.Context, latency time.Duration, path, query string) {
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", c.GetString(middleware.RequestIDKey)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Session-ID")
			c.Header("Access-Control-Expose-Headers", "Content-Disposition, X-Content-SHA256, X-Export-Truncated, X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// audit.go implements the audit log API: scoped listing, single-log and entity-history reads,
// statistics, export, manual entries and retention purges.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casedesk/casedesk/internal/audit"
	"github.com/casedesk/casedesk/internal/db/models"
	"github.com/casedesk/casedesk/internal/db/repositories"
	"github.com/casedesk/casedesk/internal/middleware"
	"github.com/casedesk/casedesk/internal/services"
)

// ExportTruncatedHeader is "true" on exports that reached the configured row cap.
const ExportTruncatedHeader = "X-Export-Truncated"

// AuditRecorder writes manual entries and the export access entries of this API.
type AuditRecorder interface {
	RecordManualEntry(ctx context.Context, actx audit.Context, m audit.ManualEntry) (*models.AuditLog, error)
	RecordAsync(actx audit.Context, entry audit.Entry)
}

// AuditHandlers handles audit log API requests
type AuditHandlers struct {
	queries  *services.AuditQueryService
	recorder AuditRecorder
}

// NewAuditHandlers creates audit handlers
func NewAuditHandlers(queries *services.AuditQueryService, recorder AuditRecorder) *AuditHandlers {
	return &AuditHandlers{queries: queries, recorder: recorder}
}

// @Summary      List audit logs
// @Description  Lists audit logs visible to the caller. Callers without view_all or view_team only see their own entries.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        page            query  int     false  "Page number (default 1)"
// @Param        limit           query  int     false  "Items per page (clamped to audit.max_page_size)"
// @Param        sortBy          query  string  false  "createdAt, action, entityType, entityName, userEmail or module"
// @Param        sortOrder       query  string  false  "asc or desc (default desc)"
// @Param        action          query  string  false  "Comma-separated actions"
// @Param        module          query  string  false  "Comma-separated modules"
// @Param        entityType      query  string  false  "Comma-separated entity types"
// @Param        includeChanges  query  bool    false  "Include field changes"
// @Success      200  {object}  services.PaginatedLogs
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/audit-logs [get]
// ListLogsHandler lists audit logs
// GET /api/v1/audit-logs
func (h *AuditHandlers) ListLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filters, err := parseAuditFilters(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sort, err := parseAuditSort(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(c.Query("limit"))

		res, err := h.queries.QueryLogs(c.Request.Context(), filters, services.Pagination{Page: page, Limit: limit},
			sort, queryBool(c, "includeChanges"), callerFrom(c))
		if err != nil {
			respondAuditError(c, err, "Failed to list audit logs")
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary      Get audit log
// @Description  Returns one audit log with its field changes. Sensitive values are redacted.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Audit log ID"
// @Success      200  {object}  models.AuditLog
// @Failure      403  {object}  map[string]interface{}  "Outside caller scope"
// @Failure      404  {object}  map[string]interface{}  "Audit log not found"
// @Router       /api/v1/audit-logs/{id} [get]
// GetLogHandler returns one audit log
// GET /api/v1/audit-logs/:id
func (h *AuditHandlers) GetLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		log, err := h.queries.GetLog(c.Request.Context(), c.Param("id"), callerFrom(c))
		if err != nil {
			respondAuditError(c, err, "Failed to retrieve audit log")
			return
		}
		c.JSON(http.StatusOK, log)
	}
}

// @Summary      Entity history
// @Description  Returns the audit trail of one entity, oldest first, with summary statistics.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        entityType      path   string  true   "Entity type"
// @Param        entityId        path   string  true   "Entity ID"
// @Param        includeChanges  query  bool    false  "Include field changes (default true)"
// @Success      200  {object}  services.EntityHistory
// @Failure      403  {object}  map[string]interface{}  "No view capability"
// @Router       /api/v1/audit-logs/entity/{entityType}/{entityId} [get]
// GetEntityHistoryHandler returns the history of one entity
// GET /api/v1/audit-logs/entity/:entityType/:entityId
func (h *AuditHandlers) GetEntityHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		includeChanges := true
		if v := c.Query("includeChanges"); v != "" {
			includeChanges = queryBool(c, "includeChanges")
		}
		history, err := h.queries.GetHistory(c.Request.Context(), c.Param("entityType"), c.Param("entityId"),
			includeChanges, callerFrom(c))
		if err != nil {
			respondAuditError(c, err, "Failed to retrieve entity history")
			return
		}
		c.JSON(http.StatusOK, history)
	}
}

// @Summary      Audit statistics
// @Description  Aggregates audit activity over the last N days. Requires audit:view_all.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        days  query  int  false  "Window in days (default 30, max 365)"
// @Success      200  {object}  models.AuditStatistics
// @Failure      403  {object}  map[string]interface{}  "Insufficient permissions"
// @Router       /api/v1/audit-logs/statistics [get]
// GetStatisticsHandler returns aggregate audit statistics
// GET /api/v1/audit-logs/statistics
func (h *AuditHandlers) GetStatisticsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days, _ := strconv.Atoi(c.Query("days"))
		stats, err := h.queries.Statistics(c.Request.Context(), days, callerFrom(c))
		if err != nil {
			respondAuditError(c, err, "Failed to compute audit statistics")
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// @Summary      Export audit logs
// @Description  Downloads every log matching the filters as json, csv or xlsx. Requires audit:export.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Produce      text/csv
// @Produce      application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param        format          query  string  false  "json (default), csv or xlsx"
// @Param        includeChanges  query  bool    false  "Include field changes"
// @Success      200  {file}    file
// @Failure      400  {object}  map[string]interface{}  "Invalid filter or format"
// @Failure      403  {object}  map[string]interface{}  "Insufficient permissions"
// @Failure      429  {object}  map[string]interface{}  "Rate limit exceeded"
// @Router       /api/v1/audit-logs/export [get]
// ExportLogsHandler renders a filtered export
// GET /api/v1/audit-logs/export
func (h *AuditHandlers) ExportLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		format, err := services.ParseExportFormat(c.Query("format"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filters, err := parseAuditFilters(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		exp, err := h.queries.ExportLogs(c.Request.Context(), filters, format, queryBool(c, "includeChanges"), callerFrom(c))
		if err != nil {
			respondAuditError(c, err, "Failed to export audit logs")
			return
		}

		if h.recorder != nil {
			h.recorder.RecordAsync(middleware.AuditContextFrom(c), audit.Entry{
				Action:     models.ActionExport,
				EntityType: "AuditLog",
				EntityID:   "export",
				EntityName: exp.FileName,
				OperationContext: map[string]interface{}{
					"format":    string(format),
					"rows":      exp.Rows,
					"sha256":    exp.SHA256,
					"truncated": exp.Truncated,
				},
				Success: true,
			})
		}

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.FileName))
		c.Header("X-Content-SHA256", exp.SHA256)
		c.Header(ExportTruncatedHeader, strconv.FormatBool(exp.Truncated))
		c.Data(http.StatusOK, exp.ContentType, exp.Data)
	}
}

// @Summary      Record manual audit entry
// @Description  Records an operation that is not covered by the automatic create/update/delete wrappers, such as a download or report view.
// @Tags         Audit
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  audit.ManualEntry  true  "Entry"
// @Success      201  {object}  models.AuditLog
// @Failure      400  {object}  map[string]interface{}  "Missing field or unknown action"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/audit-logs/manual [post]
// RecordManualEntryHandler records a manual audit entry
// POST /api/v1/audit-logs/manual
func (h *AuditHandlers) RecordManualEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req audit.ManualEntry
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		log, err := h.recorder.RecordManualEntry(c.Request.Context(), middleware.AuditContextFrom(c), req)
		if errors.Is(err, audit.ErrPartialWrite) && log != nil {
			// The log row exists; the recorder already reported the missing changes.
			c.JSON(http.StatusCreated, log)
			return
		}
		if err != nil {
			if errors.Is(err, audit.ErrInvalidEntry) || errors.Is(err, audit.ErrInvalidAction) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			slog.Error("manual audit entry failed", "error", err, "request_id", c.GetString(middleware.RequestIDKey))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to record audit entry",
			})
			return
		}
		c.JSON(http.StatusCreated, log)
	}
}

// @Summary      Purge old audit logs
// @Description  Deletes audit logs older than daysToKeep days. Requires audit:admin. daysToKeep must lie within the configured retention bounds.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        daysToKeep  query  int  true  "Days of history to keep"
// @Success      200  {object}  services.PurgeResult
// @Failure      400  {object}  map[string]interface{}  "daysToKeep missing or out of bounds"
// @Failure      403  {object}  map[string]interface{}  "Insufficient permissions"
// @Router       /api/v1/audit-logs/retention [delete]
// PurgeHandler applies retention
// DELETE /api/v1/audit-logs/retention?daysToKeep=N
func (h *AuditHandlers) PurgeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days, err := strconv.Atoi(c.Query("daysToKeep"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "daysToKeep must be an integer",
			})
			return
		}
		res, err := h.queries.PurgeOlderThan(c.Request.Context(), days, callerFrom(c))
		if err != nil {
			respondAuditError(c, err, "Failed to purge audit logs")
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// respondAuditError maps service errors to status codes. Unexpected errors are logged and
// reported with msg.
func respondAuditError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
	case errors.Is(err, services.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
	case errors.Is(err, services.ErrRetentionOutOfBounds), errors.Is(err, services.ErrUnsupportedFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error(msg, "error", err, "request_id", c.GetString(middleware.RequestIDKey))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func callerFrom(c *gin.Context) services.Caller {
	caller := services.Caller{
		ID:    c.GetString(middleware.UserIDKey),
		Email: c.GetString(middleware.UserEmailKey),
	}
	if v, ok := c.Get(middleware.ScopesKey); ok {
		caller.Scopes, _ = v.([]string)
	}
	return caller
}

// parseAuditFilters reads filters from the query string. List filters accept comma-separated
// values or repeated parameters; dates accept RFC 3339 or YYYY-MM-DD.
func parseAuditFilters(c *gin.Context) (repositories.AuditFilters, error) {
	var f repositories.AuditFilters

	f.UserID = queryString(c, "userId")
	f.UserEmail = queryString(c, "userEmail")
	f.EntityID = queryString(c, "entityId")
	f.IPAddress = queryString(c, "ipAddress")
	f.SessionID = queryString(c, "sessionId")
	f.Search = queryString(c, "search")
	f.Modules = queryList(c, "module")
	f.EntityTypes = queryList(c, "entityType")

	for _, a := range queryList(c, "action") {
		action, err := models.ParseAction(a)
		if err != nil {
			return f, err
		}
		f.Actions = append(f.Actions, action)
	}

	if v := c.Query("operationSuccess"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid operationSuccess %q", v)
		}
		f.OperationSuccess = &b
	}

	var err error
	if f.StartDate, err = queryDate(c, "startDate", false); err != nil {
		return f, err
	}
	if f.EndDate, err = queryDate(c, "endDate", true); err != nil {
		return f, err
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return f, errors.New("endDate must not be before startDate")
	}
	return f, nil
}

func parseAuditSort(c *gin.Context) (repositories.AuditSort, error) {
	sort := repositories.DefaultSort
	if field := c.Query("sortBy"); field != "" {
		if !repositories.ValidSortField(field) {
			return sort, fmt.Errorf("invalid sortBy %q", field)
		}
		sort.Field = field
	}
	switch strings.ToLower(c.Query("sortOrder")) {
	case "":
	case "asc":
		sort.Desc = false
	case "desc":
		sort.Desc = true
	default:
		return sort, fmt.Errorf("invalid sortOrder %q", c.Query("sortOrder"))
	}
	return sort, nil
}

func queryString(c *gin.Context, key string) *string {
	if v := strings.TrimSpace(c.Query(key)); v != "" {
		return &v
	}
	return nil
}

func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, raw := range c.QueryArray(key) {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}

// queryDate parses a date filter. A bare end date covers the whole day.
func queryDate(c *gin.Context, key string, endOfDay bool) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

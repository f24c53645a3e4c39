// audit.go provides the request audit context and the per-route wrappers that turn successful
// create, update, delete and access requests into audit entries. Wrapped handlers know nothing
// about auditing: the wrapper observes the request payload and the response body, and writes
// the entry after the handler has responded.
package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casedesk/casedesk/internal/audit"
	"github.com/casedesk/casedesk/internal/config"
	"github.com/casedesk/casedesk/internal/db/models"
	"github.com/casedesk/casedesk/internal/telemetry"
)

const (
	// AuditContextKey is the gin.Context key holding the request's audit.Context.
	AuditContextKey = "audit_context"

	// SessionIDHeader carries the client session identifier recorded on audit entries.
	SessionIDHeader = "X-Session-ID"

	// maxCapturedBody bounds how much of a response body is kept for entity extraction.
	maxCapturedBody = 1 << 20

	// defaultLookupTimeout bounds the prior-state read when none is configured.
	defaultLookupTimeout = 2 * time.Second
)

// AuditContextMiddleware builds the audit context once per request from the caller identity set
// by AuthMiddleware and the request attributes. Requests without an identity are attributed to
// the system actor.
func AuditContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(AuditContextKey, buildAuditContext(c))
		c.Next()
	}
}

// AuditContextFrom returns the request's audit context, building it when AuditContextMiddleware
// did not run.
func AuditContextFrom(c *gin.Context) audit.Context {
	if v, ok := c.Get(AuditContextKey); ok {
		if actx, ok := v.(audit.Context); ok {
			return actx
		}
	}
	return buildAuditContext(c)
}

func buildAuditContext(c *gin.Context) audit.Context {
	var identity *audit.Identity
	if email := c.GetString(UserEmailKey); email != "" {
		identity = &audit.Identity{
			UserID: c.GetString(UserIDKey),
			Email:  email,
			Name:   c.GetString(UserNameKey),
			Role:   c.GetString(UserRoleKey),
		}
	}
	return audit.NewContext(audit.RequestInfo{
		Path:         c.Request.URL.Path,
		Method:       c.Request.Method,
		RemoteIP:     c.RemoteIP(),
		ForwardedFor: c.GetHeader("X-Forwarded-For"),
		RealIP:       c.GetHeader("X-Real-IP"),
		UserAgent:    c.Request.UserAgent(),
		SessionID:    c.GetHeader(SessionIDHeader),
		RequestID:    c.GetString(RequestIDKey),
	}, identity)
}

// AuditWriter dispatches an audit entry without blocking the caller.
type AuditWriter interface {
	RecordAsync(actx audit.Context, entry audit.Entry)
}

// AuditInterceptor produces the create/update/delete/access wrappers for feature routes.
type AuditInterceptor struct {
	writer            AuditWriter
	lookups           *audit.LookupRegistry
	enabled           bool
	logFailedRequests bool
	lookupTimeout     time.Duration
	idParam           string
}

// NewAuditInterceptor creates an interceptor. lookups may be nil, in which case every update and
// delete degrades to create-shaped diffing.
func NewAuditInterceptor(writer AuditWriter, lookups *audit.LookupRegistry, cfg config.AuditConfig) *AuditInterceptor {
	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = defaultLookupTimeout
	}
	return &AuditInterceptor{
		writer:            writer,
		lookups:           lookups,
		enabled:           cfg.Enabled && writer != nil,
		logFailedRequests: cfg.LogFailedRequests,
		lookupTimeout:     lookupTimeout,
		idParam:           "id",
	}
}

// Create wraps a handler that creates an entity. The created entity's id and label are read from
// the response; the request payload is diffed as all-added.
func (a *AuditInterceptor) Create(entityType string) gin.HandlerFunc {
	return a.wrap(models.ActionCreate, entityType, false)
}

// Update wraps a handler that modifies an entity. Prior state is fetched before the handler runs;
// an update that changes no field writes nothing.
func (a *AuditInterceptor) Update(entityType string) gin.HandlerFunc {
	return a.wrap(models.ActionUpdate, entityType, true)
}

// Delete wraps a handler that removes an entity. The entry is keyed on the prior state, since the
// entity no longer exists when the entry is written.
func (a *AuditInterceptor) Delete(entityType string) gin.HandlerFunc {
	return a.wrap(models.ActionDelete, entityType, true)
}

// Access wraps a read-style handler (view, download, report) and records a single field such as
// fileName or reportType. The field value is taken from the route parameter, then the query
// string, then the response body. Every successful response is recorded: when neither the body
// nor the route carries an id, the entry is keyed on the field value, then on the request path.
func (a *AuditInterceptor) Access(action models.Action, entityType, field string) gin.HandlerFunc {
	if !a.enabled {
		return disabled
	}
	return func(c *gin.Context) {
		entityType := resolveEntityType(entityType, c)
		rw := captureResponse(c)
		c.Next()

		if !isSuccess(rw.Status()) {
			a.recordFailure(c, action, entityType, rw)
			return
		}

		value := accessValue(c, field, rw.body.Bytes())

		ref, _ := audit.EntityFromResponse(rw.body.Bytes())
		if ref.ID == "" {
			ref.ID = c.Param(a.idParam)
		}
		if ref.ID == "" && value != nil {
			ref.ID = fmt.Sprint(value)
		}
		if ref.ID == "" {
			ref.ID = c.Request.URL.Path
		}

		var changes []audit.FieldChange
		if field != "" && value != nil {
			changes = audit.ForCreate(audit.Record{field: value})
		}

		a.writer.RecordAsync(AuditContextFrom(c), audit.Entry{
			Action:     action,
			EntityType: entityType,
			EntityID:   ref.ID,
			EntityName: ref.Name,
			Changes:    changes,
			Success:    true,
		})
	}
}

func (a *AuditInterceptor) wrap(action models.Action, entityType string, needsPrior bool) gin.HandlerFunc {
	if !a.enabled {
		return disabled
	}
	return func(c *gin.Context) {
		entityType := resolveEntityType(entityType, c)
		payload := readRequestBody(c)

		var prior audit.Record
		if needsPrior {
			prior = a.priorState(c, entityType)
		}

		rw := captureResponse(c)
		c.Next()

		if !isSuccess(rw.Status()) {
			a.recordFailure(c, action, entityType, rw)
			return
		}

		entry := audit.Entry{Action: action, EntityType: entityType, Success: true}
		candidate := audit.ParseRecord(payload)

		switch {
		case action == models.ActionUpdate && prior != nil:
			entry.Changes = audit.ForUpdate(prior, candidate)
		case action == models.ActionDelete && prior != nil:
			entry.Changes = audit.ForDelete(prior)
		default:
			entry.Changes = audit.ForCreate(candidate)
		}

		if action == models.ActionUpdate && len(entry.Changes) == 0 {
			a.skip(telemetry.SkipNoChanges, action, entityType)
			return
		}

		ref, ok := a.entityRef(c, action, rw.body.Bytes(), prior)
		if !ok {
			a.skip(telemetry.SkipNoEntityID, action, entityType)
			return
		}
		entry.EntityID = ref.ID
		entry.EntityName = ref.Name

		a.writer.RecordAsync(AuditContextFrom(c), entry)
	}
}

// entityRef resolves the affected entity. Deletes prefer the prior state; creates and updates
// prefer the response body. The route parameter is the last resort.
func (a *AuditInterceptor) entityRef(c *gin.Context, action models.Action, body []byte, prior audit.Record) (audit.EntityRef, bool) {
	if action == models.ActionDelete && prior != nil {
		if ref, ok := audit.EntityFromRecord(prior); ok {
			return ref, true
		}
	}
	if ref, ok := audit.EntityFromResponse(body); ok {
		return ref, true
	}
	if prior != nil {
		if ref, ok := audit.EntityFromRecord(prior); ok {
			return ref, true
		}
	}
	if id := c.Param(a.idParam); id != "" {
		return audit.EntityRef{ID: id, Name: "ID: " + id}, true
	}
	return audit.EntityRef{}, false
}

// priorState fetches the entity's current state within lookupTimeout. Any failure, including a
// timeout, is treated as unavailable.
func (a *AuditInterceptor) priorState(c *gin.Context, entityType string) audit.Record {
	id := c.Param(a.idParam)
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.lookupTimeout)
	defer cancel()
	rec, err := a.lookups.PriorState(ctx, entityType, id)
	if err != nil {
		if !errors.Is(err, audit.ErrLookupUnavailable) {
			slog.Warn("prior state lookup failed, diffing without it",
				"entity_type", entityType, "entity_id", id, "error", err)
		}
		return nil
	}
	return rec
}

// recordFailure writes a change-less failure entry when failed requests are audited.
func (a *AuditInterceptor) recordFailure(c *gin.Context, action models.Action, entityType string, rw *auditResponseWriter) {
	if !a.logFailedRequests {
		a.skip(telemetry.SkipFailedStatus, action, entityType)
		return
	}
	entityID := c.Param(a.idParam)
	if entityID == "" {
		entityID = audit.UnknownValue
	}
	msg := audit.ErrorFromResponse(rw.body.Bytes())
	if msg == "" {
		msg = http.StatusText(rw.Status())
	}
	a.writer.RecordAsync(AuditContextFrom(c), audit.Entry{
		Action:           action,
		EntityType:       entityType,
		EntityID:         entityID,
		Success:          false,
		ErrorMessage:     msg,
		OperationContext: map[string]interface{}{"statusCode": rw.Status()},
	})
}

func (a *AuditInterceptor) skip(reason string, action models.Action, entityType string) {
	telemetry.AuditEntriesSkippedTotal.WithLabelValues(reason).Inc()
	slog.Debug("audit entry skipped", "reason", reason, "action", action, "entity_type", entityType)
}

// disabled is the wrapper installed when auditing is off.
func disabled(c *gin.Context) {
	telemetry.AuditEntriesSkippedTotal.WithLabelValues(telemetry.SkipDisabled).Inc()
	c.Next()
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

// resolveEntityType falls back to the route table when no explicit type was given.
func resolveEntityType(entityType string, c *gin.Context) string {
	if entityType != "" {
		return entityType
	}
	if t := audit.EntityTypeForPath(c.Request.URL.Path); t != "" {
		return t
	}
	return audit.UnknownValue
}

// readRequestBody reads the body and restores it for the wrapped handler.
func readRequestBody(c *gin.Context) []byte {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil
	}
	body, err := io.ReadAll(c.Request.Body)
	_ = c.Request.Body.Close()
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		slog.Warn("failed to read request body for audit", "path", c.Request.URL.Path, "error", err)
		return nil
	}
	return body
}

func accessValue(c *gin.Context, field string, body []byte) interface{} {
	if field == "" {
		return nil
	}
	if v := c.Param(field); v != "" {
		return v
	}
	if v := c.Query(field); v != "" {
		return v
	}
	rec := audit.ParseRecord(body)
	if data, ok := rec["data"].(map[string]interface{}); ok {
		rec = audit.Record(data)
	}
	if v, ok := rec[field]; ok && v != nil {
		return v
	}
	return nil
}

// auditResponseWriter tees the response body into a bounded buffer.
type auditResponseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func captureResponse(c *gin.Context) *auditResponseWriter {
	rw := &auditResponseWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
	c.Writer = rw
	return rw
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	w.capture(b)
	return w.ResponseWriter.Write(b)
}

func (w *auditResponseWriter) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *auditResponseWriter) capture(b []byte) {
	if room := maxCapturedBody - w.body.Len(); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		w.body.Write(b)
	}
}

package audit

import (
	"regexp"
	"strings"
)

// System identity used when a request carries no resolved caller.
const (
	SystemUserEmail = "system@casedesk.local"
	SystemUserName  = "system"
	SystemUserRole  = "system"
	UnknownValue    = "unknown"
)

// Identity is the resolved caller of a request.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Role   string
}

// SystemIdentity is the actor recorded for system-initiated actions. It has no user ID.
func SystemIdentity() Identity {
	return Identity{Email: SystemUserEmail, Name: SystemUserName, Role: SystemUserRole}
}

// Context is the request-scoped audit context built once per inbound request. Its actor fields
// are copied into every AuditLog written for the request.
type Context struct {
	UserID        *string
	UserEmail     string
	UserName      string
	UserRole      string
	Module        string
	IPAddress     string
	UserAgent     string
	SessionID     string
	RequestID     string
	RequestPath   string
	RequestMethod string
}

// RequestInfo carries the raw request attributes NewContext needs. It keeps the extractor free of
// any HTTP framework type.
type RequestInfo struct {
	Path         string
	Method       string
	RemoteIP     string
	ForwardedFor string
	RealIP       string
	UserAgent    string
	SessionID    string
	RequestID    string
}

// NewContext derives the audit context from request attributes and an optional identity.
// It is synchronous and side-effect free.
func NewContext(req RequestInfo, identity *Identity) Context {
	id := SystemIdentity()
	if identity != nil && identity.Email != "" {
		id = *identity
	}

	ctx := Context{
		UserEmail:     id.Email,
		UserName:      id.Name,
		UserRole:      id.Role,
		Module:        ResolveModule(req.Path),
		IPAddress:     ResolveClientIP(req.RemoteIP, req.ForwardedFor, req.RealIP),
		UserAgent:     req.UserAgent,
		SessionID:     req.SessionID,
		RequestID:     req.RequestID,
		RequestPath:   req.Path,
		RequestMethod: req.Method,
	}
	if id.UserID != "" {
		uid := id.UserID
		ctx.UserID = &uid
	}
	return ctx
}

// moduleRoutes maps known route prefixes to the module recorded on audit entries.
var moduleRoutes = map[string]string{
	"/api/v1/cases":            "cases",
	"/api/v1/cases/statuses":   "case-settings",
	"/api/v1/cases/priorities": "case-settings",
	"/api/v1/todos":            "todos",
	"/api/v1/users":            "users",
	"/api/v1/roles":            "roles",
	"/api/v1/permissions":      "roles",
	"/api/v1/time-entries":     "time-tracking",
	"/api/v1/timers":           "time-tracking",
	"/api/v1/documents":        "documents",
	"/api/v1/reports":          "reports",
	"/api/v1/audit-logs":       "audit",
	"/api/v1/admin/audit-logs": "audit",
	"/api/v1/settings":         "settings",
	"/api/v1/contacts":         "contacts",
	"/api/v1/notifications":    "notifications",
}

// entityRoutes maps known route prefixes to the logical entity type of the resource they serve.
var entityRoutes = map[string]string{
	"/api/v1/cases":            "case",
	"/api/v1/cases/statuses":   "case_status",
	"/api/v1/cases/priorities": "case_priority",
	"/api/v1/todos":            "todo",
	"/api/v1/users":            "user",
	"/api/v1/roles":            "role",
	"/api/v1/permissions":      "permission",
	"/api/v1/time-entries":     "time_entry",
	"/api/v1/timers":           "timer",
	"/api/v1/documents":        "document",
	"/api/v1/contacts":         "contact",
	"/api/v1/settings":         "setting",
}

var versionSegment = regexp.MustCompile(`^v\d+$`)

// ResolveModule returns the module for a request path. The longest known route prefix wins;
// otherwise the first segment after the /api[/vN] prefix is used, then "unknown".
func ResolveModule(path string) string {
	if m, ok := longestPrefixMatch(moduleRoutes, path); ok {
		return m
	}
	segments := splitPath(path)
	if len(segments) > 0 && segments[0] == "api" {
		segments = segments[1:]
		if len(segments) > 0 && versionSegment.MatchString(segments[0]) {
			segments = segments[1:]
		}
	} else if len(segments) > 0 {
		segments = segments[1:]
	}
	if len(segments) > 0 {
		return segments[0]
	}
	return UnknownValue
}

// EntityTypeForPath returns the entity type served under path, or "" when the route is unmapped.
func EntityTypeForPath(path string) string {
	t, _ := longestPrefixMatch(entityRoutes, path)
	return t
}

// ResolveClientIP prefers the direct connection address, then the first X-Forwarded-For entry,
// then X-Real-IP.
func ResolveClientIP(remoteIP, forwardedFor, realIP string) string {
	if ip := strings.TrimSpace(remoteIP); ip != "" {
		return ip
	}
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
		if first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(realIP); ip != "" {
		return ip
	}
	return UnknownValue
}

// longestPrefixMatch matches whole path segments, so /api/v1/cases does not match /api/v1/casesx.
func longestPrefixMatch(table map[string]string, path string) (string, bool) {
	best := ""
	for prefix := range table {
		if path != prefix && !strings.HasPrefix(path, prefix+"/") {
			continue
		}
		if len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return "", false
	}
	return table[best], true
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

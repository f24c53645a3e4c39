// Package middleware provides Gin HTTP middleware for authentication, authorization,
// rate limiting, security headers, request metrics and audit capture.
//
// Middleware ordering matters and is enforced in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Security → Auth → AuditContext → RBAC → audit wrapper → Handler
//
// Auth populates the caller identity and scopes; AuditContext snapshots that identity together
// with request attributes; the audit wrappers read the snapshot after the handler has responded.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/casedesk/casedesk/internal/auth"
)

// Context keys set by AuthMiddleware.
const (
	UserIDKey     = "user_id"
	UserEmailKey  = "user_email"
	UserNameKey   = "user_name"
	UserRoleKey   = "user_role"
	ScopesKey     = "scopes"
	AuthMethodKey = "auth_method"
)

// AuthMiddleware validates the bearer JWT and stores the caller identity in the context.
func AuthMiddleware(tokens *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		setIdentity(c, claims)
		c.Next()
	}
}

// OptionalAuthMiddleware sets the caller identity when a valid token is present and otherwise
// lets the request through anonymously.
func OptionalAuthMiddleware(tokens *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if msg == "" {
			if claims, err := tokens.Validate(token); err == nil {
				setIdentity(c, claims)
			}
		}
		c.Next()
	}
}

// bearerToken extracts the token from the Authorization header. A non-empty second result is the
// client-facing reason the header was rejected.
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", "Missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "Authorization header must start with 'Bearer '"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "Authorization token is empty"
	}
	return token, ""
}

func setIdentity(c *gin.Context, claims *auth.Claims) {
	scopes := claims.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	c.Set(UserIDKey, claims.UserID)
	c.Set(UserEmailKey, claims.Email)
	c.Set(UserNameKey, claims.Name)
	c.Set(UserRoleKey, claims.Role)
	c.Set(ScopesKey, scopes)
	c.Set(AuthMethodKey, "jwt")
}

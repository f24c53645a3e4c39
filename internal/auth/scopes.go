// Package auth - scopes.go defines the audit permission scopes and the HasScope, HasAnyScope and
// HasAllScopes helpers used by the RBAC middleware and the audit query service.
package auth

import "fmt"

// Scope represents a permission/scope type
type Scope string

const (
	// Audit read scopes. view_all implies view_team, which implies view_own.
	ScopeAuditViewOwn  Scope = "audit:view_own"  // Only logs the caller produced
	ScopeAuditViewTeam Scope = "audit:view_team" // Logs of the caller's team
	ScopeAuditViewAll  Scope = "audit:view_all"  // Every log

	ScopeAuditExport Scope = "audit:export" // Download filtered logs as json/csv/xlsx
	ScopeAuditAdmin  Scope = "audit:admin"  // Retention purges; implies every audit scope

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeAuditViewOwn,
		ScopeAuditViewTeam,
		ScopeAuditViewAll,
		ScopeAuditExport,
		ScopeAuditAdmin,
		ScopeAdmin,
	}
}

// implied lists, per held scope, the scopes it grants in addition to itself.
var implied = map[Scope][]Scope{
	ScopeAuditViewTeam: {ScopeAuditViewOwn},
	ScopeAuditViewAll:  {ScopeAuditViewTeam, ScopeAuditViewOwn},
	ScopeAuditAdmin:    {ScopeAuditViewAll, ScopeAuditViewTeam, ScopeAuditViewOwn, ScopeAuditExport},
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	valid := make(map[string]bool)
	for _, s := range AllScopes() {
		valid[string(s)] = true
	}
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks if a user has a required scope, directly, through the admin wildcard, or
// through an implying scope.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		held := Scope(scope)
		if held == required || held == ScopeAdmin {
			return true
		}
		for _, s := range implied[held] {
			if s == required {
				return true
			}
		}
	}
	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if a user has all of the required scopes
func HasAllScopes(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if !HasScope(userScopes, required) {
			return false
		}
	}
	return true
}

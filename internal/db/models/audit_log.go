// Package models - audit_log.go defines the AuditLog and AuditEntityChange models that make up
// the change-tracking trail: one immutable log per operation, one change row per touched field.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action is the kind of operation an audit log records.
type Action string

const (
	ActionCreate   Action = "CREATE"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionRestore  Action = "RESTORE"
	ActionArchive  Action = "ARCHIVE"
	ActionRead     Action = "READ"
	ActionDownload Action = "DOWNLOAD"
	ActionView     Action = "VIEW"
	ActionExport   Action = "EXPORT"
)

// AllActions returns every valid action in declaration order.
func AllActions() []Action {
	return []Action{
		ActionCreate, ActionUpdate, ActionDelete, ActionRestore, ActionArchive,
		ActionRead, ActionDownload, ActionView, ActionExport,
	}
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	for _, known := range AllActions() {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction accepts an action name in any case.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown audit action %q", s)
	}
	return a, nil
}

// ChangeType classifies a single field change. It is derived from the presence of the old and
// new values and never chosen by the caller.
type ChangeType string

const (
	ChangeAdded    ChangeType = "ADDED"
	ChangeModified ChangeType = "MODIFIED"
	ChangeRemoved  ChangeType = "REMOVED"
)

// DeriveChangeType returns ADDED when there is no old value, REMOVED when there is no new value,
// and MODIFIED otherwise.
func DeriveChangeType(oldValue, newValue *string) ChangeType {
	switch {
	case oldValue == nil:
		return ChangeAdded
	case newValue == nil:
		return ChangeRemoved
	default:
		return ChangeModified
	}
}

// JSONMap is a free-form JSON object stored in a JSONB column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// AuditLog is one immutable record of a single action against one entity. Actor and entity name
// fields are snapshots taken at write time, not references.
type AuditLog struct {
	ID string `json:"id" db:"id"`

	UserID    *string `json:"userId" db:"user_id"` // nil for system-initiated actions
	UserEmail string  `json:"userEmail" db:"user_email"`
	UserName  *string `json:"userName,omitempty" db:"user_name"`
	UserRole  *string `json:"userRole,omitempty" db:"user_role"`

	Action     Action  `json:"action" db:"action"`
	EntityType string  `json:"entityType" db:"entity_type"`
	EntityID   string  `json:"entityId" db:"entity_id"`
	EntityName *string `json:"entityName,omitempty" db:"entity_name"`

	Module           string  `json:"module" db:"module"`
	OperationContext JSONMap `json:"operationContext,omitempty" db:"operation_context"`
	IPAddress        *string `json:"ipAddress,omitempty" db:"ip_address"`
	UserAgent        *string `json:"userAgent,omitempty" db:"user_agent"`
	SessionID        *string `json:"sessionId,omitempty" db:"session_id"`
	RequestPath      *string `json:"requestPath,omitempty" db:"request_path"`
	RequestMethod    *string `json:"requestMethod,omitempty" db:"request_method"`

	OperationSuccess bool    `json:"operationSuccess" db:"operation_success"`
	ErrorMessage     *string `json:"errorMessage,omitempty" db:"error_message"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	Changes []AuditEntityChange `json:"changes,omitempty" db:"-"`
}

// AuditEntityChange is one field-level before/after pair belonging to exactly one AuditLog.
// Values are stored as text so any value shape is representable.
type AuditEntityChange struct {
	ID          string     `json:"id" db:"id"`
	AuditLogID  string     `json:"auditLogId" db:"audit_log_id"`
	FieldName   string     `json:"fieldName" db:"field_name"`
	FieldType   string     `json:"fieldType" db:"field_type"`
	OldValue    *string    `json:"oldValue" db:"old_value"`
	NewValue    *string    `json:"newValue" db:"new_value"`
	ChangeType  ChangeType `json:"changeType" db:"change_type"`
	IsSensitive bool       `json:"isSensitive" db:"is_sensitive"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

// RedactedValue is what display layers render in place of a sensitive value.
const RedactedValue = "***"

// Redacted returns a copy safe for display: sensitive values are replaced by RedactedValue.
func (c AuditEntityChange) Redacted() AuditEntityChange {
	if !c.IsSensitive {
		return c
	}
	mask := func(v *string) *string {
		if v == nil {
			return nil
		}
		s := RedactedValue
		return &s
	}
	c.OldValue = mask(c.OldValue)
	c.NewValue = mask(c.NewValue)
	return c
}

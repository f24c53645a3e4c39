package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/casedesk/casedesk/internal/db/models"
	"github.com/casedesk/casedesk/internal/safego"
	"github.com/casedesk/casedesk/internal/telemetry"
)

var (
	// ErrInvalidEntry is returned when a manual entry is missing a required field.
	ErrInvalidEntry = errors.New("invalid audit entry")
	// ErrInvalidAction is returned when a manual entry names an unknown action.
	ErrInvalidAction = errors.New("invalid audit action")
	// ErrPartialWrite is returned by a Store when the log row was persisted but its change rows
	// were not. The log row is kept.
	ErrPartialWrite = errors.New("audit log persisted without its changes")
)

// DefaultWriteTimeout bounds a detached audit write when none is configured.
const DefaultWriteTimeout = 5 * time.Second

// Store persists one audit log together with its change rows. Implementations assign the log ID
// and creation time.
type Store interface {
	Append(ctx context.Context, log *models.AuditLog, changes []models.AuditEntityChange) error
}

// Entry is one audit write before actor fields are applied.
type Entry struct {
	Action           models.Action
	EntityType       string
	EntityID         string
	EntityName       string
	Changes          []FieldChange
	OperationContext map[string]interface{}
	Success          bool
	ErrorMessage     string
}

// ManualChange is a caller-supplied before/after pair on a manual entry.
type ManualChange struct {
	Field    string      `json:"field"`
	OldValue interface{} `json:"oldValue"`
	NewValue interface{} `json:"newValue"`
}

// ManualEntry is an explicit audit call for operations the wrappers do not cover.
type ManualEntry struct {
	Action           string                 `json:"action"`
	EntityType       string                 `json:"entityType"`
	EntityID         string                 `json:"entityId"`
	EntityName       string                 `json:"entityName,omitempty"`
	Changes          []ManualChange         `json:"changes,omitempty"`
	OperationContext map[string]interface{} `json:"operationContext,omitempty"`
}

// Recorder writes audit entries to the Store and fans them out to the shipper. Failures are
// logged and counted; they never reach the request that produced the entry.
type Recorder struct {
	store        Store
	shipper      Shipper
	writeTimeout time.Duration
	inflight     safego.Group
}

// NewRecorder creates a Recorder. shipper may be nil.
func NewRecorder(store Store, shipper Shipper, writeTimeout time.Duration) *Recorder {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Recorder{store: store, shipper: shipper, writeTimeout: writeTimeout}
}

// Record writes the entry synchronously and returns the persisted log.
func (r *Recorder) Record(ctx context.Context, actx Context, entry Entry) (*models.AuditLog, error) {
	log := buildLog(actx, entry)
	changes := ToEntityChanges(entry.Changes)

	start := time.Now()
	err := r.store.Append(ctx, log, changes)
	telemetry.AuditWriteDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		telemetry.AuditWritesTotal.WithLabelValues(telemetry.AuditResultSuccess).Inc()
	case errors.Is(err, ErrPartialWrite):
		telemetry.AuditWritesTotal.WithLabelValues(telemetry.AuditResultPartial).Inc()
		slog.Error("audit log persisted without changes",
			"audit_log_id", log.ID, "entity_type", log.EntityType, "entity_id", log.EntityID, "error", err)
		changes = nil
	default:
		telemetry.AuditWritesTotal.WithLabelValues(telemetry.AuditResultFailure).Inc()
		return nil, fmt.Errorf("failed to write audit log: %w", err)
	}

	if r.shipper != nil {
		if shipErr := r.shipper.Ship(ctx, NewLogEntry(log, changes)); shipErr != nil {
			slog.Warn("failed to ship audit log", "audit_log_id", log.ID, "error", shipErr)
		}
	}
	return log, err
}

// RecordAsync writes the entry on a detached goroutine with its own timeout. The caller's
// request context is not used, so a finished or cancelled request never aborts the write.
func (r *Recorder) RecordAsync(actx Context, entry Entry) {
	r.inflight.Go("audit-write", func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		defer cancel()
		if _, err := r.Record(ctx, actx, entry); err != nil && !errors.Is(err, ErrPartialWrite) {
			slog.Error("audit write failed",
				"action", entry.Action, "entity_type", entry.EntityType, "entity_id", entry.EntityID, "error", err)
		}
	})
}

// RecordManualEntry validates and writes an explicit audit entry. Validation failures are
// returned before anything is written.
func (r *Recorder) RecordManualEntry(ctx context.Context, actx Context, m ManualEntry) (*models.AuditLog, error) {
	entry, err := m.toEntry()
	if err != nil {
		return nil, err
	}
	if actx.UserEmail == "" {
		return nil, fmt.Errorf("%w: user email is required", ErrInvalidEntry)
	}
	return r.Record(ctx, actx, entry)
}

// Wait blocks until detached writes finish or ctx is done.
func (r *Recorder) Wait(ctx context.Context) bool {
	return r.inflight.Wait(ctx)
}

func (m ManualEntry) toEntry() (Entry, error) {
	if strings.TrimSpace(m.Action) == "" {
		return Entry{}, fmt.Errorf("%w: action is required", ErrInvalidEntry)
	}
	action, err := models.ParseAction(m.Action)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidAction, m.Action)
	}
	if strings.TrimSpace(m.EntityType) == "" {
		return Entry{}, fmt.Errorf("%w: entity type is required", ErrInvalidEntry)
	}
	if strings.TrimSpace(m.EntityID) == "" {
		return Entry{}, fmt.Errorf("%w: entity id is required", ErrInvalidEntry)
	}

	changes := make([]FieldChange, 0, len(m.Changes))
	for _, c := range m.Changes {
		if c.Field == "" {
			return Entry{}, fmt.Errorf("%w: change field name is required", ErrInvalidEntry)
		}
		changes = append(changes, newChange(c.Field, Normalize(c.OldValue), Normalize(c.NewValue)))
	}
	return Entry{
		Action:           action,
		EntityType:       m.EntityType,
		EntityID:         m.EntityID,
		EntityName:       m.EntityName,
		Changes:          changes,
		OperationContext: m.OperationContext,
		Success:          true,
	}, nil
}

// buildLog snapshots the actor and request fields of actx onto a new log.
func buildLog(actx Context, entry Entry) *models.AuditLog {
	log := &models.AuditLog{
		UserID:           actx.UserID,
		UserEmail:        actx.UserEmail,
		UserName:         optional(actx.UserName),
		UserRole:         optional(actx.UserRole),
		Action:           entry.Action,
		EntityType:       entry.EntityType,
		EntityID:         entry.EntityID,
		EntityName:       optional(entry.EntityName),
		Module:           actx.Module,
		IPAddress:        optional(actx.IPAddress),
		UserAgent:        optional(actx.UserAgent),
		SessionID:        optional(actx.SessionID),
		RequestPath:      optional(actx.RequestPath),
		RequestMethod:    optional(actx.RequestMethod),
		OperationSuccess: entry.Success,
		ErrorMessage:     optional(entry.ErrorMessage),
	}
	if log.UserEmail == "" {
		log.UserEmail = SystemUserEmail
	}
	if log.Module == "" {
		log.Module = UnknownValue
	}
	if len(entry.OperationContext) > 0 || actx.RequestID != "" {
		oc := models.JSONMap{}
		for k, v := range entry.OperationContext {
			oc[k] = v
		}
		if actx.RequestID != "" {
			oc["requestId"] = actx.RequestID
		}
		log.OperationContext = oc
	}
	return log
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

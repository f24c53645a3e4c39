// Package services implements higher-level business logic that coordinates across repositories.
// The audit query service mediates between the HTTP surface and the audit store: it narrows every
// read to what the caller may see, paginates, renders exports and guards retention purges.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casedesk/casedesk/internal/auth"
	"github.com/casedesk/casedesk/internal/config"
	"github.com/casedesk/casedesk/internal/db/models"
	"github.com/casedesk/casedesk/internal/db/repositories"
	"github.com/casedesk/casedesk/internal/telemetry"
)

var (
	// ErrForbidden is returned when the caller lacks the capability for an operation.
	ErrForbidden = errors.New("insufficient permissions")
	// ErrNotFound is returned when an audit log does not exist.
	ErrNotFound = errors.New("audit log not found")
	// ErrRetentionOutOfBounds is returned when a purge asks for a retention outside the configured range.
	ErrRetentionOutOfBounds = errors.New("retention days out of bounds")
	// ErrUnsupportedFormat is returned for an unknown export format.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

const (
	defaultStatsWindowDays = 30
	maxStatsWindowDays     = 365
)

// AuditStore is the subset of the audit repository the query service reads and purges through.
type AuditStore interface {
	FindByID(ctx context.Context, id string) (*models.AuditLog, error)
	Query(ctx context.Context, filters repositories.AuditFilters, limit, offset int, sort repositories.AuditSort, includeChanges bool) ([]*models.AuditLog, int, error)
	QueryAll(ctx context.Context, filters repositories.AuditFilters, sort repositories.AuditSort, includeChanges bool, maxRows int) ([]*models.AuditLog, error)
	HistoryForEntity(ctx context.Context, entityType, entityID string, includeChanges bool) ([]*models.AuditLog, *models.EntityHistorySummary, error)
	Statistics(ctx context.Context, windowDays int, now time.Time) (*models.AuditStatistics, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Caller is the authenticated principal a query runs on behalf of.
type Caller struct {
	ID     string
	Email  string
	Scopes []string
}

// Pagination selects one page of results. Page is 1-based.
type Pagination struct {
	Page  int
	Limit int
}

// PaginatedLogs is one page of audit logs.
type PaginatedLogs struct {
	Data        []*models.AuditLog `json:"data"`
	Total       int                `json:"total"`
	Page        int                `json:"page"`
	Limit       int                `json:"limit"`
	TotalPages  int                `json:"totalPages"`
	HasNextPage bool               `json:"hasNextPage"`
	HasPrevPage bool               `json:"hasPrevPage"`
}

// EntityHistory is the ordered trail of one entity.
type EntityHistory struct {
	EntityType string                       `json:"entityType"`
	EntityID   string                       `json:"entityId"`
	Logs       []*models.AuditLog           `json:"logs"`
	Summary    *models.EntityHistorySummary `json:"summary"`
}

// PurgeResult reports a completed retention purge.
type PurgeResult struct {
	DaysToKeep int       `json:"daysToKeep"`
	Cutoff     time.Time `json:"cutoff"`
	Deleted    int64     `json:"deleted"`
}

// AuditQueryService enforces caller scope over audit reads.
type AuditQueryService struct {
	store AuditStore
	cfg   config.AuditConfig
	now   func() time.Time
}

// NewAuditQueryService creates a query service over store.
func NewAuditQueryService(store AuditStore, cfg config.AuditConfig) *AuditQueryService {
	return &AuditQueryService{store: store, cfg: cfg, now: time.Now}
}

// ApplyScope narrows filters to what caller may see:
//  1. view_all (or an administrator scope) leaves filters unchanged
//  2. an explicitly held view_own forces the caller's own user ID
//  3. view_team leaves filters unchanged; team boundaries are not modelled yet
//  4. anything else forces the caller's own user ID
func ApplyScope(filters repositories.AuditFilters, caller Caller) repositories.AuditFilters {
	switch {
	case auth.HasScope(caller.Scopes, auth.ScopeAuditViewAll):
		return filters
	case holdsExactly(caller.Scopes, auth.ScopeAuditViewOwn):
		return ownOnly(filters, caller)
	case auth.HasScope(caller.Scopes, auth.ScopeAuditViewTeam):
		// TODO: restrict to the caller's team once a membership model exists.
		return filters
	default:
		return ownOnly(filters, caller)
	}
}

func ownOnly(filters repositories.AuditFilters, caller Caller) repositories.AuditFilters {
	id := caller.ID
	filters.UserID = &id
	return filters
}

// holdsExactly reports whether scope is held as granted, ignoring implications.
func holdsExactly(scopes []string, scope auth.Scope) bool {
	for _, s := range scopes {
		if auth.Scope(s) == scope {
			return true
		}
	}
	return false
}

func canView(caller Caller) bool {
	return auth.HasAnyScope(caller.Scopes, []auth.Scope{
		auth.ScopeAuditViewOwn, auth.ScopeAuditViewTeam, auth.ScopeAuditViewAll,
	})
}

// QueryLogs returns one page of logs visible to caller. The limit is clamped to the configured
// maximum and a non-positive page is treated as the first.
func (s *AuditQueryService) QueryLogs(ctx context.Context, filters repositories.AuditFilters, page Pagination, sort repositories.AuditSort, includeChanges bool, caller Caller) (*PaginatedLogs, error) {
	limit := page.Limit
	switch {
	case limit <= 0:
		limit = s.cfg.DefaultPageSize
	case limit > s.cfg.MaxPageSize:
		limit = s.cfg.MaxPageSize
	}
	pageNum := page.Page
	if pageNum < 1 {
		pageNum = 1
	}

	logs, total, err := s.store.Query(ctx, ApplyScope(filters, caller), limit, (pageNum-1)*limit, sort, includeChanges)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return &PaginatedLogs{
		Data:        redactLogs(logs),
		Total:       total,
		Page:        pageNum,
		Limit:       limit,
		TotalPages:  totalPages,
		HasNextPage: pageNum < totalPages,
		HasPrevPage: pageNum > 1,
	}, nil
}

// GetLog returns one log with its changes. A log outside the caller's scope is ErrForbidden.
func (s *AuditQueryService) GetLog(ctx context.Context, id string, caller Caller) (*models.AuditLog, error) {
	log, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	if log == nil {
		return nil, ErrNotFound
	}
	if scoped := ApplyScope(repositories.AuditFilters{}, caller); scoped.UserID != nil {
		if log.UserID == nil || *log.UserID != *scoped.UserID {
			return nil, ErrForbidden
		}
	}
	return redactLog(log), nil
}

// GetHistory returns the trail of one entity oldest first. Callers restricted to their own logs
// see only their entries, and the summary is computed over what they see.
func (s *AuditQueryService) GetHistory(ctx context.Context, entityType, entityID string, includeChanges bool, caller Caller) (*EntityHistory, error) {
	if !canView(caller) {
		return nil, ErrForbidden
	}
	logs, summary, err := s.store.HistoryForEntity(ctx, entityType, entityID, includeChanges)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity history: %w", err)
	}

	if scoped := ApplyScope(repositories.AuditFilters{}, caller); scoped.UserID != nil {
		own := make([]*models.AuditLog, 0, len(logs))
		for _, l := range logs {
			if l.UserID != nil && *l.UserID == *scoped.UserID {
				own = append(own, l)
			}
		}
		logs = own
		summary = models.SummarizeHistory(own)
	}
	if logs == nil {
		logs = []*models.AuditLog{}
	}

	return &EntityHistory{
		EntityType: entityType,
		EntityID:   entityID,
		Logs:       redactLogs(logs),
		Summary:    summary,
	}, nil
}

// Statistics aggregates the last windowDays days. It requires view_all.
func (s *AuditQueryService) Statistics(ctx context.Context, windowDays int, caller Caller) (*models.AuditStatistics, error) {
	if !auth.HasScope(caller.Scopes, auth.ScopeAuditViewAll) {
		return nil, ErrForbidden
	}
	if windowDays <= 0 {
		windowDays = defaultStatsWindowDays
	}
	if windowDays > maxStatsWindowDays {
		windowDays = maxStatsWindowDays
	}
	stats, err := s.store.Statistics(ctx, windowDays, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to compute audit statistics: %w", err)
	}
	return stats, nil
}

// ExportLogs renders every log matching filters within the caller's scope, up to the configured
// row cap. An export that hits the cap is marked Truncated. It requires audit:export.
func (s *AuditQueryService) ExportLogs(ctx context.Context, filters repositories.AuditFilters, format ExportFormat, includeChanges bool, caller Caller) (*Export, error) {
	if !auth.HasScope(caller.Scopes, auth.ScopeAuditExport) {
		return nil, ErrForbidden
	}
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	logs, err := s.store.QueryAll(ctx, ApplyScope(filters, caller), repositories.DefaultSort, includeChanges, s.cfg.MaxExportRows)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit logs for export: %w", err)
	}
	exp, err := render(format, redactLogs(logs), includeChanges, s.now())
	if err != nil {
		return nil, err
	}
	exp.Truncated = s.cfg.MaxExportRows > 0 && len(logs) >= s.cfg.MaxExportRows
	return exp, nil
}

// PurgeOlderThan deletes logs older than daysToKeep days. It requires audit:admin, and a
// daysToKeep outside the configured bounds is rejected before storage is touched.
func (s *AuditQueryService) PurgeOlderThan(ctx context.Context, daysToKeep int, caller Caller) (*PurgeResult, error) {
	if !auth.HasScope(caller.Scopes, auth.ScopeAuditAdmin) {
		return nil, ErrForbidden
	}
	return Purge(ctx, s.store, s.cfg.Retention, daysToKeep, s.now())
}

// Purger is the storage operation behind retention.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Purge checks daysToKeep against the retention bounds and deletes logs created before
// now minus daysToKeep days. It is shared by the admin endpoint and the retention job.
func Purge(ctx context.Context, store Purger, bounds config.AuditRetentionConfig, daysToKeep int, now time.Time) (*PurgeResult, error) {
	if daysToKeep < bounds.MinDays || daysToKeep > bounds.MaxDays {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrRetentionOutOfBounds, daysToKeep, bounds.MinDays, bounds.MaxDays)
	}
	cutoff := now.UTC().AddDate(0, 0, -daysToKeep)
	deleted, err := store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	telemetry.AuditPurgedRowsTotal.Add(float64(deleted))
	slog.Info("audit logs purged", "days_to_keep", daysToKeep, "cutoff", cutoff, "deleted", deleted)
	return &PurgeResult{DaysToKeep: daysToKeep, Cutoff: cutoff, Deleted: deleted}, nil
}

func redactLogs(logs []*models.AuditLog) []*models.AuditLog {
	out := make([]*models.AuditLog, len(logs))
	for i, l := range logs {
		out[i] = redactLog(l)
	}
	return out
}

// redactLog returns a copy whose sensitive change values are masked.
func redactLog(l *models.AuditLog) *models.AuditLog {
	if len(l.Changes) == 0 {
		return l
	}
	cp := *l
	cp.Changes = make([]models.AuditEntityChange, len(l.Changes))
	for i, c := range l.Changes {
		cp.Changes[i] = c.Redacted()
	}
	return &cp
}

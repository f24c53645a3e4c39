// audit_repository.go implements AuditRepository, the append-only store for audit logs and
// their field-level change rows. There is deliberately no update statement for audit_logs:
// rows are inserted once and removed only by PurgeOlderThan.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/casedesk/casedesk/internal/audit"
	"github.com/casedesk/casedesk/internal/db/models"
)

const auditLogColumns = `id, user_id, user_email, user_name, user_role, action, entity_type, entity_id,
	entity_name, module, operation_context, ip_address, user_agent, session_id, request_path,
	request_method, operation_success, error_message, created_at`

const auditChangeColumns = `id, audit_log_id, field_name, field_type, old_value, new_value, change_type,
	is_sensitive, created_at`

// topN bounds the actor and entity leaderboards of Statistics.
const topN = 10

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters narrows audit log queries. Nil and empty fields do not filter.
type AuditFilters struct {
	UserID           *string
	UserEmail        *string // case-insensitive substring
	EntityID         *string
	IPAddress        *string
	SessionID        *string
	OperationSuccess *bool
	Search           *string // substring of entity name, user name, user email or module
	Actions          []models.Action
	Modules          []string
	EntityTypes      []string
	StartDate        *time.Time
	EndDate          *time.Time
}

// AuditSort orders query results. Field is an API field name; unknown names sort by createdAt.
type AuditSort struct {
	Field string
	Desc  bool
}

// sortColumns whitelists sortable API fields.
var sortColumns = map[string]string{
	"createdAt":  "created_at",
	"action":     "action",
	"entityType": "entity_type",
	"entityName": "entity_name",
	"userEmail":  "user_email",
	"module":     "module",
}

// DefaultSort is newest first.
var DefaultSort = AuditSort{Field: "createdAt", Desc: true}

// ValidSortField reports whether field can be sorted on.
func ValidSortField(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

func (s AuditSort) orderBy() string {
	col, ok := sortColumns[s.Field]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir)
}

// whereClause accumulates positional filter conditions.
type whereClause struct {
	conds []string
	args  []interface{}
}

func (w *whereClause) add(format string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(format, len(w.args)))
}

func (w *whereClause) String() string {
	if len(w.conds) == 0 {
		return " WHERE 1=1"
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *whereClause) next() int {
	return len(w.args) + 1
}

func buildWhere(f AuditFilters) *whereClause {
	w := &whereClause{}
	if f.UserID != nil {
		w.add("user_id = $%d", *f.UserID)
	}
	if f.UserEmail != nil && *f.UserEmail != "" {
		w.add("user_email ILIKE $%d", "%"+*f.UserEmail+"%")
	}
	if f.EntityID != nil {
		w.add("entity_id = $%d", *f.EntityID)
	}
	if f.IPAddress != nil {
		w.add("ip_address = $%d", *f.IPAddress)
	}
	if f.SessionID != nil {
		w.add("session_id = $%d", *f.SessionID)
	}
	if f.OperationSuccess != nil {
		w.add("operation_success = $%d", *f.OperationSuccess)
	}
	if f.Search != nil && *f.Search != "" {
		w.add("(entity_name ILIKE $%[1]d OR user_name ILIKE $%[1]d OR user_email ILIKE $%[1]d OR module ILIKE $%[1]d)", "%"+*f.Search+"%")
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		w.add("action = ANY($%d)", pq.Array(actions))
	}
	if len(f.Modules) > 0 {
		w.add("module = ANY($%d)", pq.Array(f.Modules))
	}
	if len(f.EntityTypes) > 0 {
		w.add("entity_type = ANY($%d)", pq.Array(f.EntityTypes))
	}
	if f.StartDate != nil {
		w.add("created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		w.add("created_at <= $%d", *f.EndDate)
	}
	return w
}

// Append inserts the log and then its change rows. The two inserts are not transactional: when
// the change insert fails the log row is kept and audit.ErrPartialWrite is returned.
func (r *AuditRepository) Append(ctx context.Context, log *models.AuditLog, changes []models.AuditEntityChange) error {
	log.ID = uuid.New().String()
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO audit_logs (` + auditLogColumns + `)
		VALUES (:id, :user_id, :user_email, :user_name, :user_role, :action, :entity_type, :entity_id,
			:entity_name, :module, :operation_context, :ip_address, :user_agent, :session_id, :request_path,
			:request_method, :operation_success, :error_message, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	if len(changes) == 0 {
		return nil
	}
	for i := range changes {
		changes[i].ID = uuid.New().String()
		changes[i].AuditLogID = log.ID
		changes[i].CreatedAt = log.CreatedAt
	}
	changeQuery := `INSERT INTO audit_entity_changes (` + auditChangeColumns + `)
		VALUES (:id, :audit_log_id, :field_name, :field_type, :old_value, :new_value, :change_type,
			:is_sensitive, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, changeQuery, changes); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrPartialWrite, err)
	}
	log.Changes = changes
	return nil
}

// FindByID returns one log with its changes, or nil when it does not exist.
func (r *AuditRepository) FindByID(ctx context.Context, id string) (*models.AuditLog, error) {
	log := &models.AuditLog{}
	err := r.db.GetContext(ctx, log, `SELECT `+auditLogColumns+` FROM audit_logs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	if err := r.attachChanges(ctx, []*models.AuditLog{log}); err != nil {
		return nil, err
	}
	return log, nil
}

// Query returns one page of matching logs and the total match count.
func (r *AuditRepository) Query(ctx context.Context, filters AuditFilters, limit, offset int, sort AuditSort, includeChanges bool) ([]*models.AuditLog, int, error) {
	w := buildWhere(filters)

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_logs`+w.String(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query := `SELECT ` + auditLogColumns + ` FROM audit_logs` + w.String() + sort.orderBy() +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, w.next(), w.next()+1)
	args := append(w.args, limit, offset)

	logs := make([]*models.AuditLog, 0)
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	if includeChanges {
		if err := r.attachChanges(ctx, logs); err != nil {
			return nil, 0, err
		}
	}
	return logs, total, nil
}

// QueryAll returns up to maxRows matching logs without pagination, for exports.
func (r *AuditRepository) QueryAll(ctx context.Context, filters AuditFilters, sort AuditSort, includeChanges bool, maxRows int) ([]*models.AuditLog, error) {
	w := buildWhere(filters)
	query := `SELECT ` + auditLogColumns + ` FROM audit_logs` + w.String() + sort.orderBy() +
		fmt.Sprintf(` LIMIT $%d`, w.next())
	args := append(w.args, maxRows)

	logs := make([]*models.AuditLog, 0)
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to export audit logs: %w", err)
	}
	if includeChanges {
		if err := r.attachChanges(ctx, logs); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

// HistoryForEntity returns every log of one entity oldest first, with a summary.
func (r *AuditRepository) HistoryForEntity(ctx context.Context, entityType, entityID string, includeChanges bool) ([]*models.AuditLog, *models.EntityHistorySummary, error) {
	logs := make([]*models.AuditLog, 0)
	query := `SELECT ` + auditLogColumns + ` FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &logs, query, entityType, entityID); err != nil {
		return nil, nil, fmt.Errorf("failed to get entity history: %w", err)
	}
	if includeChanges {
		if err := r.attachChanges(ctx, logs); err != nil {
			return nil, nil, err
		}
	}
	return logs, models.SummarizeHistory(logs), nil
}

// Statistics aggregates logs created within the last windowDays (all time when windowDays <= 0).
// Today, this week (Monday start) and this month are computed relative to now in UTC.
func (r *AuditRepository) Statistics(ctx context.Context, windowDays int, now time.Time) (*models.AuditStatistics, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := dayStart.AddDate(0, 0, -((int(dayStart.Weekday()) + 6) % 7))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	windowStart := time.Time{}
	if windowDays > 0 {
		windowStart = now.AddDate(0, 0, -windowDays)
	}

	stats := &models.AuditStatistics{WindowDays: windowDays}

	countsQuery := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE created_at >= $2) AS today,
			COUNT(*) FILTER (WHERE created_at >= $3) AS this_week,
			COUNT(*) FILTER (WHERE created_at >= $4) AS this_month
		FROM audit_logs
		WHERE created_at >= $1`
	if err := r.db.GetContext(ctx, &stats.Counts, countsQuery, windowStart, dayStart, weekStart, monthStart); err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}

	stats.ByAction = make([]models.CountBucket, 0)
	if err := r.db.SelectContext(ctx, &stats.ByAction, `
		SELECT action AS key, COUNT(*) AS count FROM audit_logs
		WHERE created_at >= $1 GROUP BY action ORDER BY count DESC, key`, windowStart); err != nil {
		return nil, fmt.Errorf("failed to group audit logs by action: %w", err)
	}

	stats.ByModule = make([]models.CountBucket, 0)
	if err := r.db.SelectContext(ctx, &stats.ByModule, `
		SELECT module AS key, COUNT(*) AS count FROM audit_logs
		WHERE created_at >= $1 GROUP BY module ORDER BY count DESC, key`, windowStart); err != nil {
		return nil, fmt.Errorf("failed to group audit logs by module: %w", err)
	}

	stats.TopActors = make([]models.ActorCount, 0)
	if err := r.db.SelectContext(ctx, &stats.TopActors, `
		SELECT user_id, user_email, COUNT(*) AS count FROM audit_logs
		WHERE created_at >= $1 GROUP BY user_id, user_email ORDER BY count DESC, user_email
		LIMIT $2`, windowStart, topN); err != nil {
		return nil, fmt.Errorf("failed to rank audit actors: %w", err)
	}

	stats.TopEntities = make([]models.EntityCount, 0)
	if err := r.db.SelectContext(ctx, &stats.TopEntities, `
		SELECT entity_type, entity_id, MAX(entity_name) AS entity_name, COUNT(*) AS count FROM audit_logs
		WHERE created_at >= $1 GROUP BY entity_type, entity_id ORDER BY count DESC, entity_type, entity_id
		LIMIT $2`, windowStart, topN); err != nil {
		return nil, fmt.Errorf("failed to rank audited entities: %w", err)
	}

	return stats, nil
}

// PurgeOlderThan deletes logs created before cutoff and returns how many were removed. Change
// rows go with them through the foreign key cascade.
func (r *AuditRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	return result.RowsAffected()
}

// attachChanges loads the change rows of logs in one query.
func (r *AuditRepository) attachChanges(ctx context.Context, logs []*models.AuditLog) error {
	if len(logs) == 0 {
		return nil
	}
	ids := make([]string, len(logs))
	byID := make(map[string]*models.AuditLog, len(logs))
	for i, l := range logs {
		ids[i] = l.ID
		byID[l.ID] = l
		l.Changes = make([]models.AuditEntityChange, 0)
	}

	var changes []models.AuditEntityChange
	query := `SELECT ` + auditChangeColumns + ` FROM audit_entity_changes
		WHERE audit_log_id = ANY($1) ORDER BY field_name`
	if err := r.db.SelectContext(ctx, &changes, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load audit changes: %w", err)
	}
	for _, c := range changes {
		if l, ok := byID[c.AuditLogID]; ok {
			l.Changes = append(l.Changes, c)
		}
	}
	return nil
}

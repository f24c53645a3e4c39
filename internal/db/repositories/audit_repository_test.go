package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/casedesk/casedesk/internal/audit"
	"github.com/casedesk/casedesk/internal/db/models"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var auditCols = []string{
	"id", "user_id", "user_email", "user_name", "user_role", "action", "entity_type", "entity_id",
	"entity_name", "module", "operation_context", "ip_address", "user_agent", "session_id",
	"request_path", "request_method", "operation_success", "error_message", "created_at",
}

var changeCols = []string{
	"id", "audit_log_id", "field_name", "field_type", "old_value", "new_value", "change_type",
	"is_sensitive", "created_at",
}

var errAuditDB = errors.New("audit db error")

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuditRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func strPtr(s string) *string { return &s }

func addAuditRow(rows *sqlmock.Rows, id, entityID string, created time.Time) *sqlmock.Rows {
	return rows.AddRow(id, "user-1", "alice@example.com", "Alice", "attorney", "UPDATE", "case", entityID,
		"Smith v. Jones", "cases", []byte(`{"requestId":"req-1"}`), "10.0.0.1", "curl/8", nil,
		"/api/v1/cases/"+entityID, "PATCH", true, nil, created)
}

func sampleAuditRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows(auditCols)
	for _, id := range ids {
		addAuditRow(rows, id, "c-1", time.Now())
	}
	return rows
}

// ---------------------------------------------------------------------------
// Append
// ---------------------------------------------------------------------------

func TestAppend_LogAndChanges(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entity_changes").WillReturnResult(sqlmock.NewResult(0, 2))

	log := &models.AuditLog{UserEmail: "alice@example.com", Action: models.ActionCreate, EntityType: "todo", EntityID: "t-1", Module: "todos", OperationSuccess: true}
	changes := []models.AuditEntityChange{
		{FieldName: "title", FieldType: "string", NewValue: strPtr("Call client"), ChangeType: models.ChangeAdded},
		{FieldName: "dueDate", FieldType: "date", NewValue: strPtr("2026-02-01"), ChangeType: models.ChangeAdded},
	}
	if err := repo.Append(context.Background(), log, changes); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if log.ID == "" || log.CreatedAt.IsZero() {
		t.Error("expected ID and CreatedAt to be assigned")
	}
	for _, c := range changes {
		if c.AuditLogID != log.ID || c.ID == "" {
			t.Errorf("change %s not linked to log: %+v", c.FieldName, c)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppend_NoChangesSkipsSecondInsert(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Append(context.Background(), &models.AuditLog{Action: models.ActionView}, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppend_LogInsertFails(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errAuditDB)

	err := repo.Append(context.Background(), &models.AuditLog{}, []models.AuditEntityChange{{FieldName: "x"}})
	if err == nil || errors.Is(err, audit.ErrPartialWrite) {
		t.Fatalf("err = %v, want a plain failure", err)
	}
}

func TestAppend_ChangeInsertFailsIsPartial(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entity_changes").WillReturnError(errAuditDB)

	err := repo.Append(context.Background(), &models.AuditLog{}, []models.AuditEntityChange{{FieldName: "x"}})
	if !errors.Is(err, audit.ErrPartialWrite) {
		t.Fatalf("err = %v, want ErrPartialWrite", err)
	}
}

// ---------------------------------------------------------------------------
// FindByID
// ---------------------------------------------------------------------------

func TestFindByID_WithChanges(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("FROM audit_logs WHERE id = ").
		WithArgs("log-1").
		WillReturnRows(sampleAuditRows("log-1"))
	mock.ExpectQuery("FROM audit_entity_changes").
		WillReturnRows(sqlmock.NewRows(changeCols).
			AddRow("ch-1", "log-1", "active", "boolean", "true", "false", "MODIFIED", false, time.Now()).
			AddRow("ch-2", "log-1", "password_hash", "string", "a", "b", "MODIFIED", true, time.Now()))

	log, err := repo.FindByID(context.Background(), "log-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if log == nil || log.ID != "log-1" {
		t.Fatalf("log = %+v", log)
	}
	if log.OperationContext["requestId"] != "req-1" {
		t.Errorf("OperationContext = %v", log.OperationContext)
	}
	if len(log.Changes) != 2 || !log.Changes[1].IsSensitive || log.Changes[0].ChangeType != models.ChangeModified {
		t.Errorf("Changes = %+v", log.Changes)
	}
}

func TestFindByID_NotFound(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("FROM audit_logs WHERE id").WillReturnRows(sqlmock.NewRows(auditCols))

	log, err := repo.FindByID(context.Background(), "missing")
	if err != nil || log != nil {
		t.Errorf("FindByID = (%v, %v), want (nil, nil)", log, err)
	}
}

func TestFindByID_Error(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("FROM audit_logs WHERE id").WillReturnError(errAuditDB)

	if _, err := repo.FindByID(context.Background(), "x"); err == nil {
		t.Error("expected error")
	}
}

// ---------------------------------------------------------------------------
// Query
// ---------------------------------------------------------------------------

func TestQuery_FiltersAndPagination(t *testing.T) {
	repo, mock := newAuditRepo(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	success := true

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE user_id = \$1 AND user_email ILIKE \$2 AND operation_success = \$3 AND action = ANY\(\$4\) AND created_at >= \$5`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))
	mock.ExpectQuery(`ORDER BY entity_type ASC, id ASC LIMIT \$6 OFFSET \$7`).
		WillReturnRows(sampleAuditRows("l-11", "l-12"))

	logs, total, err := repo.Query(context.Background(), AuditFilters{
		UserID:           strPtr("user-1"),
		UserEmail:        strPtr("alice"),
		OperationSuccess: &success,
		Actions:          []models.Action{models.ActionUpdate, models.ActionDelete},
		StartDate:        &start,
	}, 10, 10, AuditSort{Field: "entityType"}, false)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 25 || len(logs) != 2 {
		t.Errorf("total=%d len=%d, want 25/2", total, len(logs))
	}
	if logs[0].Changes != nil {
		t.Error("changes should not be loaded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQuery_UnknownSortFallsBack(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE 1=1`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`ORDER BY created_at DESC, id DESC LIMIT \$1 OFFSET \$2`).
		WillReturnRows(sqlmock.NewRows(auditCols))

	logs, total, err := repo.Query(context.Background(), AuditFilters{}, 20, 0, AuditSort{Field: "ip_address; DROP TABLE x", Desc: true}, false)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 0 || len(logs) != 0 {
		t.Errorf("total=%d len=%d", total, len(logs))
	}
}

func TestQuery_SearchUsesOneParameter(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(`entity_name ILIKE \$1 OR user_name ILIKE \$1 OR user_email ILIKE \$1 OR module ILIKE \$1`).
		WithArgs("%smith%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`LIMIT \$2 OFFSET \$3`).
		WillReturnRows(sampleAuditRows("l-1"))
	mock.ExpectQuery("FROM audit_entity_changes").
		WillReturnRows(sqlmock.NewRows(changeCols))

	logs, _, err := repo.Query(context.Background(), AuditFilters{Search: strPtr("smith")}, 20, 0, DefaultSort, true)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if logs[0].Changes == nil || len(logs[0].Changes) != 0 {
		t.Errorf("expected empty, non-nil changes, got %v", logs[0].Changes)
	}
}

func TestQuery_CountError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errAuditDB)

	if _, _, err := repo.Query(context.Background(), AuditFilters{}, 20, 0, DefaultSort, false); err == nil {
		t.Error("expected error")
	}
}

func TestQueryAll_Limit(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(`WHERE entity_type = ANY\(\$1\) ORDER BY created_at DESC, id DESC LIMIT \$2`).
		WillReturnRows(sampleAuditRows("l-1", "l-2", "l-3"))

	logs, err := repo.QueryAll(context.Background(), AuditFilters{EntityTypes: []string{"case"}}, DefaultSort, false, 5000)
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("len = %d, want 3", len(logs))
	}
}

// ---------------------------------------------------------------------------
// HistoryForEntity
// ---------------------------------------------------------------------------

func TestHistoryForEntity_Summary(t *testing.T) {
	repo, mock := newAuditRepo(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(auditCols)
	addAuditRow(rows, "l-1", "c-9", t0)
	addAuditRow(rows, "l-2", "c-9", t0.Add(time.Hour))
	rows.AddRow("l-3", nil, "system@casedesk.local", nil, nil, "DELETE", "case", "c-9",
		nil, "cases", nil, nil, nil, nil, nil, nil, true, nil, t0.Add(2*time.Hour))

	mock.ExpectQuery(`WHERE entity_type = \$1 AND entity_id = \$2\s+ORDER BY created_at ASC`).
		WithArgs("case", "c-9").
		WillReturnRows(rows)

	logs, summary, err := repo.HistoryForEntity(context.Background(), "case", "c-9", false)
	if err != nil {
		t.Fatalf("HistoryForEntity: %v", err)
	}
	if len(logs) != 3 || summary.TotalEntries != 3 {
		t.Errorf("len=%d total=%d", len(logs), summary.TotalEntries)
	}
	if !summary.FirstActivity.Equal(t0) || !summary.LastActivity.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("activity range = %v..%v", summary.FirstActivity, summary.LastActivity)
	}
	if summary.DistinctActors != 2 {
		t.Errorf("DistinctActors = %d, want 2", summary.DistinctActors)
	}
}

func TestHistoryForEntity_Empty(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("WHERE entity_type").WillReturnRows(sqlmock.NewRows(auditCols))

	logs, summary, err := repo.HistoryForEntity(context.Background(), "case", "none", true)
	if err != nil {
		t.Fatalf("HistoryForEntity: %v", err)
	}
	if len(logs) != 0 || summary.TotalEntries != 0 || summary.FirstActivity != nil {
		t.Errorf("unexpected result: %v %+v", logs, summary)
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

func TestStatistics(t *testing.T) {
	repo, mock := newAuditRepo(t)
	// Wednesday
	now := time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)
	dayStart := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	weekStart := time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("COUNT\\(\\*\\) FILTER").
		WithArgs(now.AddDate(0, 0, -30), dayStart, weekStart, monthStart).
		WillReturnRows(sqlmock.NewRows([]string{"total", "today", "this_week", "this_month"}).AddRow(100, 4, 20, 60))
	mock.ExpectQuery("GROUP BY action").
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).AddRow("UPDATE", 70).AddRow("CREATE", 30))
	mock.ExpectQuery("GROUP BY module").
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).AddRow("cases", 100))
	mock.ExpectQuery("GROUP BY user_id, user_email").
		WithArgs(sqlmock.AnyArg(), topN).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "user_email", "count"}).AddRow("user-1", "alice@example.com", 90))
	mock.ExpectQuery("GROUP BY entity_type, entity_id").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "entity_id", "entity_name", "count"}).AddRow("case", "c-1", "Smith v. Jones", 40))

	stats, err := repo.Statistics(context.Background(), 30, now)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Counts.Total != 100 || stats.Counts.Today != 4 || stats.Counts.ThisWeek != 20 || stats.Counts.ThisMonth != 60 {
		t.Errorf("Counts = %+v", stats.Counts)
	}
	if len(stats.ByAction) != 2 || stats.ByAction[0].Key != "UPDATE" {
		t.Errorf("ByAction = %+v", stats.ByAction)
	}
	if len(stats.TopActors) != 1 || stats.TopActors[0].UserEmail != "alice@example.com" {
		t.Errorf("TopActors = %+v", stats.TopActors)
	}
	if len(stats.TopEntities) != 1 || *stats.TopEntities[0].EntityName != "Smith v. Jones" {
		t.Errorf("TopEntities = %+v", stats.TopEntities)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStatistics_Error(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("COUNT").WillReturnError(errAuditDB)

	if _, err := repo.Statistics(context.Background(), 0, time.Now()); err == nil {
		t.Error("expected error")
	}
}

// ---------------------------------------------------------------------------
// PurgeOlderThan
// ---------------------------------------------------------------------------

func TestPurgeOlderThan(t *testing.T) {
	repo, mock := newAuditRepo(t)
	cutoff := time.Now().AddDate(0, 0, -365)
	mock.ExpectExec("DELETE FROM audit_logs WHERE created_at <").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.PurgeOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 42 {
		t.Errorf("removed = %d, want 42", n)
	}
}

func TestPurgeOlderThan_Error(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("DELETE FROM audit_logs").WillReturnError(errAuditDB)

	if _, err := repo.PurgeOlderThan(context.Background(), time.Now()); err == nil {
		t.Error("expected error")
	}
}

func TestValidSortField(t *testing.T) {
	for _, f := range []string{"createdAt", "action", "module"} {
		if !ValidSortField(f) {
			t.Errorf("ValidSortField(%q) = false", f)
		}
	}
	if ValidSortField("created_at") {
		t.Error("column names are not API sort fields")
	}
}

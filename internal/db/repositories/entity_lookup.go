// entity_lookup.go implements TableLookup, a generic prior-state reader used by the audit
// interceptor to fetch an entity's persisted row before an update or delete runs.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jmoiron/sqlx"

	"github.com/casedesk/casedesk/internal/audit"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

// TableLookup reads one row by primary key from a fixed table. Column names are converted to
// camelCase so snapshots line up with request payload keys.
type TableLookup struct {
	db    *sqlx.DB
	table string
	query string
}

// NewTableLookup creates a lookup over table. The table name comes from configuration and must
// be a plain (optionally schema-qualified) identifier.
func NewTableLookup(db *sqlx.DB, table string) (*TableLookup, error) {
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid lookup table name %q", table)
	}
	return &TableLookup{
		db:    db,
		table: table,
		query: fmt.Sprintf(`SELECT * FROM %s WHERE id = $1`, table),
	}, nil
}

// FetchByID implements audit.EntityLookup. A missing row yields (nil, nil).
func (l *TableLookup) FetchByID(ctx context.Context, id string) (audit.Record, error) {
	row := make(map[string]interface{})
	err := l.db.QueryRowxContext(ctx, l.query, id).MapScan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s row: %w", l.table, err)
	}

	rec := make(audit.Record, len(row))
	for col, v := range row {
		rec[camelCase(col)] = columnValue(v)
	}
	return rec, nil
}

// columnValue converts driver values into the JSON shapes the differ compares.
func columnValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int64:
		return json.Number(strconv.FormatInt(t, 10))
	case float32:
		return float64(t)
	}
	return v
}

func camelCase(col string) string {
	parts := strings.Split(col, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

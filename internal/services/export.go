package services

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/casedesk/casedesk/internal/db/models"
	"github.com/casedesk/casedesk/pkg/checksum"
)

// ExportFormat names an export rendering.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatXLSX ExportFormat = "xlsx"
)

// Valid reports whether f is a supported format.
func (f ExportFormat) Valid() bool {
	switch f {
	case FormatJSON, FormatCSV, FormatXLSX:
		return true
	}
	return false
}

// ParseExportFormat accepts a format name in any case. An empty name is json.
func ParseExportFormat(s string) (ExportFormat, error) {
	if s == "" {
		return FormatJSON, nil
	}
	f := ExportFormat(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
	return f, nil
}

// Export is a rendered export payload.
type Export struct {
	Data        []byte
	ContentType string
	FileName    string
	Rows        int
	// SHA256 is the hex digest of Data.
	SHA256 string
	// Truncated reports that the row cap was reached and matching logs may be missing.
	Truncated bool
}

const (
	logsSheet    = "Audit Logs"
	changesSheet = "Changes"
)

var logColumns = []string{
	"id", "createdAt", "userId", "userEmail", "userName", "userRole", "action", "entityType",
	"entityId", "entityName", "module", "ipAddress", "requestMethod", "requestPath",
	"operationSuccess", "errorMessage",
}

var changeColumns = []string{
	"auditLogId", "fieldName", "fieldType", "changeType", "oldValue", "newValue", "isSensitive",
}

func render(format ExportFormat, logs []*models.AuditLog, includeChanges bool, now time.Time) (*Export, error) {
	var (
		data        []byte
		contentType string
		err         error
	)
	switch format {
	case FormatJSON:
		data, contentType, err = renderJSON(logs, includeChanges)
	case FormatCSV:
		data, contentType, err = renderCSV(logs, includeChanges)
	case FormatXLSX:
		data, contentType, err = renderXLSX(logs, includeChanges)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to render %s export: %w", format, err)
	}
	return &Export{
		Data:        data,
		ContentType: contentType,
		FileName:    fmt.Sprintf("audit-logs-%s.%s", now.UTC().Format("20060102-150405"), format),
		Rows:        len(logs),
		SHA256:      checksum.SHA256(data),
	}, nil
}

func renderJSON(logs []*models.AuditLog, includeChanges bool) ([]byte, string, error) {
	if !includeChanges {
		stripped := make([]*models.AuditLog, len(logs))
		for i, l := range logs {
			cp := *l
			cp.Changes = nil
			stripped[i] = &cp
		}
		logs = stripped
	}
	data, err := json.MarshalIndent(logs, "", "  ")
	return data, "application/json", err
}

// renderCSV writes one row per log. Changes, when included, are flattened into one column as
// "field: old -> new" pairs separated by "; ".
func renderCSV(logs []*models.AuditLog, includeChanges bool) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)

	header := logColumns
	if includeChanges {
		header = append(append([]string{}, logColumns...), "changes")
	}
	if err := w.Write(header); err != nil {
		return nil, "", err
	}
	for _, l := range logs {
		row := logRow(l)
		if includeChanges {
			row = append(row, flattenChanges(l.Changes))
		}
		if err := w.Write(row); err != nil {
			return nil, "", err
		}
	}

	w.Flush()
	return buf.Bytes(), "text/csv", w.Error()
}

// renderXLSX writes logs to one sheet and, when included, their changes to a second sheet keyed
// by auditLogId.
func renderXLSX(logs []*models.AuditLog, includeChanges bool) ([]byte, string, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", logsSheet); err != nil {
		return nil, "", err
	}
	if err := writeSheet(f, logsSheet, logColumns, len(logs), func(i int) []string { return logRow(logs[i]) }); err != nil {
		return nil, "", err
	}

	if includeChanges {
		if _, err := f.NewSheet(changesSheet); err != nil {
			return nil, "", err
		}
		var rows [][]string
		for _, l := range logs {
			for _, c := range l.Changes {
				rows = append(rows, changeRow(l.ID, c))
			}
		}
		if err := writeSheet(f, changesSheet, changeColumns, len(rows), func(i int) []string { return rows[i] }); err != nil {
			return nil, "", err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", nil
}

func writeSheet(f *excelize.File, sheet string, header []string, n int, row func(int) []string) error {
	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := setRow(f, sheet, i+2, row(i)); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return f.SetSheetRow(sheet, cell, &cells)
}

func logRow(l *models.AuditLog) []string {
	return []string{
		l.ID,
		l.CreatedAt.UTC().Format(time.RFC3339),
		deref(l.UserID),
		l.UserEmail,
		deref(l.UserName),
		deref(l.UserRole),
		string(l.Action),
		l.EntityType,
		l.EntityID,
		deref(l.EntityName),
		l.Module,
		deref(l.IPAddress),
		deref(l.RequestMethod),
		deref(l.RequestPath),
		strconv.FormatBool(l.OperationSuccess),
		deref(l.ErrorMessage),
	}
}

func changeRow(logID string, c models.AuditEntityChange) []string {
	return []string{
		logID,
		c.FieldName,
		c.FieldType,
		string(c.ChangeType),
		deref(c.OldValue),
		deref(c.NewValue),
		strconv.FormatBool(c.IsSensitive),
	}
}

func flattenChanges(changes []models.AuditEntityChange) string {
	parts := make([]string, 0, len(changes))
	for _, c := range changes {
		parts = append(parts, fmt.Sprintf("%s: %s -> %s", c.FieldName, orNone(c.OldValue), orNone(c.NewValue)))
	}
	return strings.Join(parts, "; ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orNone(s *string) string {
	if s == nil {
		return "(none)"
	}
	return *s
}

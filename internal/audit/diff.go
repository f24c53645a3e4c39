package audit

import (
	"bytes"
	"encoding/json"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/casedesk/casedesk/internal/db/models"
)

// Record is a loosely-shaped entity snapshot. After Normalize every value is one of the JSON
// shapes: nil, bool, float64, json.Number, string, []interface{} or map[string]interface{}.
// Decoded bodies carry json.Number so integer ids survive beyond 2^53.
type Record map[string]interface{}

// Field types reported by InferType. They are advisory metadata only.
const (
	FieldTypeBoolean = "boolean"
	FieldTypeNumber  = "number"
	FieldTypeString  = "string"
	FieldTypeDate    = "date"
	FieldTypeArray   = "array"
	FieldTypeJSON    = "json"
	FieldTypeNull    = "null"
	FieldTypeUnknown = "unknown"
)

// FieldChange describes one differing field between two snapshots.
type FieldChange struct {
	Field       string      `json:"field"`
	OldValue    interface{} `json:"oldValue"`
	NewValue    interface{} `json:"newValue"`
	Type        string      `json:"type"`
	IsSensitive bool        `json:"isSensitive"`
}

var isoDatePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// ForCreate reports every non-null field of rec as added.
func ForCreate(rec Record) []FieldChange {
	changes := make([]FieldChange, 0, len(rec))
	for _, field := range sortedKeys(rec) {
		v := Normalize(rec[field])
		if v == nil {
			continue
		}
		changes = append(changes, newChange(field, nil, v))
	}
	return changes
}

// ForUpdate compares every field present in candidate with the same field of old. Fields that
// are absent from candidate are never reported, so partial updates only audit what they touch.
func ForUpdate(old, candidate Record) []FieldChange {
	changes := make([]FieldChange, 0)
	for _, field := range sortedKeys(candidate) {
		newValue := Normalize(candidate[field])
		oldValue := Normalize(old[field])
		if Equal(oldValue, newValue) {
			continue
		}
		changes = append(changes, newChange(field, oldValue, newValue))
	}
	return changes
}

// ForDelete reports every non-null field of rec as removed.
func ForDelete(rec Record) []FieldChange {
	changes := make([]FieldChange, 0, len(rec))
	for _, field := range sortedKeys(rec) {
		v := Normalize(rec[field])
		if v == nil {
			continue
		}
		changes = append(changes, newChange(field, v, nil))
	}
	return changes
}

func newChange(field string, oldValue, newValue interface{}) FieldChange {
	typed := newValue
	if typed == nil {
		typed = oldValue
	}
	return FieldChange{
		Field:       field,
		OldValue:    oldValue,
		NewValue:    newValue,
		Type:        InferType(typed),
		IsSensitive: IsSensitive(field),
	}
}

// Equal compares two normalized values: structurally for arrays and objects, numerically for
// numbers, directly otherwise.
func Equal(a, b interface{}) bool {
	if eq, ok := numbersEqual(a, b); ok {
		return eq
	}
	switch a.(type) {
	case map[string]interface{}, []interface{}:
		ja, errA := json.Marshal(a)
		jb, errB := json.Marshal(b)
		if errA != nil || errB != nil {
			return reflect.DeepEqual(a, b)
		}
		return string(ja) == string(jb)
	}
	switch b.(type) {
	case map[string]interface{}, []interface{}:
		return false
	}
	return reflect.DeepEqual(a, b)
}

// numbersEqual compares a and b when both are float64 or json.Number. ok is false otherwise.
func numbersEqual(a, b interface{}) (eq bool, ok bool) {
	na, okA := numberText(a)
	nb, okB := numberText(b)
	if !okA || !okB {
		return false, false
	}
	if na == nb {
		return true, true
	}
	ia, errA := json.Number(na).Int64()
	ib, errB := json.Number(nb).Int64()
	if errA == nil && errB == nil {
		return ia == ib, true
	}
	fa, errA := json.Number(na).Float64()
	fb, errB := json.Number(nb).Float64()
	if errA != nil || errB != nil {
		return false, true
	}
	return fa == fb, true
}

func numberText(v interface{}) (string, bool) {
	switch t := v.(type) {
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

// InferType classifies a value. It never panics and falls back to "unknown".
func InferType(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return FieldTypeNull
	case bool:
		return FieldTypeBoolean
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return FieldTypeNumber
	case string:
		if isoDatePrefix.MatchString(t) {
			return FieldTypeDate
		}
		return FieldTypeString
	case time.Time:
		return FieldTypeDate
	case []interface{}:
		return FieldTypeArray
	case map[string]interface{}, Record:
		return FieldTypeJSON
	}
	return FieldTypeUnknown
}

// Normalize coerces v into one of the JSON shapes so equality and type inference are total.
// Values that cannot be encoded are kept as-is and will infer as "unknown".
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, bool, float64, json.Number, string:
		return t
	case Record:
		return Normalize(map[string]interface{}(t))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out, err := decodeJSON(data)
	if err != nil {
		return v
	}
	return out
}

// decodeJSON decodes data keeping numbers as json.Number.
func decodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Serialize renders a value as text for storage. Strings are stored verbatim, everything else as
// JSON; nil stays absent.
func Serialize(v interface{}) *string {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// ToEntityChanges converts differ output into change rows. The change type is derived from
// which side of the pair is present.
func ToEntityChanges(changes []FieldChange) []models.AuditEntityChange {
	rows := make([]models.AuditEntityChange, 0, len(changes))
	for _, c := range changes {
		oldValue := Serialize(c.OldValue)
		newValue := Serialize(c.NewValue)
		rows = append(rows, models.AuditEntityChange{
			FieldName:   c.Field,
			FieldType:   c.Type,
			OldValue:    oldValue,
			NewValue:    newValue,
			ChangeType:  models.DeriveChangeType(oldValue, newValue),
			IsSensitive: c.IsSensitive,
		})
	}
	return rows
}

func sortedKeys(rec Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

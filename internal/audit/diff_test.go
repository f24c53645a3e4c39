package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/casedesk/casedesk/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// ForUpdate
// ---------------------------------------------------------------------------

func TestForUpdate_SingleModifiedField(t *testing.T) {
	old := Record{"name": "Alice", "active": true}
	candidate := Record{"name": "Alice", "active": false}

	changes := ForUpdate(old, candidate)
	require.Len(t, changes, 1)
	assert.Equal(t, "active", changes[0].Field)
	assert.Equal(t, true, changes[0].OldValue)
	assert.Equal(t, false, changes[0].NewValue)
	assert.Equal(t, FieldTypeBoolean, changes[0].Type)

	rows := ToEntityChanges(changes)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ChangeModified, rows[0].ChangeType)
	assert.Equal(t, "true", *rows[0].OldValue)
	assert.Equal(t, "false", *rows[0].NewValue)
}

func TestForUpdate_NoOpIsEmpty(t *testing.T) {
	old := Record{"title": "Fix bug", "tags": []interface{}{"a", "b"}, "meta": map[string]interface{}{"x": 1.0}}
	candidate := Record{"title": "Fix bug", "tags": []interface{}{"a", "b"}, "meta": map[string]interface{}{"x": 1}}

	assert.Empty(t, ForUpdate(old, candidate))
}

func TestForUpdate_OnlyCandidateKeysReported(t *testing.T) {
	old := Record{"title": "a", "status": "open", "priority": 1.0}
	candidate := Record{"status": "closed"}

	changes := ForUpdate(old, candidate)
	require.Len(t, changes, 1)
	assert.Equal(t, "status", changes[0].Field)
}

func TestForUpdate_Completeness(t *testing.T) {
	old := Record{"a": 1, "b": "x", "c": []interface{}{1.0}, "d": nil, "e": true}
	candidate := Record{"a": 2, "b": "x", "c": []interface{}{1.0, 2.0}, "d": "now set", "e": nil, "f": "new"}

	changes := ForUpdate(old, candidate)
	fields := make(map[string]int)
	for _, c := range changes {
		fields[c.Field]++
	}
	assert.Equal(t, map[string]int{"a": 1, "c": 1, "d": 1, "e": 1, "f": 1}, fields)

	byField := make(map[string]models.AuditEntityChange)
	for _, row := range ToEntityChanges(changes) {
		byField[row.FieldName] = row
	}
	assert.Equal(t, models.ChangeModified, byField["a"].ChangeType)
	assert.Equal(t, models.ChangeAdded, byField["d"].ChangeType)
	assert.Equal(t, models.ChangeRemoved, byField["e"].ChangeType)
	assert.Equal(t, models.ChangeAdded, byField["f"].ChangeType)
}

func TestForUpdate_DeterministicOrder(t *testing.T) {
	candidate := Record{"zeta": 1, "alpha": 2, "mid": 3}
	changes := ForUpdate(Record{}, candidate)
	require.Len(t, changes, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{changes[0].Field, changes[1].Field, changes[2].Field})
}

// ---------------------------------------------------------------------------
// ForCreate / ForDelete
// ---------------------------------------------------------------------------

func TestForCreate(t *testing.T) {
	changes := ForCreate(Record{"title": "Fix bug", "priorityId": "p1", "dueDate": nil})
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Nil(t, c.OldValue)
		assert.NotNil(t, c.NewValue)
	}
	for _, row := range ToEntityChanges(changes) {
		assert.Equal(t, models.ChangeAdded, row.ChangeType)
		assert.Nil(t, row.OldValue)
	}
}

func TestForDelete(t *testing.T) {
	changes := ForDelete(Record{"id": "c-1", "title": "Case", "closedAt": nil})
	require.Len(t, changes, 2)
	for _, row := range ToEntityChanges(changes) {
		assert.Equal(t, models.ChangeRemoved, row.ChangeType)
		assert.Nil(t, row.NewValue)
	}
}

func TestForCreate_FlagsSensitiveFields(t *testing.T) {
	changes := ForCreate(Record{"email": "a@b.c", "password_hash": "xyz"})
	require.Len(t, changes, 2)
	assert.False(t, changes[0].IsSensitive)
	assert.True(t, changes[1].IsSensitive)
}

// ---------------------------------------------------------------------------
// InferType
// ---------------------------------------------------------------------------

func TestInferType(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"bool", true, FieldTypeBoolean},
		{"float", 1.5, FieldTypeNumber},
		{"int", 3, FieldTypeNumber},
		{"date", "2024-03-01T10:00:00Z", FieldTypeDate},
		{"plain date", "2024-03-01", FieldTypeDate},
		{"string", "hello", FieldTypeString},
		{"almost date", "2024-3-1", FieldTypeString},
		{"array", []interface{}{1.0}, FieldTypeArray},
		{"object", map[string]interface{}{"a": 1.0}, FieldTypeJSON},
		{"nil", nil, FieldTypeNull},
		{"time", time.Now(), FieldTypeDate},
		{"func", func() {}, FieldTypeUnknown},
		{"channel", make(chan int), FieldTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferType(tt.in))
		})
	}
}

func TestUnknownShapesDoNotBlockDiffing(t *testing.T) {
	fn := func() {}
	assert.NotPanics(t, func() {
		changes := ForUpdate(Record{"callback": nil}, Record{"callback": fn})
		require.Len(t, changes, 1)
		assert.Equal(t, FieldTypeUnknown, changes[0].Type)
		rows := ToEntityChanges(changes)
		assert.Nil(t, rows[0].NewValue)
	})
}

// ---------------------------------------------------------------------------
// Serialize / Normalize
// ---------------------------------------------------------------------------

func TestSerialize(t *testing.T) {
	assert.Nil(t, Serialize(nil))
	assert.Equal(t, "plain", *Serialize("plain"))
	assert.Equal(t, "42", *Serialize(42.0))
	assert.Equal(t, `{"a":[1,2]}`, *Serialize(map[string]interface{}{"a": []interface{}{1.0, 2.0}}))
}

func TestNormalize_StructsBecomeObjects(t *testing.T) {
	type priority struct {
		Level int `json:"level"`
	}
	got := Normalize(priority{Level: 2})
	assert.Equal(t, map[string]interface{}{"level": json.Number("2")}, got)
	assert.Equal(t, json.Number("7"), Normalize(int64(7)))
}

func TestParseRecord_KeepsLargeIntegers(t *testing.T) {
	rec := ParseRecord([]byte(`{"data":{"id":9007199254740993,"title":"Big"}}`))
	require.NotNil(t, rec)

	ref, ok := EntityFromResponse([]byte(`{"data":{"id":9007199254740993,"title":"Big"}}`))
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", ref.ID)
	assert.Equal(t, "Big", ref.Name)

	assert.Nil(t, ParseRecord([]byte(`[1,2]`)))
	assert.Nil(t, ParseRecord([]byte(`not json`)))
}

func TestForUpdate_LargeIntegerFields(t *testing.T) {
	old := Record{"externalRef": json.Number("9007199254740992"), "hours": 2.0}
	candidate := ParseRecord([]byte(`{"externalRef":9007199254740993,"hours":2}`))

	changes := ForUpdate(old, candidate)
	require.Len(t, changes, 1)
	assert.Equal(t, "externalRef", changes[0].Field)
	assert.Equal(t, json.Number("9007199254740993"), changes[0].NewValue)
	assert.Equal(t, FieldTypeNumber, changes[0].Type)
	assert.Equal(t, "9007199254740993", *Serialize(changes[0].NewValue))
}

func TestEqual_Numbers(t *testing.T) {
	tests := []struct {
		name string
		a, b interface{}
		want bool
	}{
		{"same number text", json.Number("3"), json.Number("3"), true},
		{"number and float", json.Number("3"), 3.0, true},
		{"decimal forms", json.Number("2.50"), 2.5, true},
		{"large ints differ", json.Number("9007199254740993"), json.Number("9007199254740992"), false},
		{"number and string", json.Number("3"), "3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

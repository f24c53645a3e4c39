package audit

import "testing"

func TestEntityFromResponse(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantOK bool
		wantID string
		label  string
	}{
		{"data envelope", `{"data":{"id":"c1","title":"Smith v. Jones"}}`, true, "c1", "Smith v. Jones"},
		{"bare body", `{"id":"u1","fullName":"Bob Lee","email":"bob@x.io"}`, true, "u1", "Bob Lee"},
		{"numeric id", `{"id":42,"caseNumber":"2026-001"}`, true, "42", "2026-001"},
		{"name before email", `{"id":"r1","email":"a@b.c","name":"Admins"}`, true, "r1", "Admins"},
		{"no label", `{"id":"t9","done":true}`, true, "t9", "ID: t9"},
		{"no id", `{"data":{"title":"x"}}`, false, "", ""},
		{"array body", `[{"id":"1"}]`, false, "", ""},
		{"empty", ``, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := EntityFromResponse([]byte(tt.body))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ref.ID != tt.wantID || ref.Name != tt.label {
				t.Errorf("ref = %+v, want {%s %s}", ref, tt.wantID, tt.label)
			}
		})
	}
}

func TestErrorFromResponse(t *testing.T) {
	if got := ErrorFromResponse([]byte(`{"error":"case not found"}`)); got != "case not found" {
		t.Errorf("got %q", got)
	}
	if got := ErrorFromResponse([]byte(`{"message":"validation failed"}`)); got != "validation failed" {
		t.Errorf("got %q", got)
	}
	if got := ErrorFromResponse([]byte(`not json`)); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

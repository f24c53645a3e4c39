package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrations_Paired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %q", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
}

func TestMigrations_ChangesCascade(t *testing.T) {
	data, err := fs.ReadFile(migrationsFS, "migrations/000001_create_audit_tables.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "ON DELETE CASCADE") {
		t.Error("audit_entity_changes must cascade with audit_logs")
	}
}

func TestRunMigrations_InvalidDirection(t *testing.T) {
	if err := RunMigrations(nil, "sideways"); err == nil {
		t.Error("expected error for invalid direction")
	}
}

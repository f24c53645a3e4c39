package audit

import "testing"

func TestNewContext_WithIdentity(t *testing.T) {
	ctx := NewContext(RequestInfo{
		Path:      "/api/v1/cases/12",
		Method:    "PUT",
		RemoteIP:  "192.168.1.4",
		UserAgent: "curl/8.0",
		SessionID: "sess-1",
		RequestID: "req-9",
	}, &Identity{UserID: "u-7", Email: "bob@example.com", Name: "Bob", Role: "paralegal"})

	if ctx.UserID == nil || *ctx.UserID != "u-7" {
		t.Errorf("UserID = %v, want u-7", ctx.UserID)
	}
	if ctx.UserEmail != "bob@example.com" || ctx.UserRole != "paralegal" {
		t.Errorf("unexpected actor: %+v", ctx)
	}
	if ctx.Module != "cases" {
		t.Errorf("Module = %q, want cases", ctx.Module)
	}
	if ctx.IPAddress != "192.168.1.4" {
		t.Errorf("IPAddress = %q", ctx.IPAddress)
	}
	if ctx.RequestMethod != "PUT" || ctx.RequestPath != "/api/v1/cases/12" || ctx.RequestID != "req-9" {
		t.Errorf("unexpected request fields: %+v", ctx)
	}
}

func TestNewContext_FallsBackToSystem(t *testing.T) {
	for _, id := range []*Identity{nil, {UserID: "x"}} {
		ctx := NewContext(RequestInfo{Path: "/api/v1/todos"}, id)
		if ctx.UserID != nil {
			t.Errorf("UserID = %v, want nil", *ctx.UserID)
		}
		if ctx.UserEmail != SystemUserEmail || ctx.UserName != SystemUserName || ctx.UserRole != SystemUserRole {
			t.Errorf("unexpected system actor: %+v", ctx)
		}
		if ctx.IPAddress != UnknownValue {
			t.Errorf("IPAddress = %q, want unknown", ctx.IPAddress)
		}
	}
}

func TestResolveModule(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/cases", "cases"},
		{"/api/v1/cases/42/notes", "cases"},
		{"/api/v1/cases/statuses/3", "case-settings"},
		{"/api/v1/time-entries/5", "time-tracking"},
		{"/api/v1/timers/start", "time-tracking"},
		{"/api/v1/audit-logs/export", "audit"},
		{"/api/v1/casesx", "casesx"},
		{"/api/v2/invoices/3", "invoices"},
		{"/api/invoices", "invoices"},
		{"/health/live", "live"},
		{"/", "unknown"},
		{"", "unknown"},
		{"/api/v1", "unknown"},
	}
	for _, tt := range tests {
		if got := ResolveModule(tt.path); got != tt.want {
			t.Errorf("ResolveModule(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestEntityTypeForPath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/cases/1":            "case",
		"/api/v1/cases/priorities/1": "case_priority",
		"/api/v1/time-entries":       "time_entry",
		"/api/v1/reports/monthly":    "",
	}
	for path, want := range tests {
		if got := EntityTypeForPath(path); got != want {
			t.Errorf("EntityTypeForPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name                string
		remote, xff, realIP string
		want                string
	}{
		{"direct wins", "1.1.1.1", "2.2.2.2", "3.3.3.3", "1.1.1.1"},
		{"first forwarded entry", "", " 2.2.2.2 , 4.4.4.4", "3.3.3.3", "2.2.2.2"},
		{"real ip", "", "", "3.3.3.3", "3.3.3.3"},
		{"empty forwarded entry", "", " , 4.4.4.4", "3.3.3.3", "3.3.3.3"},
		{"nothing", "", "", "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveClientIP(tt.remote, tt.xff, tt.realIP); got != tt.want {
				t.Errorf("ResolveClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// ParseLevel / NewHandler
// ---------------------------------------------------------------------------

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHandler_JSONCarriesServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, "json", "info")).Info("audit write failed", "entity_type", "case")

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if obj["msg"] != "audit write failed" {
		t.Errorf("msg = %v", obj["msg"])
	}
	if obj["service"] != "casedesk" {
		t.Errorf("service = %v, want casedesk", obj["service"])
	}
	if obj["entity_type"] != "case" {
		t.Errorf("entity_type = %v, want case", obj["entity_type"])
	}
}

func TestNewHandler_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, "text", "info")).Info("text test", "module", "todos")

	line := buf.String()
	if !strings.Contains(line, "text test") || !strings.Contains(line, "module=todos") {
		t.Errorf("unexpected text output: %q", line)
	}
}

func TestNewHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "json", "warn"))
	logger.Info("should be suppressed")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should be suppressed") {
		t.Error("Info record appeared despite warn level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("Warn record was unexpectedly suppressed")
	}
}

func TestNewHandler_DebugEnabled(t *testing.T) {
	h := NewHandler(&bytes.Buffer{}, "json", "debug")
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level should enable debug records")
	}
}

func TestSetupLogger_DoesNotPanic(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		for _, level := range []string{"debug", "info", "bogus"} {
			SetupLogger(format, level)
		}
	}
	SetupLogger("text", "error")
}

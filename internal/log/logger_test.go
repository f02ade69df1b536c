package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "text").Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "info", "json").Info("hello")
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}

	buf.Reset()
	newLogger(&buf, "error", "json").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("INFO should be filtered at ERROR level, got %q", buf.String())
	}
}

func captureJSON(t *testing.T, emit func()) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	emit()

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestContextHelpers(t *testing.T) {
	out := captureJSON(t, func() { WithComponent("ingest").Info("hello") })
	if out["component"] != "ingest" {
		t.Errorf("Expected component 'ingest', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}

	out = captureJSON(t, func() { WithSource("payments").Info("src") })
	if out["source"] != "payments" {
		t.Errorf("Expected source 'payments', got %v", out["source"])
	}

	out = captureJSON(t, func() { WithEvent("evt_1").Info("evt") })
	if out["event_id"] != "evt_1" {
		t.Errorf("Expected event_id 'evt_1', got %v", out["event_id"])
	}
}

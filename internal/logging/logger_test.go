// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context"`
}

func decode(t *testing.T, line string) logEntry {
	t.Helper()
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("Output is not valid JSON: %v (%q)", err, line)
	}
	return entry
}

// =====================================================
// Logger Creation Tests
// =====================================================

// TestInit verifies the global logger is replaced.
func TestInit(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	Info("hello")

	entry := decode(t, strings.TrimSpace(buf.String()))
	if entry.Message != "hello" {
		t.Errorf("Message = %q, want 'hello'", entry.Message)
	}
	if entry.Level != "info" {
		t.Errorf("Level = %q, want 'info'", entry.Level)
	}
	if entry.Timestamp == "" {
		t.Error("Timestamp should be set")
	}
}

// TestGet_default verifies a default logger exists without Init.
func TestGet_default(t *testing.T) {
	mu.Lock()
	global = nil
	mu.Unlock()

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil without Init()")
	}
	if logger.Level() != LevelInfo {
		t.Errorf("default level = %v, want INFO", logger.Level())
	}
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// =====================================================
// Context and Error Tests
// =====================================================

// TestLogger_contextNested verifies context fields are nested under "context".
func TestLogger_contextNested(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("run finished", map[string]interface{}{"succeeded": 3}, map[string]interface{}{"trigger": "manual"})

	entry := decode(t, strings.TrimSpace(buf.String()))
	if entry.Context["succeeded"] != float64(3) {
		t.Errorf("succeeded = %v, want 3", entry.Context["succeeded"])
	}
	if entry.Context["trigger"] != "manual" {
		t.Errorf("trigger = %v, want 'manual'", entry.Context["trigger"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("sync failed", "SYNC_FAILED", io.ErrUnexpectedEOF, map[string]interface{}{"local_id": 7})

	entry := decode(t, strings.TrimSpace(buf.String()))
	if entry.Level != "error" {
		t.Errorf("Level = %q, want 'error'", entry.Level)
	}
	if entry.Context["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code = %v, want 'SYNC_FAILED'", entry.Context["error_code"])
	}
	if entry.Context["error"] != io.ErrUnexpectedEOF.Error() {
		t.Errorf("error = %v, want %q", entry.Context["error"], io.ErrUnexpectedEOF.Error())
	}
	if entry.Context["local_id"] != float64(7) {
		t.Errorf("local_id = %v, want 7", entry.Context["local_id"])
	}
}

// =====================================================
// Level Filtering Tests
// =====================================================

// TestLogger_filtering verifies minimum level filtering.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}
	if decode(t, lines[0]).Level != "warning" {
		t.Errorf("first line should be a warning")
	}
	if decode(t, lines[1]).Level != "error" {
		t.Errorf("second line should be an error")
	}
}

// TestLogger_SetLevel verifies the level can change at runtime.
func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelError)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatal("Info() should not log at ERROR level")
	}

	logger.SetLevel(LevelDebug)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("Debug() should log after SetLevel(DEBUG)")
	}
	if logger.Level() != LevelDebug {
		t.Errorf("Level() = %v, want DEBUG", logger.Level())
	}
}

// =====================================================
// Setup Tests
// =====================================================

// TestSetup_rotatedFile verifies the lumberjack file receives entries.
func TestSetup_rotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posync.log")
	var buf bytes.Buffer

	closer := Setup(Options{Level: LevelInfo, File: path, MaxSizeMB: 1, Out: &buf})
	Info("to file and buffer")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "to file and buffer") {
		t.Errorf("log file missing entry, got %q", string(data))
	}
	if !strings.Contains(buf.String(), "to file and buffer") {
		t.Errorf("buffer missing entry, got %q", buf.String())
	}
}

// TestSetup_noFile verifies Setup without a file returns a harmless closer.
func TestSetup_noFile(t *testing.T) {
	var buf bytes.Buffer
	closer := Setup(Options{Level: LevelDebug, Out: &buf})
	Debug("debug enabled")
	if err := closer.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
	if !strings.Contains(buf.String(), "debug enabled") {
		t.Error("Setup() should honor the DEBUG level")
	}
}

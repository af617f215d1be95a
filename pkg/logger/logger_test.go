package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var console bytes.Buffer
	l := New(Options{Dir: t.TempDir(), Console: &console})
	if l == nil {
		t.Fatal("Expected logger to be created, got nil")
	}

	l.Info("Test info message", "TEST")
	l.Warn("Test warning message", "TEST")
	l.Debug("Test debug message", "TEST")
	l.System("Test system message", "TEST")
	l.Success("Test success message", "TEST")
	l.Close()

	out := console.String()
	for _, want := range []string{"INFO", "WARN", "DEBUG", "SYSTEM", "SUCCESS", "[TEST]: Test info message"} {
		if !strings.Contains(out, want) {
			t.Errorf("console output missing %q:\n%s", want, out)
		}
	}
}

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelCritical, "CRITICAL"},
		{LevelError, "ERROR"},
		{LevelWarn, "WARN"},
		{LevelSuccess, "SUCCESS"},
		{LevelInfo, "INFO"},
		{LevelDebug, "DEBUG"},
		{LevelSystem, "SYSTEM"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLogLevelColor(t *testing.T) {
	levels := []LogLevel{LevelCritical, LevelError, LevelWarn, LevelSuccess, LevelInfo, LevelDebug, LevelSystem}

	for _, level := range levels {
		t.Run(level.String(), func(t *testing.T) {
			if level.Color() == "" {
				t.Error("Expected color to be non-empty")
			}
		})
	}
}

func TestLogFileCreation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	l := New(Options{Dir: dir, Console: &bytes.Buffer{}})
	l.Info("only combined", "TEST")
	l.Error("in both files", "TEST")
	l.Close()

	combined, err := os.ReadFile(filepath.Join(dir, "combined.log"))
	if err != nil {
		t.Fatalf("Expected combined.log to be created: %v", err)
	}
	errorLog, err := os.ReadFile(filepath.Join(dir, "error.log"))
	if err != nil {
		t.Fatalf("Expected error.log to be created: %v", err)
	}

	if !strings.Contains(string(combined), "only combined") || !strings.Contains(string(combined), "in both files") {
		t.Errorf("combined.log missing entries:\n%s", combined)
	}
	if strings.Contains(string(errorLog), "only combined") {
		t.Error("error.log should not contain info entries")
	}
	if !strings.Contains(string(errorLog), "in both files") {
		t.Error("error.log should contain error entries")
	}
	if strings.Contains(string(combined), "\033[") {
		t.Error("file output should not contain color codes")
	}
}

func TestLevelFiltering(t *testing.T) {
	var console bytes.Buffer
	l := New(Options{Dir: t.TempDir(), Level: "warn", Console: &console})
	defer l.Close()

	l.Debug("hidden debug", "TEST")
	l.Info("hidden info", "TEST")
	l.Warn("visible warn", "TEST")

	out := console.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("entries below the minimum level were written:\n%s", out)
	}
	if !strings.Contains(out, "visible warn") {
		t.Error("warn entry should be written")
	}
}

func TestWithFields(t *testing.T) {
	var console bytes.Buffer
	l := New(Options{Dir: t.TempDir(), Console: &console})
	defer l.Close()

	l.WithFields(Fields{"user": int64(42)}).Info("claimed", "Cooldown")

	if !strings.Contains(console.String(), "user=42") {
		t.Errorf("expected structured field in output, got %q", console.String())
	}
}

func TestGlobalLoggerInit(t *testing.T) {
	logger = nil
	once = sync.Once{}

	l := Init(Options{Dir: t.TempDir(), Console: &bytes.Buffer{}})
	if l == nil {
		t.Fatal("Expected Init to return a logger")
	}

	l2 := Init(Options{Dir: "different"})
	if l != l2 {
		t.Error("Expected Init to return the same logger on subsequent calls")
	}

	if l3 := Get(); l != l3 {
		t.Error("Expected Get to return the same logger")
	}

	l.Close()
}

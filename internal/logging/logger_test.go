package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if got := parseLevel(input); got != expected {
			t.Fatalf("parseLevel(%q) = %s, expected %s", input, got, expected)
		}
	}
}

func TestNewLoggerWritesToRotatingFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cookiesync.log")
	logger, err := NewLogger(Options{Level: "warn", FilePath: logPath, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	logger.Info("below threshold")
	logger.Warn("cookie cache write failed")
	_ = logger.Sync()

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(contents), "cookie cache write failed") {
		t.Fatalf("expected warn entry in log file, got %q", contents)
	}
	if strings.Contains(string(contents), "below threshold") {
		t.Fatalf("expected info entry to be filtered, got %q", contents)
	}
}

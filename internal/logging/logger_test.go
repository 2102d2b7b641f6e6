// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger writes JSON with the ts key to the chosen output.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "watchdog.log")
	logger, err := New(false, WithLevel("warn"), WithOutputPaths(out))
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	logger.Info("dropped below level")
	logger.Warn("stale mount")
	_ = logger.Sync()

	data, err := os.ReadFile(out) // #nosec G304 -- test temp file
	if err != nil {
		t.Fatalf("read log output: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "dropped below level") {
		t.Fatalf("info line should be filtered at warn level: %s", text)
	}
	if !strings.Contains(text, `"msg":"stale mount"`) || !strings.Contains(text, `"ts":`) {
		t.Fatalf("expected JSON line with ts key, got %s", text)
	}
}

// TestNewRejectsBadLevel surfaces invalid levels instead of silently defaulting.
func TestNewRejectsBadLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(false, WithLevel("loud")); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxseedlab/fieldsync/internal/config"
)

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.log")
	logger, closer := New(&config.Config{Env: "production", LogFile: path})

	logger.Info("interview saved offline", "record_id", "rec-1")
	logger.Debug("hidden in production")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %s", len(lines), b)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "interview saved offline" || entry["record_id"] != "rec-1" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNew_DevelopmentEnablesDebug(t *testing.T) {
	logger, closer := New(&config.Config{Env: "development"})
	defer closer.Close()
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("development logger must emit debug records")
	}
}

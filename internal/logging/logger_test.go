package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quiz-session-service/internal/config"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "quiz.log")
	log, err := New(config.Logging{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Info("room finalized")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"room finalized"`) {
		t.Fatalf("expected json entry, got %s", data)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.Logging{Level: "chatty"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

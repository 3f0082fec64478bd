package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_JSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ftpfs.log")
	logger, err := New(Config{Level: "debug", Format: "json", OutputPath: out})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("listing", zap.String("path", "/in"))
	_ = logger.Sync()

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(b))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", b)
	}
	if entry["msg"] != "listing" || entry["path"] != "/in" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNew_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"", zapcore.InfoLevel},
		{"loud", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		logger, err := New(Config{Level: tt.level, Format: "console", OutputPath: filepath.Join(t.TempDir(), "x.log")})
		if err != nil {
			t.Fatalf("New(%q) error = %v", tt.level, err)
		}
		if !logger.Core().Enabled(tt.want) {
			t.Errorf("level %q: %v not enabled", tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Errorf("level %q: %v enabled", tt.level, tt.want-1)
		}
	}
}

func TestNew_BadOutput(t *testing.T) {
	_, err := New(Config{OutputPath: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	if err == nil {
		t.Fatal("expected an error for an unwritable output path")
	}
}

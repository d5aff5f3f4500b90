package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		level string
		wantD bool
	}{
		{"debug", true},
		{"DEBUG", true},
		{"info", false},
		{"warn", false},
		{"error", false},
		{"", false}, // default info
	}
	for _, tt := range tests {
		log := New(tt.level)
		if log == nil {
			t.Fatalf("logger.New(%q) returned nil", tt.level)
		}
		enabled := log.Enabled(context.Background(), slog.LevelDebug)
		if enabled != tt.wantD {
			t.Fatalf("level %q debug enabled=%v want %v", tt.level, enabled, tt.wantD)
		}
	}
}

func TestRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "info")
	log.Info("login", "username", "alice", "password", "hunter2", "token", "eyJabc", "api_key", "key_123")

	out := buf.String()
	for _, secret := range []string{"hunter2", "eyJabc", "key_123"} {
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q leaked: %s", secret, out)
		}
	}
	if !strings.Contains(out, "username=alice") {
		t.Fatalf("expected username in output: %s", out)
	}
}

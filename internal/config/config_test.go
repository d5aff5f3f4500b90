package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const baseYAML = `
control:
  base_url: "http://localhost:5000/api"
  app_id: "app-1"
  tls_insecure: false

tunnel:
  config_id: "cfg-1"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, baseYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Report.FlushIntervalSec != 30 || cfg.Report.FlushBytes != 1<<20 || cfg.Report.MaxRetries != 3 {
		t.Fatalf("unexpected report defaults: %+v", cfg.Report)
	}
	if cfg.ShutdownTimeout() != 5*time.Second {
		t.Fatalf("expected 5s shutdown timeout, got %s", cfg.ShutdownTimeout())
	}
	if cfg.Tunnel.ReadBufferBytes != DefaultReadBufferBytes {
		t.Fatalf("expected read buffer %d, got %d", DefaultReadBufferBytes, cfg.Tunnel.ReadBufferBytes)
	}
	if cfg.Session.Backend != "sqlite" || cfg.Session.Path != DefaultSessionPath {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Report.Application != DefaultApplication {
		t.Fatalf("expected application %s, got %s", DefaultApplication, cfg.Report.Application)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, baseYAML+`
report:
  flush_interval_sec: 5
  flush_bytes: 2048
session:
  backend: keyring
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FlushInterval() != 5*time.Second || cfg.Report.FlushBytes != 2048 {
		t.Fatalf("overrides ignored: %+v", cfg.Report)
	}
	if cfg.Session.Backend != "keyring" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected values: %+v %+v", cfg.Session, cfg.Logging)
	}
}

func TestLoadMissingFields(t *testing.T) {
	path := writeConfig(t, `
control: {}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing fields")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, baseYAML+`
session:
  backend: redis
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown session backend")
	}
}

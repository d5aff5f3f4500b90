package agentsetup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/najahiiii/tunnel-client/internal/config"
)

func TestUpdateControlCreatesFromSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	insecure := true

	err := UpdateControl(UpdateControlOptions{
		ConfigPath:  path,
		BaseURL:     "https://cp.example.com/api",
		AppID:       "3",
		TLSInsecure: &insecure,
	})
	if err != nil {
		t.Fatalf("UpdateControl: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Control.BaseURL != "https://cp.example.com/api" || cfg.Control.AppID != "3" || !cfg.Control.TLSInsecure {
		t.Fatalf("control %+v", cfg.Control)
	}
	if cfg.Session.Backend != "sqlite" || cfg.Report.Application != "tunnel-client" {
		t.Fatalf("sample values lost: %+v %+v", cfg.Session, cfg.Report)
	}

	if err := UpdateControl(UpdateControlOptions{ConfigPath: path, APIKey: "key-1"}); err != nil {
		t.Fatalf("second UpdateControl: %v", err)
	}
	cfg, err = config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Control.APIKey != "key-1" || cfg.Control.AppID != "3" {
		t.Fatalf("control after update %+v", cfg.Control)
	}
}

func TestUpdateControlNothingToDo(t *testing.T) {
	if err := UpdateControl(UpdateControlOptions{ConfigPath: filepath.Join(t.TempDir(), "c.yaml")}); err == nil {
		t.Fatal("expected error with no fields")
	}
}

func TestInstallKeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	svcPath := filepath.Join(dir, "unit", "tunnel-client.service")
	if err := os.WriteFile(cfgPath, []byte("control:\n  base_url: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := Install(context.Background(), Options{ConfigPath: cfgPath, ServicePath: svcPath, NoSystemd: true})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	got, _ := os.ReadFile(cfgPath)
	if string(got) != "control:\n  base_url: x\n" {
		t.Fatalf("existing config overwritten: %q", got)
	}
	unit, err := os.ReadFile(svcPath)
	if err != nil || len(unit) == 0 {
		t.Fatalf("unit not written: %v", err)
	}
}

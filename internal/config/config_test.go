package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConstantsConsistent(t *testing.T) {
	// The fast probe must be quicker than the thorough probe or the
	// naming is a lie.
	if FastProbeTimeout >= ThoroughProbeTimeout {
		t.Errorf("FastProbeTimeout (%v) should be less than ThoroughProbeTimeout (%v)",
			FastProbeTimeout, ThoroughProbeTimeout)
	}

	// Async scans tolerate more concurrency than inline request scans.
	if ScanConcurrency > AsyncScanConcurrency {
		t.Errorf("ScanConcurrency (%d) should not exceed AsyncScanConcurrency (%d)",
			ScanConcurrency, AsyncScanConcurrency)
	}

	// A worker pass must fit comfortably inside the pass interval.
	if SnapshotTTL >= AutoReplaceInterval {
		t.Errorf("SnapshotTTL (%v) should be less than AutoReplaceInterval (%v)",
			SnapshotTTL, AutoReplaceInterval)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Audit.LogDir != "replace-logs" {
		t.Errorf("LogDir = %q", cfg.Audit.LogDir)
	}
	if cfg.DeviceAPI.Timeout.Std() != DeviceAPITimeout {
		t.Errorf("DeviceAPI.Timeout = %v", cfg.DeviceAPI.Timeout)
	}
	if cfg.AutoReplace.Interval.Std() != AutoReplaceInterval {
		t.Errorf("AutoReplace.Interval = %v", cfg.AutoReplace.Interval)
	}
}

func TestLoadYAML(t *testing.T) {
	content := `
server:
  port: 9090
  api_token_hash: $2a$10$abc
database:
  url: postgres://db.internal:5432/proxymon
redis:
  url: redis://cache.internal:6379/1
device_api:
  url: https://devices.internal/api/v1
  token: dmg_test
  timeout: 15s
audit:
  log_dir: /tmp/replace-logs
auto_replace:
  interval: 5m
  start_on_boot: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Server.APITokenHash != "$2a$10$abc" {
		t.Errorf("APITokenHash = %q", cfg.Server.APITokenHash)
	}
	if cfg.Database.URL != "postgres://db.internal:5432/proxymon" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.DeviceAPI.Timeout.Std() != 15*time.Second {
		t.Errorf("DeviceAPI.Timeout = %v", cfg.DeviceAPI.Timeout)
	}
	if cfg.AutoReplace.Interval.Std() != 5*time.Minute {
		t.Errorf("AutoReplace.Interval = %v", cfg.AutoReplace.Interval)
	}
	if !cfg.AutoReplace.StartOnBoot {
		t.Error("StartOnBoot = false")
	}
}

func TestLoadLeavesUnsetFieldsForDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  url: postgres://x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	// Load keeps unset fields zero so overrides can be layered first.
	if cfg.Server.Port != 0 {
		t.Errorf("Port = %d, want 0 before ApplyDefaults", cfg.Server.Port)
	}

	cfg.ApplyDefaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://x" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

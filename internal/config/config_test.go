package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Upstream.MaxAttempts != 3 {
		t.Errorf("default max attempts = %d, want 3", cfg.Upstream.MaxAttempts)
	}
	if cfg.Upstream.RetryDelaySeconds != 5 {
		t.Errorf("default retry delay = %d, want 5", cfg.Upstream.RetryDelaySeconds)
	}
	if cfg.Upload.MaxBytes != 100*1024*1024 {
		t.Errorf("default upload ceiling = %d, want 100 MiB", cfg.Upload.MaxBytes)
	}
}

func TestLoad_ProcessScopedIdentity(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Upstream.DeviceID == "" || cfg.Upstream.WebID == "" || cfg.Upstream.TeaUUID == "" {
		t.Error("device/web/tea identifiers must be generated when unset")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "server:\n  port: 9000\nupstream:\n  host: from-file.example.com\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LARK_UPSTREAM__HOST", "from-env.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("file port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Upstream.Host != "from-env.example.com" {
		t.Errorf("env should override file, got host %s", cfg.Upstream.Host)
	}
}

func TestLoad_UnderscoreKeysFromEnv(t *testing.T) {
	t.Setenv("LARK_UPSTREAM__MAX_ATTEMPTS", "7")
	t.Setenv("LARK_STORAGE__SQLITE_PATH", "/tmp/interactions.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.MaxAttempts != 7 {
		t.Errorf("max attempts = %d, want 7", cfg.Upstream.MaxAttempts)
	}
	if cfg.Storage.SQLitePath != "/tmp/interactions.db" {
		t.Errorf("sqlite path = %q", cfg.Storage.SQLitePath)
	}
}

func TestLoad_ConfiguredIdentityPreserved(t *testing.T) {
	t.Setenv("LARK_UPSTREAM__DEVICE_ID", "device-123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.DeviceID != "device-123" {
		t.Errorf("configured device id overwritten: %s", cfg.Upstream.DeviceID)
	}
}

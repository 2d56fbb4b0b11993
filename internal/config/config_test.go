package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Listen.Port != 5433 {
		t.Errorf("default listen port = %d, want 5433", cfg.Listen.Port)
	}
	if cfg.Master.Host != "localhost" || cfg.Master.Port != 5432 {
		t.Errorf("default master = %s:%d, want localhost:5432", cfg.Master.Host, cfg.Master.Port)
	}
	if cfg.Admin.Enabled {
		t.Errorf("admin server should default to disabled")
	}
}

func TestMasterAddrAndListenAddr(t *testing.T) {
	cfg := Config{
		Listen: ListenConfig{Host: "0.0.0.0", Port: 5433},
		Master: MasterConfig{Host: "primary.internal", Port: 5432},
	}
	if got := cfg.Master.MasterAddr(); got != "primary.internal:5432" {
		t.Errorf("MasterAddr() = %q", got)
	}
	if got := cfg.Listen.ListenAddr(); got != "0.0.0.0:5433" {
		t.Errorf("ListenAddr() = %q", got)
	}
}

func TestLoad_FromTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[listen]
host = "127.0.0.1"
port = 6000

[master]
host = "primary.example.com"
port = 5555

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Host != "127.0.0.1" || cfg.Listen.Port != 6000 {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.Master.Host != "primary.example.com" || cfg.Master.Port != 5555 {
		t.Errorf("master = %+v", cfg.Master)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[master]\nhost = \"from-file\"\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("WALBOUNCER_MASTER_HOST", "from-env")
	t.Setenv("WALBOUNCER_MASTER_PORT", "5501")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Master.Host != "from-env" {
		t.Errorf("master host = %q, want env override to win", cfg.Master.Host)
	}
	if cfg.Master.Port != 5501 {
		t.Errorf("master port = %d, want 5501", cfg.Master.Port)
	}
}

func TestValidate_AllValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Config{
		Listen:  ListenConfig{Host: "", Port: 0},
		Master:  MasterConfig{Host: "", Port: 99999},
		Logging: LoggingConfig{Format: "xml"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	errStr := err.Error()
	for _, want := range []string{
		"listen host is required",
		"listen port 0 out of range",
		"master host is required",
		"master port 99999 out of range",
		`unknown logging format "xml"`,
	} {
		if !strings.Contains(errStr, want) {
			t.Errorf("Validate() error %q missing %q", errStr, want)
		}
	}
}

func TestValidate_AdminPortOnlyCheckedWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Admin.Port = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled admin server with port 0 should be valid, got %v", err)
	}
	cfg.Admin.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("enabled admin server with port 0 should be invalid")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

server:
  listen: ":5075"

auth:
  plugin: anonymous
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ServerPort != 5075 {
		t.Errorf("expected default server_port 5075, got %d", cfg.Server.ServerPort)
	}
	if cfg.Server.BroadcastPort != 5076 {
		t.Errorf("expected default broadcast_port 5076, got %d", cfg.Server.BroadcastPort)
	}
	if cfg.Server.BeaconPeriod != 15*time.Second {
		t.Errorf("expected default beacon_period 15s, got %v", cfg.Server.BeaconPeriod)
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("expected no error loading default config, got: %v", err)
	}
	if cfg.Server.ServerPort != 5075 {
		t.Errorf("expected default server_port 5075, got %d", cfg.Server.ServerPort)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := "logging:\n  level: INFO\n  invalid yaml here [[[\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected error with invalid YAML, got nil")
	}
}

func TestLoadRejectsInvalidAuthPlugin(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := "auth:\n  plugin: kerberos-v4\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected validation error for unknown auth plugin")
	}
}

func TestLoadBeaconPeriodFromDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := "server:\n  listen: \":5075\"\n  beacon_period: 5s\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.BeaconPeriod != 5*time.Second {
		t.Errorf("expected beacon_period 5s, got %v", cfg.Server.BeaconPeriod)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Auth.Plugin != "anonymous" {
		t.Errorf("expected default auth plugin 'anonymous', got %q", cfg.Auth.Plugin)
	}
	if cfg.Client.SearchTimeout != 5*time.Second {
		t.Errorf("expected default client search_timeout 5s, got %v", cfg.Client.SearchTimeout)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestLoadEnvironmentVariables(t *testing.T) {
	_ = os.Setenv("PVACCESS_LOGGING_LEVEL", "ERROR")
	_ = os.Setenv("PVACCESS_SERVER_SERVER_PORT", "6075")
	defer func() {
		_ = os.Unsetenv("PVACCESS_LOGGING_LEVEL")
		_ = os.Unsetenv("PVACCESS_SERVER_SERVER_PORT")
	}()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := "server:\n  listen: \":5075\"\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Server.ServerPort != 6075 {
		t.Errorf("expected server_port 6075 from env var, got %d", cfg.Server.ServerPort)
	}
}

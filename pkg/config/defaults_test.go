package config

import (
	"testing"
	"time"
)

func TestApplyDefaultsLogging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaultsServer(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.ListenAddr != ":5075" {
		t.Errorf("expected default listen ':5075', got %q", cfg.Server.ListenAddr)
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

func TestApplyDefaultsMetricsOnlyWhenEnabled(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Metrics.Addr != "" {
		t.Errorf("expected no metrics addr default when disabled, got %q", cfg.Metrics.Addr)
	}

	cfg = &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("expected default metrics addr ':9090', got %q", cfg.Metrics.Addr)
	}
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "DEBUG",
			Format: "json",
			Output: "/var/log/pvaserver.log",
		},
		Server: ServerConfig{
			ServerPort:    6075,
			BroadcastPort: 6076,
		},
	}

	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected explicit level 'DEBUG' preserved, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected explicit format 'json' preserved, got %q", cfg.Logging.Format)
	}
	if cfg.Server.ServerPort != 6075 {
		t.Errorf("expected explicit server_port preserved, got %d", cfg.Server.ServerPort)
	}
	if cfg.Server.BroadcastPort != 6076 {
		t.Errorf("expected explicit broadcast_port preserved, got %d", cfg.Server.BroadcastPort)
	}
}

func TestGetDefaultConfigIsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should be valid, got error: %v", err)
	}
}

func TestGetDefaultConfigHasRequiredFields(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level == "" {
		t.Error("default config missing logging level")
	}
	if cfg.Server.ListenAddr == "" {
		t.Error("default config missing server listen address")
	}
	if cfg.Auth.Plugin == "" {
		t.Error("default config missing auth plugin")
	}
}

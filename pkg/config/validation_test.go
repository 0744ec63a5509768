package config

import (
	"strings"
	"testing"
)

func TestValidateValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidateInvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for invalid log format")
	}
}

func TestValidateServerPortOutOfRange(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.ServerPort = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for port out of range")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("expected 'max' validation error, got: %v", err)
	}
}

func TestValidateMissingListenAddr(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.ListenAddr = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing listen address")
	}
}

func TestValidateMetricsEnabledWithoutAddr(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for metrics enabled without addr")
	}
}

func TestValidateUnknownAuthPlugin(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Auth.Plugin = "ntlm"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for unknown auth plugin")
	}
}

func TestValidateLogLevelNormalization(t *testing.T) {
	for _, level := range []string{"info", "INFO", "debug", "DEBUG", "warn", "WARN", "error", "ERROR"} {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level

		if err := Validate(cfg); err != nil {
			t.Errorf("validation failed for level %q: %v", level, err)
		}
		if cfg.Logging.Level != level {
			t.Errorf("expected Validate to leave level %q untouched, got %q", level, cfg.Logging.Level)
		}
	}

	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	ApplyDefaults(cfg)
	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected ApplyDefaults to normalize 'info' to 'INFO', got %q", cfg.Logging.Level)
	}
}

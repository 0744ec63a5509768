package config

import (
	"strings"
	"time"
)

// GetDefaultConfig returns a Config with every field set to its default
// value. Used when no config file is found at all.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default strategy: zero values are replaced with defaults, explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyClientDefaults(&cfg.Client)
	applyMetricsDefaults(&cfg.Metrics)
	applyAuthDefaults(&cfg.Auth)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults per SPEC_FULL.md §6: server port
// 5075, broadcast port 5076, 15s beacon period.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":5075"
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 5075
	}
	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = 5076
	}
	if cfg.BeaconPeriod == 0 {
		cfg.BeaconPeriod = 15 * time.Second
	}
}

func applyClientDefaults(cfg *ClientConfig) {
	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = 5076
	}
	if cfg.SearchTimeout == 0 {
		cfg.SearchTimeout = 5 * time.Second
	}
}

// applyMetricsDefaults sets the metrics HTTP server's default address,
// only meaningful when Enabled is true.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
}

// applyAuthDefaults defaults to the anonymous plugin — a running server
// with no auth section configured accepts every ConnectionValidation round
// per SPEC_FULL.md §4.11's "ca" flavor.
func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.Plugin == "" {
		cfg.Plugin = "anonymous"
	}
	if cfg.GSSAPI.Krb5Conf == "" {
		cfg.GSSAPI.Krb5Conf = "/etc/krb5.conf"
	}
}

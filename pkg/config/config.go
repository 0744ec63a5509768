// Package config loads pvaserver/pvaclient configuration from layered
// sources: environment variables, a config file, and defaults.
//
// Grounded in the teacher's pkg/config: viper for file/env layering,
// mitchellh/mapstructure decode hooks for duration parsing, and
// go-playground/validator struct tags for validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration surface for pvaserver and
// pvaclient, per SPEC_FULL.md §6's cmd-line surface and §2A's layered
// configuration requirement.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (PVACCESS_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// When no configuration file is found, Load returns GetDefaultConfig()
// and environment variables are not applied.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures a pvaserver instance's listeners and beaconing.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Client configures a pvaclient instance's search behavior.
	Client ClientConfig `mapstructure:"client" yaml:"client"`

	// Metrics configures the optional Prometheus exposition server.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Auth selects and configures the AuthNZ plugin (SPEC_FULL.md §4.11).
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures a pvaserver instance.
type ServerConfig struct {
	// ListenAddr is the address the TCP request/response plane binds to.
	ListenAddr string `mapstructure:"listen" validate:"required" yaml:"listen"`

	// ServerPort is the configured well-known server port. Default: 5075.
	// It is loaded and validated here; the TCP plane binds ListenAddr and
	// the UDP plane BroadcastPort, and neither reads ServerPort.
	ServerPort int `mapstructure:"server_port" validate:"required,min=1,max=65535" yaml:"server_port"`

	// BroadcastPort is the UDP beacon/search broadcast port. Default: 5076.
	BroadcastPort int `mapstructure:"broadcast_port" validate:"required,min=1,max=65535" yaml:"broadcast_port"`

	// BeaconPeriod is the interval between unsolicited beacon broadcasts.
	// Default: 15s.
	BeaconPeriod time.Duration `mapstructure:"beacon_period" validate:"required,gt=0" yaml:"beacon_period"`

	// ProviderNames selects, in registration order, which providers this
	// server instance exposes. Empty means every registered provider.
	ProviderNames []string `mapstructure:"provider_names" yaml:"provider_names,omitempty"`
}

// ClientConfig configures a pvaclient instance's search behavior.
type ClientConfig struct {
	// BroadcastPort is the UDP port channel searches are sent to. Default: 5076.
	BroadcastPort int `mapstructure:"broadcast_port" validate:"required,min=1,max=65535" yaml:"broadcast_port"`

	// SearchTimeout is the configured client search timeout. Default: 5s.
	// It is loaded and validated here; pkg/client's search path does not
	// read it.
	SearchTimeout time.Duration `mapstructure:"search_timeout" validate:"required,gt=0" yaml:"search_timeout"`
}

// MetricsConfig configures the optional Prometheus exposition server.
// internal/metrics is instrumented regardless; Enabled only controls
// whether an HTTP endpoint is served.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true" yaml:"addr,omitempty"`
}

// AuthConfig selects and configures the AuthNZ plugin (SPEC_FULL.md §4.11).
type AuthConfig struct {
	// Plugin selects the built-in plugin: "anonymous", "gssapi", or "token".
	Plugin string `mapstructure:"plugin" validate:"required,oneof=anonymous gssapi token" yaml:"plugin"`

	GSSAPI GSSAPIConfig `mapstructure:"gssapi" yaml:"gssapi,omitempty"`
	Token  TokenConfig  `mapstructure:"token" yaml:"token,omitempty"`
}

// GSSAPIConfig configures the Kerberos AuthNZ plugin.
type GSSAPIConfig struct {
	KeytabPath       string `mapstructure:"keytab_path" yaml:"keytab_path,omitempty"`
	ServicePrincipal string `mapstructure:"service_principal" yaml:"service_principal,omitempty"`
	Krb5Conf         string `mapstructure:"krb5_conf" yaml:"krb5_conf,omitempty"`
}

// TokenConfig configures the JWT bearer-token AuthNZ plugin.
type TokenConfig struct {
	SigningKey string `mapstructure:"signing_key" yaml:"signing_key,omitempty"`
	Issuer     string `mapstructure:"issuer" yaml:"issuer,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: path to config file (empty string uses the default location)
//
// Returns the loaded, defaulted, and validated configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig writes cfg to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper's environment variable and config file search behavior.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("PVACCESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only looks up keys viper already knows, so bind each key
	// to let PVACCESS_* variables set keys the config file leaves out.
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"server.listen", "server.server_port", "server.broadcast_port",
		"server.beacon_period", "server.provider_names",
		"client.broadcast_port", "client.search_timeout",
		"metrics.enabled", "metrics.addr", "auth.plugin",
		"auth.gssapi.keytab_path", "auth.gssapi.service_principal", "auth.gssapi.krb5_conf",
		"auth.token.signing_key", "auth.token.issuer",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error); a missing file is not an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the mapstructure decode hook used to unmarshal
// viper's raw values into Config.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(durationDecodeHook())
}

// durationDecodeHook converts strings like "15s" and raw numeric
// nanosecond counts into time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, preferring
// XDG_CONFIG_HOME, then $HOME/.config, then the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pvaccess")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "pvaccess")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

var validate = validator.New()

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}

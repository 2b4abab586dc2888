package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Authentication modes accepted in auth.mode.
const (
	AuthModeSymmetricKey = "symmetric_key"
	AuthModeGroupKey     = "group_key"
	AuthModeX509         = "x509"
)

// Credential cache backends accepted in cache.backend.
const (
	CacheBackendFile   = "file"
	CacheBackendSQLite = "sqlite"
	CacheBackendBolt   = "bolt"
)

// Property value kinds accepted in properties[].kind.
const (
	PropertyKindBool   = "bool"
	PropertyKindNumber = "number"
	PropertyKindString = "string"
)

// Config is the root configuration structure for devicelink.
// All configuration is loaded from YAML and secrets can be overridden by environment variables.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Auth       AuthConfig       `yaml:"auth"`
	Transport  TransportConfig  `yaml:"transport"`
	Cache      CacheConfig      `yaml:"cache"`
	Connection ConnectionConfig `yaml:"connection"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Properties []PropertyConfig `yaml:"properties"`
	Database   DatabaseConfig   `yaml:"database"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DeviceConfig identifies the device towards the provisioning service.
type DeviceConfig struct {
	IDScope        string `yaml:"id_scope"`
	RegistrationID string `yaml:"registration_id"`
	ModelID        string `yaml:"model_id"`
}

// AuthConfig selects exactly one authentication mode and carries its material.
type AuthConfig struct {
	// Mode is one of symmetric_key, group_key or x509.
	Mode string `yaml:"mode"`

	// SymmetricKey is the base64 device primary key (symmetric_key mode).
	SymmetricKey string `yaml:"symmetric_key"`

	// GroupKey is the base64 enrollment group key (group_key mode).
	// The device key is derived from it and the registration id.
	GroupKey string `yaml:"group_key"`

	X509 X509Config `yaml:"x509"`
}

// X509Config points at the PEM files used in x509 mode.
type X509Config struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	PassPhrase string `yaml:"pass_phrase"`
}

// TransportConfig contains MQTT transport settings shared by provisioning and the hub session.
type TransportConfig struct {
	ProvisioningHost string `yaml:"provisioning_host"`
	UseWebsockets    bool   `yaml:"use_websockets"`
	QoS              int    `yaml:"qos"`
	KeepAlive        int    `yaml:"keepalive"`
	// TokenTTL is the lifetime of generated SAS tokens in seconds.
	TokenTTL int `yaml:"token_ttl"`
}

// CacheConfig controls credential caching between runs.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"`
	// Path is the cache file for the file and bolt backends.
	// The sqlite backend uses database.path.
	Path string `yaml:"path"`
}

// ConnectionConfig contains retry settings for session establishment.
type ConnectionConfig struct {
	// MaxAttempts limits connection attempts. 0 means unlimited.
	MaxAttempts  int `yaml:"max_attempts"`
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// TelemetryConfig contains telemetry cadence.
type TelemetryConfig struct {
	// Interval between readings, in seconds.
	Interval int `yaml:"interval"`
}

// PropertyConfig describes one periodically reported property.
type PropertyConfig struct {
	Key  string `yaml:"key"`
	Kind string `yaml:"kind"`
	// Interval between reports, in seconds.
	Interval int `yaml:"interval"`
}

// GetInterval returns the report period as a Duration.
func (p PropertyConfig) GetInterval() time.Duration {
	return time.Duration(p.Interval) * time.Second
}

// DatabaseConfig contains SQLite database settings (sqlite cache backend).
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains settings for the optional local telemetry mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the optional local status endpoint settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVICELINK_KEY
// For example: DEVICELINK_SYMMETRIC_KEY, DEVICELINK_REGISTRATION_ID
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
// The property jobs mirror the IoT Central sample device template.
func defaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			Mode: AuthModeSymmetricKey,
		},
		Transport: TransportConfig{
			ProvisioningHost: "global.azure-devices-provisioning.net",
			QoS:              1,
			KeepAlive:        60,
			TokenTTL:         3600,
		},
		Cache: CacheConfig{
			Backend: CacheBackendFile,
			Path:    "./data/dpsCache.json",
		},
		Connection: ConnectionConfig{
			MaxAttempts:  0,
			InitialDelay: 1,
			MaxDelay:     60,
		},
		Telemetry: TelemetryConfig{
			Interval: 5,
		},
		Properties: []PropertyConfig{
			{Key: "text", Kind: PropertyKindString, Interval: 20},
			{Key: "boolean", Kind: PropertyKindBool, Interval: 25},
			{Key: "number", Kind: PropertyKindNumber, Interval: 30},
		},
		Database: DatabaseConfig{
			Path:        "./data/devicelink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVICELINK_ID_SCOPE"); v != "" {
		cfg.Device.IDScope = v
	}
	if v := os.Getenv("DEVICELINK_REGISTRATION_ID"); v != "" {
		cfg.Device.RegistrationID = v
	}

	// Secrets
	if v := os.Getenv("DEVICELINK_SYMMETRIC_KEY"); v != "" {
		cfg.Auth.SymmetricKey = v
	}
	if v := os.Getenv("DEVICELINK_GROUP_KEY"); v != "" {
		cfg.Auth.GroupKey = v
	}
	if v := os.Getenv("DEVICELINK_X509_PASS_PHRASE"); v != "" {
		cfg.Auth.X509.PassPhrase = v
	}

	if v := os.Getenv("DEVICELINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Device validation
	if c.Device.IDScope == "" {
		errs = append(errs, "device.id_scope is required")
	}
	if c.Device.RegistrationID == "" {
		errs = append(errs, "device.registration_id is required")
	}

	errs = append(errs, c.Auth.validate()...)

	// Transport validation
	if c.Transport.ProvisioningHost == "" {
		errs = append(errs, "transport.provisioning_host is required")
	}
	if c.Transport.QoS < 0 || c.Transport.QoS > 1 {
		errs = append(errs, "transport.qos must be 0 or 1")
	}

	// Cache validation
	switch c.Cache.Backend {
	case CacheBackendFile, CacheBackendBolt:
		if c.Cache.Enabled && c.Cache.Path == "" {
			errs = append(errs, "cache.path is required for the "+c.Cache.Backend+" backend")
		}
	case CacheBackendSQLite:
		if c.Cache.Enabled && c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite cache backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.backend %q must be file, sqlite or bolt", c.Cache.Backend))
	}

	// Connection validation
	if c.Connection.MaxAttempts < 0 {
		errs = append(errs, "connection.max_attempts must not be negative (0 means unlimited)")
	}
	if c.Connection.InitialDelay < 0 || c.Connection.MaxDelay < c.Connection.InitialDelay {
		errs = append(errs, "connection.max_delay must be at least connection.initial_delay")
	}

	if c.Telemetry.Interval <= 0 {
		errs = append(errs, "telemetry.interval must be positive")
	}

	seen := make(map[string]bool, len(c.Properties))
	for i, p := range c.Properties {
		if p.Key == "" {
			errs = append(errs, fmt.Sprintf("properties[%d].key is required", i))
		} else if seen[p.Key] {
			errs = append(errs, fmt.Sprintf("properties[%d].key %q is duplicated", i, p.Key))
		}
		seen[p.Key] = true
		switch p.Kind {
		case PropertyKindBool, PropertyKindNumber, PropertyKindString:
		default:
			errs = append(errs, fmt.Sprintf("properties[%d].kind %q must be bool, number or string", i, p.Kind))
		}
		if p.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("properties[%d].interval must be positive", i))
		}
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validate checks that exactly one authentication mode is configured with its material.
func (a AuthConfig) validate() []string {
	var errs []string

	switch a.Mode {
	case AuthModeSymmetricKey:
		if a.SymmetricKey == "" {
			errs = append(errs, "auth.symmetric_key is required (set DEVICELINK_SYMMETRIC_KEY)")
		}
	case AuthModeGroupKey:
		if a.GroupKey == "" {
			errs = append(errs, "auth.group_key is required (set DEVICELINK_GROUP_KEY)")
		}
	case AuthModeX509:
		if a.X509.CertFile == "" || a.X509.KeyFile == "" {
			errs = append(errs, "auth.x509.cert_file and auth.x509.key_file are required")
		}
		if a.GroupKey != "" {
			errs = append(errs, "auth.group_key cannot be combined with x509 mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.mode %q must be symmetric_key, group_key or x509", a.Mode))
	}

	return errs
}

// GetInitialDelay returns the first retry delay as a Duration.
func (c *Config) GetInitialDelay() time.Duration {
	return time.Duration(c.Connection.InitialDelay) * time.Second
}

// GetMaxDelay returns the retry delay ceiling as a Duration.
func (c *Config) GetMaxDelay() time.Duration {
	return time.Duration(c.Connection.MaxDelay) * time.Second
}

// GetTelemetryInterval returns the telemetry period as a Duration.
func (c *Config) GetTelemetryInterval() time.Duration {
	return time.Duration(c.Telemetry.Interval) * time.Second
}

// GetTokenTTL returns the SAS token lifetime as a Duration.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Transport.TokenTTL) * time.Second
}

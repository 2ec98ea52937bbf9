package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the entire AccessGuard configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Bus           BusConfig          `yaml:"bus"`
	Storage       StorageConfig      `yaml:"storage"`
	Sessions      SessionConfig      `yaml:"sessions"`
	Detection     DetectionConfig    `yaml:"detection"`
	Response      ResponseConfig     `yaml:"response"`
	Notifications NotificationConfig `yaml:"notifications"`
	Ingest        IngestConfig       `yaml:"ingest"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	APIKeys            []string `yaml:"api_keys"`
	CORSOrigins        []string `yaml:"cors_origins"`
	RateLimitPerSecond int      `yaml:"rate_limit_per_second"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // "memory" or "postgres"
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int32  `yaml:"max_conns"`
	Migrate     bool   `yaml:"migrate"`
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	Driver        string `yaml:"driver"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// DetectionConfig holds the anomaly rule thresholds.
type DetectionConfig struct {
	BruteForceThreshold   int           `yaml:"brute_force_threshold"`
	BruteForceWindow      time.Duration `yaml:"brute_force_window"`
	ExfiltrationThreshold int           `yaml:"exfiltration_threshold"`
	ExfiltrationWindow    time.Duration `yaml:"exfiltration_window"`
	ExfiltrationCooldown  time.Duration `yaml:"exfiltration_cooldown"` // 0 raises on every qualifying event
	OffHoursStart         int           `yaml:"off_hours_start"` // hours before this are unusual
	OffHoursEnd           int           `yaml:"off_hours_end"`   // hours after this are unusual
	SensitiveResourceType string        `yaml:"sensitive_resource_type"`
	SensitiveMinAccesses  int           `yaml:"sensitive_min_accesses"`
	CorrelationWindow     time.Duration `yaml:"correlation_window"`
	Timezone              string        `yaml:"timezone"`
	MaxTrackedUsers       int           `yaml:"max_tracked_users"`
}

// ResponseConfig holds response executor settings.
type ResponseConfig struct {
	AutoTrigger      bool          `yaml:"auto_trigger"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	HistoryLimit     int           `yaml:"history_limit"`
}

// NotificationConfig holds administrator notification settings.
type NotificationConfig struct {
	WebhookURLs  []string      `yaml:"webhook_urls"`
	Template     string        `yaml:"template"`
	PublishToBus bool          `yaml:"publish_to_bus"`
	Timeout      time.Duration `yaml:"timeout"`
}

// IngestConfig lists the log sources that are turned into access events.
type IngestConfig struct {
	Sources []SourceConfig `yaml:"sources"`
	Syslog  SyslogConfig   `yaml:"syslog"`
}

// SourceConfig describes one tailed log file.
type SourceConfig struct {
	Type    string `yaml:"type"`     // "authlog", "nginx" or "jsonlog"
	LogPath string `yaml:"log_path"` // file to tail
	Tag     string `yaml:"tag"`
}

// SyslogConfig holds the syslog listener settings.
type SyslogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`     // 0 picks a free port
	Protocol string `yaml:"protocol"` // "udp", "tcp" or "both"
}

// SourceTypes are the log formats a SourceConfig may name.
var SourceTypes = []string{"authlog", "nginx", "jsonlog"}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides are read from ACCESSGUARD_* variables and win over the file.
type envOverrides struct {
	APIKey      string `envconfig:"API_KEY"`
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`
	NatsURL     string `envconfig:"NATS_URL"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	LogFormat   string `envconfig:"LOG_FORMAT"`
}

// DefaultConfig returns a Config that runs fully in memory with the standard rule thresholds.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               1790,
			RateLimitPerSecond: 100,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Storage: StorageConfig{
			Driver:   "memory",
			MaxConns: 10,
			Migrate:  true,
		},
		Sessions: SessionConfig{
			Driver:    "memory",
			RedisAddr: "127.0.0.1:6379",
			KeyPrefix: "accessguard:sessions",
		},
		Detection: DetectionConfig{
			BruteForceThreshold:   5,
			BruteForceWindow:      5 * time.Minute,
			ExfiltrationThreshold: 20,
			ExfiltrationWindow:    60 * time.Second,
			OffHoursStart:         6,
			OffHoursEnd:           22,
			SensitiveResourceType: "SENSITIVE_DATA",
			SensitiveMinAccesses:  10,
			CorrelationWindow:     5 * time.Minute,
			Timezone:              "Local",
			MaxTrackedUsers:       50000,
		},
		Response: ResponseConfig{
			AutoTrigger:      true,
			ExecutionTimeout: 30 * time.Second,
			HistoryLimit:     100,
		},
		Notifications: NotificationConfig{
			Timeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			Syslog: SyslogConfig{
				Host:     "0.0.0.0",
				Port:     1514,
				Protocol: "udp",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults,
// then applies ACCESSGUARD_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("ACCESSGUARD", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if env.APIKey != "" && len(c.Server.APIKeys) == 0 {
		c.Server.APIKeys = []string{env.APIKey}
	}
	if env.PostgresDSN != "" {
		c.Storage.Driver = "postgres"
		c.Storage.PostgresDSN = env.PostgresDSN
	}
	if env.RedisAddr != "" {
		c.Sessions.Driver = "redis"
		c.Sessions.RedisAddr = env.RedisAddr
	}
	if env.NatsURL != "" {
		c.Bus.Enabled = true
		c.Bus.Embedded = false
		c.Bus.URL = env.NatsURL
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Logging.Format = env.LogFormat
	}
	return nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate returns non-fatal warnings and fatal errors for the configuration.
func (c *Config) Validate() (warnings []string, errs []string) {
	switch c.Storage.Driver {
	case "memory":
		warnings = append(warnings, "storage.driver=memory: permissions, anomalies and responses are lost on restart")
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, "storage.postgres_dsn is required when storage.driver=postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage.driver %q (want memory or postgres)", c.Storage.Driver))
	}

	switch c.Sessions.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown sessions.driver %q (want memory or redis)", c.Sessions.Driver))
	}

	d := c.Detection
	if d.BruteForceThreshold <= 0 || d.ExfiltrationThreshold <= 0 {
		errs = append(errs, "detection thresholds must be positive")
	}
	if d.BruteForceWindow <= 0 || d.ExfiltrationWindow <= 0 || d.CorrelationWindow <= 0 {
		errs = append(errs, "detection windows must be positive durations")
	}
	if d.ExfiltrationCooldown < 0 {
		errs = append(errs, "detection.exfiltration_cooldown must not be negative")
	}
	if d.OffHoursStart < 0 || d.OffHoursEnd > 23 || d.OffHoursStart > d.OffHoursEnd {
		errs = append(errs, "detection off-hours bounds must satisfy 0 <= start <= end <= 23")
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("detection.timezone: %v", err))
	}

	for i, src := range c.Ingest.Sources {
		if !slices.Contains(SourceTypes, src.Type) {
			errs = append(errs, fmt.Sprintf("ingest.sources[%d]: unknown type %q (want %s)", i, src.Type, strings.Join(SourceTypes, ", ")))
		}
		if src.Type != "authlog" && src.LogPath == "" {
			errs = append(errs, fmt.Sprintf("ingest.sources[%d]: log_path is required", i))
		}
	}
	if sl := c.Ingest.Syslog; sl.Enabled {
		switch strings.ToLower(sl.Protocol) {
		case "udp", "tcp", "both":
		default:
			errs = append(errs, fmt.Sprintf("ingest.syslog.protocol %q must be udp, tcp or both", sl.Protocol))
		}
		if sl.Port < 0 || sl.Port > 65535 {
			errs = append(errs, "ingest.syslog.port must be between 0 and 65535")
		}
	}

	if c.Response.ExecutionTimeout <= 0 {
		warnings = append(warnings, "response.execution_timeout not set, responses run without a deadline")
	}
	if !c.AuthEnabled() {
		warnings = append(warnings, "no API keys configured, mutating endpoints are open")
	}
	return warnings, errs
}

// Location returns the time zone used to compute the local hour of access events.
func (c *Config) Location() (*time.Location, error) {
	return c.Detection.Location()
}

func (d DetectionConfig) Location() (*time.Location, error) {
	switch d.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(d.Timezone)
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

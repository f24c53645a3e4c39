package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/casedesk/casedesk/internal/audit"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Security  SecurityConfig  `mapstructure:"security"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Name               string        `mapstructure:"name"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxConnections     int           `mapstructure:"max_connections"`
	MinIdleConnections int           `mapstructure:"min_idle_connections"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the connection used for distributed rate limiting.
// When disabled, limits are enforced per process.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds bearer token configuration
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds browser-facing security configuration
type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PrometheusPort int           `mapstructure:"prometheus_port"`
	DBStatsPeriod  time.Duration `mapstructure:"db_stats_period"`
}

// AuditConfig holds audit pipeline configuration
type AuditConfig struct {
	// Enabled turns the interceptors on; disabled wrappers pass requests through untouched
	Enabled bool `mapstructure:"enabled"`
	// LogFailedRequests records non-2xx mutations as change-less failure entries
	LogFailedRequests bool `mapstructure:"log_failed_requests"`
	// WriteTimeout bounds each detached audit write
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// LookupTimeout bounds the prior-state read that runs before an update or delete handler
	LookupTimeout   time.Duration `mapstructure:"lookup_timeout"`
	DefaultPageSize int           `mapstructure:"default_page_size"`
	MaxPageSize     int           `mapstructure:"max_page_size"`
	MaxExportRows   int           `mapstructure:"max_export_rows"`
	// ExportRatePerMinute limits export requests per caller
	ExportRatePerMinute int                  `mapstructure:"export_rate_per_minute"`
	Retention           AuditRetentionConfig `mapstructure:"retention"`
	// EntityTables maps an entity type to the table holding its current state
	EntityTables map[string]string `mapstructure:"entity_tables"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditRetentionConfig bounds and schedules audit log purging
type AuditRetentionConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MinDays       int  `mapstructure:"min_days"`
	MaxDays       int  `mapstructure:"max_days"`
	DaysToKeep    int  `mapstructure:"days_to_keep"`
	IntervalHours int  `mapstructure:"interval_hours"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// ShipperConfigs converts the configured shippers into audit shipper settings.
func (a *AuditConfig) ShipperConfigs() []audit.ShipperConfig {
	out := make([]audit.ShipperConfig, 0, len(a.Shippers))
	for _, s := range a.Shippers {
		sc := audit.ShipperConfig{Enabled: s.Enabled, Type: s.Type}
		if s.Webhook != nil {
			sc.Webhook = &audit.WebhookConfig{
				URL:           s.Webhook.URL,
				Headers:       s.Webhook.Headers,
				Timeout:       time.Duration(s.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     s.Webhook.BatchSize,
				FlushInterval: time.Duration(s.Webhook.FlushInterval) * time.Second,
			}
		}
		if s.File != nil {
			sc.File = &audit.FileConfig{
				Path:       s.File.Path,
				MaxSizeMB:  s.File.MaxSizeMB,
				MaxBackups: s.File.MaxBackups,
			}
		}
		out = append(out, sc)
	}
	return out
}

// bindEnvVars explicitly binds every scalar key so Unmarshal sees CASEDESK_* overrides.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",
		"database.conn_max_lifetime",

		// Redis
		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",

		// Auth
		"auth.jwt_secret",
		"auth.token_ttl",

		// Logging
		"logging.level",
		"logging.format",

		// Security (space-separated in the environment)
		"security.cors.allowed_origins",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.metrics.db_stats_period",

		// Audit
		"audit.enabled",
		"audit.log_failed_requests",
		"audit.write_timeout",
		"audit.lookup_timeout",
		"audit.default_page_size",
		"audit.max_page_size",
		"audit.max_export_rows",
		"audit.export_rate_per_minute",
		"audit.retention.enabled",
		"audit.retention.min_days",
		"audit.retention.max_days",
		"audit.retention.days_to_keep",
		"audit.retention.interval_hours",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/casedesk")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CASEDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone is not consulted by Unmarshal for nested keys
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	for i := range cfg.Audit.Shippers {
		if wh := cfg.Audit.Shippers[i].Webhook; wh != nil {
			for k, val := range wh.Headers {
				wh.Headers[k] = expandEnv(val)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "casedesk")
	v.SetDefault("database.user", "casedesk")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Auth defaults
	v.SetDefault("auth.token_ttl", "1h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{})

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.metrics.db_stats_period", "15s")

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_failed_requests", false)
	v.SetDefault("audit.write_timeout", "5s")
	v.SetDefault("audit.lookup_timeout", "2s")
	v.SetDefault("audit.default_page_size", 20)
	v.SetDefault("audit.max_page_size", 100)
	v.SetDefault("audit.max_export_rows", 50000)
	v.SetDefault("audit.export_rate_per_minute", 10)
	v.SetDefault("audit.retention.enabled", false)
	v.SetDefault("audit.retention.min_days", 30)
	v.SetDefault("audit.retention.max_days", 3650)
	v.SetDefault("audit.retention.days_to_keep", 365)
	v.SetDefault("audit.retention.interval_hours", 24)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	// Validate logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate audit
	return c.Audit.validate()
}

func (a *AuditConfig) validate() error {
	if a.DefaultPageSize < 1 {
		return fmt.Errorf("audit.default_page_size must be at least 1")
	}
	if a.MaxPageSize < a.DefaultPageSize {
		return fmt.Errorf("audit.max_page_size (%d) must not be smaller than audit.default_page_size (%d)",
			a.MaxPageSize, a.DefaultPageSize)
	}
	if a.MaxExportRows < 1 {
		return fmt.Errorf("audit.max_export_rows must be at least 1")
	}
	if a.ExportRatePerMinute < 0 {
		return fmt.Errorf("audit.export_rate_per_minute must not be negative")
	}

	r := a.Retention
	if r.MinDays < 1 || r.MaxDays < r.MinDays {
		return fmt.Errorf("invalid audit retention bounds: min_days=%d max_days=%d", r.MinDays, r.MaxDays)
	}
	if r.Enabled {
		if r.DaysToKeep < r.MinDays || r.DaysToKeep > r.MaxDays {
			return fmt.Errorf("audit.retention.days_to_keep must be between %d and %d, got %d",
				r.MinDays, r.MaxDays, r.DaysToKeep)
		}
		if r.IntervalHours < 1 {
			return fmt.Errorf("audit.retention.interval_hours must be at least 1")
		}
	}

	validShippers := map[string]bool{"webhook": true, "file": true}
	for i, s := range a.Shippers {
		if !s.Enabled {
			continue
		}
		if !validShippers[s.Type] {
			return fmt.Errorf("audit.shippers[%d]: invalid type %q (must be webhook or file)", i, s.Type)
		}
		if s.Type == "webhook" && (s.Webhook == nil || s.Webhook.URL == "") {
			return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
		}
		if s.Type == "file" && (s.File == nil || s.File.Path == "") {
			return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
		}
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

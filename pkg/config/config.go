package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (nonce/PKCE stores, distributed rate limits)
	Redis RedisConfig

	// Archive configuration (audit event archival)
	Archive ArchiveConfig

	// Resilience configuration
	Resilience ResilienceConfig

	// Monitor configuration (probe/rollup/alert schedules)
	Monitor MonitorConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
}

// RedisConfig holds Redis configuration. Redis is optional: when URL is
// empty the engine falls back to in-process nonce/PKCE stores.
type RedisConfig struct {
	URL      string
	PoolSize int
}

// ArchiveConfig holds S3 audit archive settings
type ArchiveConfig struct {
	Enabled      bool
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool

	// RetentionDays is how long audit events stay in postgres before
	// being archived and pruned.
	RetentionDays int
}

// ResilienceConfig holds circuit breaker and fallback settings
type ResilienceConfig struct {
	BreakerFailureThreshold int
	BreakerTimeout          time.Duration
	BreakerProbeBudget      int

	EmergencyCodeTTL  time.Duration
	BackupPasswordTTL time.Duration
}

// MonitorConfig holds the background worker schedules
type MonitorConfig struct {
	ProbeSchedule     string
	RollupSchedule    string
	AlertSchedule     string
	RetentionSchedule string

	AlertRulesPath string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Archive:       loadArchiveConfig(),
		Resilience:    loadResilienceConfig(),
		Monitor:       loadMonitorConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("KESTREL_HOST", "0.0.0.0"),
		Port:            getEnv("KESTREL_PORT", "8080"),
		ReadTimeout:     getEnvDuration("KESTREL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("KESTREL_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("KESTREL_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("KESTREL_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("KESTREL_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads PostgreSQL configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:      getEnv("KESTREL_POSTGRES_URL", ""),
		MaxConns: getEnvInt("KESTREL_POSTGRES_MAX_CONNS", 25),
		MinConns: getEnvInt("KESTREL_POSTGRES_MIN_CONNS", 5),
		Timeout:  getEnvDuration("KESTREL_POSTGRES_TIMEOUT", 10*time.Second),
	}
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("KESTREL_REDIS_URL", ""),
		PoolSize: getEnvInt("KESTREL_REDIS_POOL_SIZE", 10),
	}
}

// loadArchiveConfig loads the audit archive configuration from environment
func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:       getEnvBool("KESTREL_ARCHIVE_ENABLED", false),
		Bucket:        getEnv("KESTREL_ARCHIVE_BUCKET", ""),
		Region:        getEnv("KESTREL_ARCHIVE_REGION", "us-east-1"),
		Endpoint:      getEnv("KESTREL_ARCHIVE_ENDPOINT", ""),
		AccessKey:     getEnv("KESTREL_ARCHIVE_ACCESS_KEY", ""),
		SecretKey:     getEnv("KESTREL_ARCHIVE_SECRET_KEY", ""),
		UsePathStyle:  getEnvBool("KESTREL_ARCHIVE_USE_PATH_STYLE", false),
		RetentionDays: getEnvInt("KESTREL_AUDIT_RETENTION_DAYS", 365),
	}
}

// loadResilienceConfig loads breaker and fallback settings from environment
func loadResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		BreakerFailureThreshold: getEnvInt("KESTREL_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerTimeout:          getEnvDuration("KESTREL_BREAKER_TIMEOUT", 60*time.Second),
		BreakerProbeBudget:      getEnvInt("KESTREL_BREAKER_PROBE_BUDGET", 1),
		EmergencyCodeTTL:        getEnvDuration("KESTREL_EMERGENCY_CODE_TTL", 24*time.Hour),
		BackupPasswordTTL:       getEnvDuration("KESTREL_BACKUP_PASSWORD_TTL", 72*time.Hour),
	}
}

// loadMonitorConfig loads the background worker schedules from environment
func loadMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProbeSchedule:     getEnv("KESTREL_PROBE_SCHEDULE", "@every 15m"),
		RollupSchedule:    getEnv("KESTREL_ROLLUP_SCHEDULE", "@every 1h"),
		AlertSchedule:     getEnv("KESTREL_ALERT_SCHEDULE", "@every 5m"),
		RetentionSchedule: getEnv("KESTREL_RETENTION_SCHEDULE", "@daily"),
		AlertRulesPath:    getEnv("KESTREL_ALERT_RULES_PATH", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("KESTREL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("KESTREL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("KESTREL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("KESTREL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("KESTREL_OTEL_SERVICE_NAME", "kestrel"),
		OTelServiceVersion: getEnv("KESTREL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("KESTREL_OTEL_INSECURE", true),
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate database config
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	// Validate archive config
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket is required when archival is enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			return fmt.Errorf("audit retention days must be positive")
		}
	}

	// Validate resilience config
	if c.Resilience.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Resilience.BreakerTimeout <= 0 {
		return fmt.Errorf("breaker timeout must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	KESTREL_HOST="0.0.0.0"
//	KESTREL_PORT="8080"
//	KESTREL_HEALTH_PORT="9090"
//	KESTREL_READ_TIMEOUT="15s"
//	KESTREL_WRITE_TIMEOUT="15s"
//
// Database and cache settings:
//
//	KESTREL_POSTGRES_URL="postgres://localhost/kestrel"
//	KESTREL_POSTGRES_MAX_CONNS="25"
//	KESTREL_REDIS_URL="redis://localhost:6379"
//	KESTREL_REDIS_POOL_SIZE="10"
//
// Audit archive settings:
//
//	KESTREL_ARCHIVE_ENABLED="true"
//	KESTREL_ARCHIVE_BUCKET="kestrel-audit"
//	KESTREL_ARCHIVE_REGION="us-east-1"
//	KESTREL_AUDIT_RETENTION_DAYS="365"
//
// Resilience settings:
//
//	KESTREL_BREAKER_FAILURE_THRESHOLD="5"
//	KESTREL_BREAKER_TIMEOUT="60s"
//	KESTREL_EMERGENCY_CODE_TTL="24h"
//	KESTREL_BACKUP_PASSWORD_TTL="72h"
//
// Monitor schedules (robfig/cron syntax):
//
//	KESTREL_PROBE_SCHEDULE="@every 15m"
//	KESTREL_ROLLUP_SCHEDULE="@every 1h"
//	KESTREL_ALERT_SCHEDULE="@every 5m"
//	KESTREL_RETENTION_SCHEDULE="@daily"
//
// Observability settings:
//
//	KESTREL_LOG_LEVEL="info"  # debug, info, warn, error
//	KESTREL_METRICS_ENABLED="true"
//	KESTREL_OTEL_ENABLED="true"
//	KESTREL_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/storage/postgres: Uses database configuration
//   - pkg/observability: Uses observability configuration
package config

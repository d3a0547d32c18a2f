// Package config provides configuration management for the rate-gate service.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration before any store is constructed.
//
// The package supports multiple storage backends (in-memory, SQLite, Redis
// and DynamoDB), default window settings, and the adaptive priority
// allocator tuning.
//
// Environment Variables:
//
// Application Settings:
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Log file path (default: stdout)
//
// Store Backend:
//   - STORE_BACKEND: Backend type - "memory", "sqlite", "redis" or "dynamo"
//     (default: memory)
//
// SQLite Configuration:
//   - SQLITE_PATH: SQLite database file path (default: ./rate_gate.db)
//   - SQLITE_CLEANUP_INTERVAL: Janitor interval, 0 disables it (default: 5m)
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// DynamoDB Configuration:
//   - DYNAMO_TABLE: Table name (required for the dynamo backend)
//   - DYNAMO_REGION: AWS region (default: us-east-1)
//   - DYNAMO_ENDPOINT: Endpoint override for DynamoDB Local
//   - AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY: Static credentials; the
//     default AWS credential chain is used when unset
//
// Rate Limiting:
//   - RATE_LIMIT_DEFAULT: Default requests per window (default: 100)
//   - RATE_LIMIT_WINDOW: Default window duration (default: 60s)
//
// Adaptive Allocation:
//   - ADAPTIVE_ENABLED: Enable priority-aware allocation (default: false)
//   - ADAPTIVE_MONITORING_WINDOW: Activity history span (default: 5m)
//   - ADAPTIVE_HIGH_ACTIVITY_THRESHOLD: User requests marking high load (default: 5)
//   - ADAPTIVE_RECALC_INTERVAL: Snapshot lifetime (default: 30s)
//   - ADAPTIVE_INACTIVITY_THRESHOLD: Full-reclaim user silence span (default: 10m)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the rate-gate service. All
// fields correspond to environment variables that can be set to override
// the defaults. Load() fills it; call Validate() before use.
type Config struct {
	// Application settings
	LogLevel string // Logging level (debug, info, warn, error)
	LogFile  string // Log file path, empty for stdout

	// Store backend selection
	StoreBackend string // "memory", "sqlite", "redis" or "dynamo"

	// SQLite configuration
	SQLitePath            string // Path to the SQLite database file
	SQLiteCleanupInterval string // Janitor interval ("5m", "0" to disable)

	// Redis configuration
	RedisAddress  string // Redis server address (host:port)
	RedisPassword string // Redis authentication password
	RedisDB       string // Redis database number (0-15)
	RedisPoolSize string // Redis connection pool size

	// DynamoDB configuration
	DynamoTable        string // Table name
	DynamoRegion       string // AWS region
	DynamoEndpoint     string // Endpoint override, for DynamoDB Local
	AWSAccessKeyID     string // Static access key, empty for the default chain
	AWSSecretAccessKey string // Static secret key

	// Rate limiting defaults
	RateLimitDefault string // Default requests per window
	RateLimitWindow  string // Default window duration (e.g. "60s", "1m")

	// Adaptive allocation
	AdaptiveEnabled             bool   // Whether priority-aware allocation is on
	AdaptiveMonitoringWindow    string // Activity history span
	AdaptiveHighThreshold       string // User requests marking high load
	AdaptiveRecalcInterval      string // Snapshot lifetime
	AdaptiveInactivityThreshold string // User silence span before full reclaim
}

// Load creates a new Config instance with values loaded from environment
// variables, falling back to defaults for anything unset. It does not
// validate; call Validate() on the result.
func Load() *Config {
	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		StoreBackend: getEnv("STORE_BACKEND", "memory"),

		SQLitePath:            getEnv("SQLITE_PATH", "./rate_gate.db"),
		SQLiteCleanupInterval: getEnv("SQLITE_CLEANUP_INTERVAL", "5m"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		DynamoTable:        getEnv("DYNAMO_TABLE", ""),
		DynamoRegion:       getEnv("DYNAMO_REGION", "us-east-1"),
		DynamoEndpoint:     getEnv("DYNAMO_ENDPOINT", ""),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),

		RateLimitDefault: getEnv("RATE_LIMIT_DEFAULT", "100"),
		RateLimitWindow:  getEnv("RATE_LIMIT_WINDOW", "60s"),

		AdaptiveEnabled:             getBoolEnv("ADAPTIVE_ENABLED", false),
		AdaptiveMonitoringWindow:    getEnv("ADAPTIVE_MONITORING_WINDOW", "5m"),
		AdaptiveHighThreshold:       getEnv("ADAPTIVE_HIGH_ACTIVITY_THRESHOLD", "5"),
		AdaptiveRecalcInterval:      getEnv("ADAPTIVE_RECALC_INTERVAL", "30s"),
		AdaptiveInactivityThreshold: getEnv("ADAPTIVE_INACTIVITY_THRESHOLD", "10m"),
	}
}

// getEnv retrieves an environment variable value or returns a default value
// if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable value or returns a
// default value when unset or unparsable.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate checks that all set values are well formed and that the selected
// backend has what it needs. Call it after Load() and before building a
// store.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "sqlite", "redis", "dynamo":
	default:
		return fmt.Errorf("STORE_BACKEND must be 'memory', 'sqlite', 'redis' or 'dynamo'")
	}

	if c.StoreBackend == "sqlite" {
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when using the sqlite backend")
		}
		if _, err := time.ParseDuration(c.SQLiteCleanupInterval); err != nil {
			if c.SQLiteCleanupInterval != "0" {
				return fmt.Errorf("SQLITE_CLEANUP_INTERVAL must be a duration like '5m'")
			}
		}
	}

	if c.StoreBackend == "redis" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if size, err := strconv.Atoi(c.RedisPoolSize); err != nil || size < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if c.StoreBackend == "dynamo" && c.DynamoTable == "" {
		return fmt.Errorf("DYNAMO_TABLE is required when using the dynamo backend")
	}

	if limit, err := strconv.Atoi(c.RateLimitDefault); err != nil || limit < 0 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT must be a non-negative number")
	}
	if window, err := time.ParseDuration(c.RateLimitWindow); err != nil || window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be a positive duration like '60s'")
	}

	if c.AdaptiveEnabled {
		if _, err := time.ParseDuration(c.AdaptiveMonitoringWindow); err != nil {
			return fmt.Errorf("ADAPTIVE_MONITORING_WINDOW must be a duration like '5m'")
		}
		if n, err := strconv.Atoi(c.AdaptiveHighThreshold); err != nil || n < 1 {
			return fmt.Errorf("ADAPTIVE_HIGH_ACTIVITY_THRESHOLD must be a positive number")
		}
		if _, err := time.ParseDuration(c.AdaptiveRecalcInterval); err != nil {
			return fmt.Errorf("ADAPTIVE_RECALC_INTERVAL must be a duration like '30s'")
		}
		if _, err := time.ParseDuration(c.AdaptiveInactivityThreshold); err != nil {
			return fmt.Errorf("ADAPTIVE_INACTIVITY_THRESHOLD must be a duration like '10m'")
		}
	}

	return nil
}

// DefaultLimit returns the parsed default per-window request limit.
func (c *Config) DefaultLimit() int {
	limit, _ := strconv.Atoi(c.RateLimitDefault)
	return limit
}

// DefaultWindow returns the parsed default window duration.
func (c *Config) DefaultWindow() time.Duration {
	window, _ := time.ParseDuration(c.RateLimitWindow)
	return window
}

// CleanupInterval returns the parsed SQLite janitor interval, 0 when disabled.
func (c *Config) CleanupInterval() time.Duration {
	if c.SQLiteCleanupInterval == "0" {
		return 0
	}
	interval, _ := time.ParseDuration(c.SQLiteCleanupInterval)
	return interval
}

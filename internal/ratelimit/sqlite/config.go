package sqlite

import (
	"time"

	apperrors "rate-gate/internal/common/errors"
	"rate-gate/internal/ratelimit"
)

// Config configures the embedded-SQL backend.
type Config struct {
	// Path is the SQLite database file. ":memory:" is accepted for
	// ephemeral stores.
	Path string
	// CleanupInterval schedules the background janitor that deletes aged
	// records, expired slot claims and expired cooldowns. Zero disables
	// the janitor; Cleanup can still be invoked on demand.
	CleanupInterval time.Duration
	// Options carries the settings shared by all backends.
	Options ratelimit.Options
}

// Validate checks the configuration before any connection is opened.
func (c *Config) Validate() error {
	if c.Path == "" {
		return apperrors.ConfigError("sqlite database path is required")
	}
	if c.CleanupInterval < 0 {
		return apperrors.ConfigError("cleanup interval must not be negative")
	}
	return nil
}

// Package factory builds the configured rate-limit store from the service
// configuration, so callers depend on the Store interface rather than on a
// concrete backend.
package factory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	apperrors "rate-gate/internal/common/errors"
	"rate-gate/internal/common/logging"
	"rate-gate/internal/config"
	"rate-gate/internal/ratelimit"
	"rate-gate/internal/ratelimit/dynamo"
	ratelimitredis "rate-gate/internal/ratelimit/redis"
	"rate-gate/internal/ratelimit/sqlite"
	redisclient "rate-gate/internal/redis"
)

// New creates the rate-limit store selected by STORE_BACKEND. The config
// must already be validated.
func New(ctx context.Context, cfg *config.Config) (ratelimit.Store, error) {
	opts := storeOptions(cfg)

	switch cfg.StoreBackend {
	case "memory":
		return ratelimit.NewMemoryStore(opts), nil

	case "sqlite":
		return sqlite.NewStore(sqlite.Config{
			Path:            cfg.SQLitePath,
			CleanupInterval: cfg.CleanupInterval(),
			Options:         opts,
		})

	case "redis":
		db, _ := strconv.Atoi(cfg.RedisDB)
		poolSize, _ := strconv.Atoi(cfg.RedisPoolSize)
		return ratelimitredis.NewStore(ratelimitredis.Config{
			Redis: &redisclient.Config{
				Address:  cfg.RedisAddress,
				Password: cfg.RedisPassword,
				DB:       db,
				PoolSize: poolSize,
			},
			Options: opts,
		})

	case "dynamo":
		return dynamo.NewStore(ctx, dynamo.Config{
			TableName:       cfg.DynamoTable,
			Region:          cfg.DynamoRegion,
			Endpoint:        cfg.DynamoEndpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Options:         opts,
		})

	default:
		return nil, apperrors.ConfigError(fmt.Sprintf("unsupported store backend: %s", cfg.StoreBackend))
	}
}

// storeOptions translates service configuration into the shared limiter
// options. Unset adaptive fields fall back to the allocator defaults.
func storeOptions(cfg *config.Config) ratelimit.Options {
	opts := ratelimit.Options{
		Default: ratelimit.Config{
			Limit:  cfg.DefaultLimit(),
			Window: cfg.DefaultWindow(),
		},
		Logger: logging.GetGlobalLogger(),
	}

	if cfg.AdaptiveEnabled {
		adaptive := ratelimit.DefaultAdaptiveConfig()
		if d, err := time.ParseDuration(cfg.AdaptiveMonitoringWindow); err == nil {
			adaptive.MonitoringWindow = d
		}
		if n, err := strconv.Atoi(cfg.AdaptiveHighThreshold); err == nil {
			adaptive.HighActivityThreshold = n
		}
		if d, err := time.ParseDuration(cfg.AdaptiveRecalcInterval); err == nil {
			adaptive.RecalculationInterval = d
		}
		if d, err := time.ParseDuration(cfg.AdaptiveInactivityThreshold); err == nil {
			adaptive.SustainedInactivityThreshold = d
		}
		opts.Adaptive = &adaptive
	}

	return opts
}

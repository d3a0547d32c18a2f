// Package redis implements the rate-limit store on a shared Redis
// deployment, which lets every process instance admit against the same
// window. Request records are sorted sets scored by timestamp, slot claims
// are keys whose value is the claim time, and the claim itself runs as a
// Lua script so the conditional write and the request record commit
// together.
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	apperrors "rate-gate/internal/common/errors"
	"rate-gate/internal/common/logging"
	"rate-gate/internal/ratelimit"
	redisclient "rate-gate/internal/redis"
)

// Store is the Redis-backed rate-limit backend.
type Store struct {
	*ratelimit.Base

	client *redisclient.Client
}

// Config carries the connection and the shared limiter options.
type Config struct {
	Redis   *redisclient.Config
	Options ratelimit.Options
}

// NewStore connects to Redis and returns the distributed store. The store
// owns the connection and closes it on Close.
func NewStore(cfg Config) (*Store, error) {
	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		return nil, apperrors.InternalError("failed to connect to redis", err)
	}

	s := &Store{client: client}
	s.Base = ratelimit.NewBase(cfg.Options, s.hydrateActivity)
	s.Logger().Info("redis rate-limit store connected")
	return s, nil
}

var _ ratelimit.Store = (*Store)(nil)

// CanProceed reports whether a request would currently be admitted.
func (s *Store) CanProceed(ctx context.Context, resource string, priority ratelimit.Priority) (bool, error) {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return false, err
	}
	if cfg.Limit <= 0 {
		return false, nil
	}

	effLimit, paused, _ := s.Capacity(ctx, resource, cfg, priority)
	if paused && priority == ratelimit.PriorityBackground {
		return false, nil
	}

	count, err := s.windowCount(ctx, resource, s.Scope(priority), cfg)
	if err != nil {
		return false, err
	}
	return count < effLimit, nil
}

// Acquire reserves one admission slot via the atomic claim script.
func (s *Store) Acquire(ctx context.Context, resource string, priority ratelimit.Priority) (bool, error) {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return false, err
	}

	effLimit, paused, _ := s.Capacity(ctx, resource, cfg, priority)
	if paused && priority == ratelimit.PriorityBackground {
		return false, nil
	}

	count, err := s.windowCount(ctx, resource, s.Scope(priority), cfg)
	if err != nil {
		return false, err
	}

	ok, err := s.AcquireSlots(ctx, cfg, effLimit, count, func(ctx context.Context, slot int) error {
		return s.claimSlot(ctx, resource, cfg, slot, priority)
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.Observe(ctx, resource, priority)
	}
	return ok, nil
}

func (s *Store) claimSlot(ctx context.Context, resource string, cfg ratelimit.Config, slot int, priority ratelimit.Priority) error {
	now := s.Clock().Now()
	member := ratelimit.RecordSortKey(now, uuid.NewString())

	ok, err := s.client.ClaimSlot(ctx,
		ratelimit.SlotKey(resource, cfg.Window, slot),
		s.recordKeys(resource, priority),
		now.UnixMilli(), cfg.Window.Milliseconds(), member,
	)
	if err != nil {
		return apperrors.InternalError("failed to claim slot", err)
	}
	if !ok {
		return apperrors.ConflictError("slot already claimed")
	}
	return nil
}

// Record logs a completed request without checking capacity.
func (s *Store) Record(ctx context.Context, resource string, priority ratelimit.Priority) error {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return err
	}

	now := s.Clock().Now()
	member := ratelimit.RecordSortKey(now, uuid.NewString())
	if err := s.client.AddRecord(ctx, s.recordKeys(resource, priority), now.UnixMilli(), member, cfg.Window); err != nil {
		return apperrors.InternalError("failed to record request", err)
	}

	s.Observe(ctx, resource, priority)
	return nil
}

// recordKeys lists the sorted sets a request record lands in. Prioritized
// traffic is double-written so scoped window counts stay a single range
// query.
func (s *Store) recordKeys(resource string, priority ratelimit.Priority) []string {
	keys := []string{ratelimit.RecordPartition(resource)}
	if priority != "" {
		keys = append(keys, ratelimit.PriorityPartition(resource, priority))
	}
	return keys
}

// Status returns the resource's remaining capacity and approximate reset time.
func (s *Store) Status(ctx context.Context, resource string, priority ratelimit.Priority) (ratelimit.Status, error) {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return ratelimit.Status{}, err
	}

	effLimit, _, snap := s.Capacity(ctx, resource, cfg, priority)
	count, err := s.windowCount(ctx, resource, s.Scope(priority), cfg)
	if err != nil {
		return ratelimit.Status{}, err
	}

	return ratelimit.Status{
		Remaining: ratelimit.Remaining(effLimit, count),
		ResetTime: s.Clock().Now().Add(cfg.Window),
		Limit:     effLimit,
		Adaptive:  snap,
	}, nil
}

// WaitTime returns how long to wait before the next attempt can succeed.
func (s *Store) WaitTime(ctx context.Context, resource string, priority ratelimit.Priority) (time.Duration, error) {
	cfg, err := s.Guard(resource, priority)
	if err != nil {
		return 0, err
	}
	if cfg.Limit <= 0 {
		return cfg.Window, nil
	}

	effLimit, paused, _ := s.Capacity(ctx, resource, cfg, priority)
	if paused && priority == ratelimit.PriorityBackground {
		return s.RecalculationInterval(), nil
	}

	scope := s.Scope(priority)
	count, err := s.windowCount(ctx, resource, scope, cfg)
	if err != nil {
		return 0, err
	}
	if count < effLimit {
		return 0, nil
	}

	now := s.Clock().Now()
	oldestMs, found, err := s.client.OldestSince(ctx, s.scopeKey(resource, scope), now.Add(-cfg.Window).UnixMilli())
	if err != nil {
		return 0, apperrors.InternalError("failed to read oldest record", err)
	}
	return ratelimit.WaitFromOldest(time.UnixMilli(oldestMs), found, cfg.Window, now), nil
}

// Reset deletes all records and slot claims for one resource.
func (s *Store) Reset(ctx context.Context, resource string) error {
	if _, err := s.Guard(resource, ""); err != nil {
		return err
	}

	keys := []string{
		ratelimit.RecordPartition(resource),
		ratelimit.PriorityPartition(resource, ratelimit.PriorityUser),
		ratelimit.PriorityPartition(resource, ratelimit.PriorityBackground),
	}
	if err := s.client.Delete(ctx, keys...); err != nil {
		return apperrors.InternalError("failed to delete records", err)
	}
	if err := s.client.DeleteByPattern(ctx, ratelimit.SlotPartitionPattern(resource)); err != nil {
		return apperrors.InternalError("failed to delete slot claims", err)
	}

	s.ForgetResource(resource)
	return nil
}

// Clear wipes every record, slot claim and cooldown in the keyspace.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.CheckDestroyed(); err != nil {
		return err
	}

	for _, pattern := range []string{
		ratelimit.RecordPattern(),
		ratelimit.SlotPattern(),
		ratelimit.CooldownPattern(),
	} {
		if err := s.client.DeleteByPattern(ctx, pattern); err != nil {
			return apperrors.InternalError("failed to clear keyspace", err)
		}
	}

	s.ForgetAll()
	return nil
}

// Cleanup prunes aged records, expired slot claims and expired cooldowns.
// Redis mostly self-cleans through key TTLs and score-ranged reads; this
// reclaims memory eagerly, for deployments that pin long windows.
func (s *Store) Cleanup(ctx context.Context) error {
	if err := s.CheckDestroyed(); err != nil {
		return err
	}
	now := s.Clock().Now()

	recordKeys, err := s.client.ScanKeys(ctx, ratelimit.RecordPattern())
	if err != nil {
		return apperrors.InternalError("failed to list record keys", err)
	}
	for _, key := range recordKeys {
		window := s.ResourceConfig(ratelimit.ResourceFromRecordKey(key)).Window
		if err := s.client.PruneBefore(ctx, key, now.Add(-window).UnixMilli()); err != nil {
			return apperrors.InternalError("failed to prune records", err)
		}
	}

	slotKeys, err := s.client.ScanKeys(ctx, ratelimit.SlotPattern())
	if err != nil {
		return apperrors.InternalError("failed to list slot keys", err)
	}
	for _, key := range slotKeys {
		window, ok := ratelimit.SlotKeyWindow(key)
		if !ok {
			continue
		}
		value, found, err := s.client.GetString(ctx, key)
		if err != nil {
			return apperrors.InternalError("failed to read slot claim", err)
		}
		if !found {
			continue
		}
		claimedAt, err := strconv.ParseInt(value, 10, 64)
		if err != nil || claimedAt < now.Add(-window).UnixMilli() {
			if err := s.client.Delete(ctx, key); err != nil {
				return apperrors.InternalError("failed to delete slot claim", err)
			}
		}
	}

	cooldownKeys, err := s.client.ScanKeys(ctx, ratelimit.CooldownPattern())
	if err != nil {
		return apperrors.InternalError("failed to list cooldown keys", err)
	}
	for _, key := range cooldownKeys {
		value, found, err := s.client.GetString(ctx, key)
		if err != nil {
			return apperrors.InternalError("failed to read cooldown", err)
		}
		if !found {
			continue
		}
		untilMs, err := strconv.ParseInt(value, 10, 64)
		if err != nil || untilMs <= now.UnixMilli() {
			if err := s.client.Delete(ctx, key); err != nil {
				return apperrors.InternalError("failed to delete cooldown", err)
			}
		}
	}

	s.Logger().Debug("cleanup finished",
		logging.Field{Key: "records", Value: len(recordKeys)},
		logging.Field{Key: "slots", Value: len(slotKeys)})
	return nil
}

// SetCooldown marks an origin "do not send until" the given time. The key
// carries a TTL backstop but expiry is authoritative on read.
func (s *Store) SetCooldown(ctx context.Context, origin string, until time.Time) error {
	if err := s.GuardOrigin(origin); err != nil {
		return err
	}

	ttl := until.Sub(s.Clock().Now())
	if ttl < 0 {
		ttl = 0
	}
	value := strconv.FormatInt(until.UnixMilli(), 10)
	if err := s.client.SetString(ctx, ratelimit.CooldownKey(origin), value, ttl); err != nil {
		return apperrors.InternalError("failed to set cooldown", err)
	}
	return nil
}

// Cooldown returns the active cooldown deadline, deleting stale keys on read.
func (s *Store) Cooldown(ctx context.Context, origin string) (time.Time, bool, error) {
	if err := s.GuardOrigin(origin); err != nil {
		return time.Time{}, false, err
	}

	key := ratelimit.CooldownKey(origin)
	value, found, err := s.client.GetString(ctx, key)
	if err != nil {
		return time.Time{}, false, apperrors.InternalError("failed to read cooldown", err)
	}
	if !found {
		return time.Time{}, false, nil
	}

	untilMs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, apperrors.InternalError("malformed cooldown value", err)
	}
	until := time.UnixMilli(untilMs)
	if !until.After(s.Clock().Now()) {
		if err := s.client.Delete(ctx, key); err != nil {
			s.Logger().Warn("failed to expire cooldown key", logging.Field{Key: "origin", Value: origin})
		}
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// ClearCooldown removes an origin's cooldown unconditionally.
func (s *Store) ClearCooldown(ctx context.Context, origin string) error {
	if err := s.GuardOrigin(origin); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, ratelimit.CooldownKey(origin)); err != nil {
		return apperrors.InternalError("failed to clear cooldown", err)
	}
	return nil
}

// Close destroys the store and releases the connection. Idempotent.
func (s *Store) Close() error {
	if !s.MarkDestroyed() {
		return nil
	}
	s.ForgetAll()
	if err := s.client.Close(); err != nil {
		return apperrors.InternalError("failed to close redis connection", err)
	}
	return nil
}

func (s *Store) scopeKey(resource string, scope ratelimit.Priority) string {
	if scope == "" {
		return ratelimit.RecordPartition(resource)
	}
	return ratelimit.PriorityPartition(resource, scope)
}

func (s *Store) windowCount(ctx context.Context, resource string, scope ratelimit.Priority, cfg ratelimit.Config) (int, error) {
	cutoff := s.Clock().Now().Add(-cfg.Window).UnixMilli()
	count, err := s.client.CountSince(ctx, s.scopeKey(resource, scope), cutoff)
	if err != nil {
		return 0, apperrors.InternalError("failed to count window", err)
	}
	return count, nil
}

// hydrateActivity reloads persisted per-priority timestamps so a fresh
// instance allocates against the activity its peers already saw.
func (s *Store) hydrateActivity(ctx context.Context, resource string, priority ratelimit.Priority, since time.Time, max int) ([]time.Time, error) {
	stamps, err := s.client.RecordsSince(ctx, ratelimit.PriorityPartition(resource, priority), since.UnixMilli(), max)
	if err != nil {
		return nil, apperrors.InternalError("failed to load activity history", err)
	}
	out := make([]time.Time, 0, len(stamps))
	for _, ms := range stamps {
		out = append(out, time.UnixMilli(ms))
	}
	return out, nil
}

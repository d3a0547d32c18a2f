// Package sqlite implements the rate-limit store over an embedded SQLite
// database. Window counts are range queries over a timestamp column and
// acquire's conditional write is an insert into a table whose primary key
// is the slot identity, run inside a transaction together with the request
// record. SQLite has no native TTL, so cleanup is explicit: a cron-driven
// janitor and an on-demand Cleanup both delete aged rows in bounded batches.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	apperrors "rate-gate/internal/common/errors"
	"rate-gate/internal/common/logging"
	"rate-gate/internal/ratelimit"
)

// deleteBatchSize bounds each janitor delete so a huge backlog cannot hold
// the write lock for the whole cleanup.
const deleteBatchSize = 500

// Store is the embedded-SQL rate-limit backend.
type Store struct {
	*ratelimit.Base

	db      *sql.DB
	janitor *cron.Cron
}

// NewStore opens (and if necessary migrates) the database at cfg.Path.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, apperrors.InternalError("failed to open database", err)
	}
	// A single connection serializes writers, which avoids SQLITE_BUSY
	// under concurrent slot claims.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.InternalError("failed to ping database", err)
	}

	s := &Store{db: db}
	s.Base = ratelimit.NewBase(cfg.Options, s.hydrateActivity)

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.CleanupInterval > 0 {
		s.janitor = cron.New()
		_, err := s.janitor.AddFunc(fmt.Sprintf("@every %s", cfg.CleanupInterval), func() {
			if err := s.Cleanup(context.Background()); err != nil && !apperrors.IsDestroyed(err) {
				s.Logger().Warn("scheduled cleanup failed", logging.Field{Key: "error", Value: err})
			}
		})
		if err != nil {
			db.Close()
			return nil, apperrors.InternalError("failed to schedule cleanup", err)
		}
		s.janitor.Start()
	}

	s.Logger().Info("sqlite rate-limit store opened", logging.Field{Key: "path", Value: cfg.Path})
	return s, nil
}

var _ ratelimit.Store = (*Store)(nil)

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS rate_limits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			resource TEXT NOT NULL,
			ts INTEGER NOT NULL,
			priority TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limits_resource_ts
			ON rate_limits (resource, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limits_resource_priority_ts
			ON rate_limits (resource, priority, ts)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_slots (
			resource TEXT NOT NULL,
			window_ms INTEGER NOT NULL,
			slot INTEGER NOT NULL,
			claimed_at INTEGER NOT NULL,
			PRIMARY KEY (resource, window_ms, slot)
		)`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			origin TEXT PRIMARY KEY,
			until_ms INTEGER NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return apperrors.InternalError("failed to migrate database", err)
		}
	}
	return nil
}

// translate maps driver errors into the shared taxonomy. A missing table is
// re-raised as the actionable infrastructure error at every call site.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if idx := strings.Index(msg, "no such table: "); idx >= 0 {
		return apperrors.MissingTableError(msg[idx+len("no such table: "):], err)
	}
	return apperrors.InternalError(op, err)
}

// isConstraintViolation reports whether err is the unique-key violation that
// signals a lost slot-claim race.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

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

// Acquire reserves one admission slot and records the request in a single
// transaction.
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

// claimSlot attempts the conditional write for one slot index: free the
// slot's expired claim if any, insert a fresh claim (the primary key makes
// this fail when the slot is still held) and the request record, then
// commit. A unique-constraint failure is the conflict signal.
func (s *Store) claimSlot(ctx context.Context, resource string, cfg ratelimit.Config, slot int, priority ratelimit.Priority) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := s.Clock().Now().UnixMilli()
	windowMs := cfg.Window.Milliseconds()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_limit_slots WHERE resource = ? AND window_ms = ? AND slot = ? AND claimed_at < ?`,
		resource, windowMs, slot, now-windowMs,
	); err != nil {
		return translate("failed to expire slot claim", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_slots (resource, window_ms, slot, claimed_at) VALUES (?, ?, ?, ?)`,
		resource, windowMs, slot, now,
	); err != nil {
		if isConstraintViolation(err) {
			return apperrors.ConflictError("slot already claimed")
		}
		return translate("failed to claim slot", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limits (resource, ts, priority, request_id) VALUES (?, ?, ?, ?)`,
		resource, now, string(priority), uuid.NewString(),
	); err != nil {
		return translate("failed to insert request record", err)
	}

	if err := tx.Commit(); err != nil {
		return translate("failed to commit slot claim", err)
	}
	return nil
}

// Record logs a completed request without checking capacity.
func (s *Store) Record(ctx context.Context, resource string, priority ratelimit.Priority) error {
	if _, err := s.Guard(resource, priority); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (resource, ts, priority, request_id) VALUES (?, ?, ?, ?)`,
		resource, s.Clock().Now().UnixMilli(), string(priority), uuid.NewString(),
	)
	if err != nil {
		return translate("failed to insert request record", err)
	}

	s.Observe(ctx, resource, priority)
	return nil
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
	oldest, found, err := s.oldestInWindow(ctx, resource, scope, now.Add(-cfg.Window))
	if err != nil {
		return 0, err
	}
	return ratelimit.WaitFromOldest(oldest, found, cfg.Window, now), nil
}

// Reset deletes all records and slot claims for one resource.
func (s *Store) Reset(ctx context.Context, resource string) error {
	if _, err := s.Guard(resource, ""); err != nil {
		return err
	}

	if err := s.batchDelete(ctx, `DELETE FROM rate_limits WHERE id IN
		(SELECT id FROM rate_limits WHERE resource = ? LIMIT ?)`, resource); err != nil {
		return err
	}
	if err := s.batchDelete(ctx, `DELETE FROM rate_limit_slots WHERE rowid IN
		(SELECT rowid FROM rate_limit_slots WHERE resource = ? LIMIT ?)`, resource); err != nil {
		return err
	}

	s.ForgetResource(resource)
	return nil
}

// Clear resets every resource and removes all cooldowns.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.CheckDestroyed(); err != nil {
		return err
	}

	for _, query := range []string{
		`DELETE FROM rate_limits WHERE id IN (SELECT id FROM rate_limits LIMIT ?)`,
		`DELETE FROM rate_limit_slots WHERE rowid IN (SELECT rowid FROM rate_limit_slots LIMIT ?)`,
		`DELETE FROM cooldowns WHERE origin IN (SELECT origin FROM cooldowns LIMIT ?)`,
	} {
		if err := s.batchDelete(ctx, query); err != nil {
			return err
		}
	}

	s.ForgetAll()
	return nil
}

// batchDelete runs a LIMIT-bounded delete until no rows remain, so bulk
// removal never holds the write lock in one huge statement.
func (s *Store) batchDelete(ctx context.Context, query string, args ...interface{}) error {
	for {
		execArgs := append(append([]interface{}{}, args...), deleteBatchSize)
		res, err := s.db.ExecContext(ctx, query, execArgs...)
		if err != nil {
			return translate("failed to delete rows", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return apperrors.InternalError("failed to read affected rows", err)
		}
		if affected < deleteBatchSize {
			return nil
		}
	}
}

// Cleanup deletes aged request records, expired slot claims and expired
// cooldowns. Each resource ages out against its own configured window.
func (s *Store) Cleanup(ctx context.Context) error {
	if err := s.CheckDestroyed(); err != nil {
		return err
	}

	now := s.Clock().Now().UnixMilli()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT resource FROM rate_limits`)
	if err != nil {
		return translate("failed to list resources", err)
	}
	resources := make([]string, 0)
	for rows.Next() {
		var resource string
		if err := rows.Scan(&resource); err != nil {
			rows.Close()
			return apperrors.InternalError("failed to scan resource", err)
		}
		resources = append(resources, resource)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperrors.InternalError("failed to iterate resources", err)
	}

	deleted := 0
	for _, resource := range resources {
		cfg := s.ResourceConfig(resource)
		cutoff := now - cfg.Window.Milliseconds()
		if err := s.batchDelete(ctx, `DELETE FROM rate_limits WHERE id IN
			(SELECT id FROM rate_limits WHERE resource = ? AND ts < ? LIMIT ?)`, resource, cutoff); err != nil {
			return err
		}
		deleted++
	}

	if err := s.batchDelete(ctx, `DELETE FROM rate_limit_slots WHERE rowid IN
		(SELECT rowid FROM rate_limit_slots WHERE claimed_at < ? - window_ms LIMIT ?)`, now); err != nil {
		return err
	}
	if err := s.batchDelete(ctx, `DELETE FROM cooldowns WHERE origin IN
		(SELECT origin FROM cooldowns WHERE until_ms <= ? LIMIT ?)`, now); err != nil {
		return err
	}

	s.Logger().Debug("cleanup finished", logging.Field{Key: "resources", Value: deleted})
	return nil
}

// SetCooldown marks an origin "do not send until" the given time.
func (s *Store) SetCooldown(ctx context.Context, origin string, until time.Time) error {
	if err := s.GuardOrigin(origin); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldowns (origin, until_ms) VALUES (?, ?)
		 ON CONFLICT (origin) DO UPDATE SET until_ms = excluded.until_ms`,
		origin, until.UnixMilli(),
	)
	return translate("failed to set cooldown", err)
}

// Cooldown returns the active cooldown deadline, expiring stale rows on read.
func (s *Store) Cooldown(ctx context.Context, origin string) (time.Time, bool, error) {
	if err := s.GuardOrigin(origin); err != nil {
		return time.Time{}, false, err
	}

	var untilMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT until_ms FROM cooldowns WHERE origin = ?`, origin,
	).Scan(&untilMs)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, translate("failed to read cooldown", err)
	}

	until := time.UnixMilli(untilMs)
	if !until.After(s.Clock().Now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE origin = ?`, origin); err != nil {
			return time.Time{}, false, translate("failed to expire cooldown", err)
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE origin = ?`, origin)
	return translate("failed to clear cooldown", err)
}

// Close destroys the store and closes the database. Idempotent.
func (s *Store) Close() error {
	if !s.MarkDestroyed() {
		return nil
	}

	if s.janitor != nil {
		s.janitor.Stop()
	}
	s.ForgetAll()
	if err := s.db.Close(); err != nil {
		return apperrors.InternalError("failed to close database", err)
	}
	return nil
}

func (s *Store) windowCount(ctx context.Context, resource string, scope ratelimit.Priority, cfg ratelimit.Config) (int, error) {
	cutoff := s.Clock().Now().Add(-cfg.Window).UnixMilli()

	var (
		count int
		err   error
	)
	if scope == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_limits WHERE resource = ? AND ts >= ?`,
			resource, cutoff,
		).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_limits WHERE resource = ? AND priority = ? AND ts >= ?`,
			resource, string(scope), cutoff,
		).Scan(&count)
	}
	if err != nil {
		return 0, translate("failed to count window", err)
	}
	return count, nil
}

func (s *Store) oldestInWindow(ctx context.Context, resource string, scope ratelimit.Priority, cutoff time.Time) (time.Time, bool, error) {
	var (
		ts  int64
		err error
	)
	if scope == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT ts FROM rate_limits WHERE resource = ? AND ts >= ? ORDER BY ts ASC LIMIT 1`,
			resource, cutoff.UnixMilli(),
		).Scan(&ts)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT ts FROM rate_limits WHERE resource = ? AND priority = ? AND ts >= ? ORDER BY ts ASC LIMIT 1`,
			resource, string(scope), cutoff.UnixMilli(),
		).Scan(&ts)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, translate("failed to find oldest record", err)
	}
	return time.UnixMilli(ts), true, nil
}

// hydrateActivity loads persisted per-priority timestamps for the adaptive
// tracker's cold start, oldest first, bounded to max entries.
func (s *Store) hydrateActivity(ctx context.Context, resource string, priority ratelimit.Priority, since time.Time, max int) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts FROM rate_limits WHERE resource = ? AND priority = ? AND ts >= ? ORDER BY ts ASC LIMIT ?`,
		resource, string(priority), since.UnixMilli(), max,
	)
	if err != nil {
		return nil, translate("failed to load activity history", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, apperrors.InternalError("failed to scan activity row", err)
		}
		out = append(out, time.UnixMilli(ts))
	}
	return out, rows.Err()
}

package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "rate-gate/internal/common/errors"
	"rate-gate/internal/common/logging"
)

// Base carries the state and checks every backend shares: the config
// registry, the optional adaptive allocator, the injected clock and the
// destroyed flag. Backend implementations embed it and wire their
// persistence around it.
type Base struct {
	clock     clockwork.Clock
	logger    logging.Logger
	registry  *configRegistry
	alloc     *allocator
	destroyed atomic.Bool
}

// NewBase builds the shared backend state from construction options.
// hydrate, when non-nil, loads persisted activity history on the first
// touch of each resource; in-process backends pass nil.
func NewBase(opts Options, hydrate HydrateFunc) *Base {
	opts = opts.withDefaults()
	b := &Base{
		clock:    opts.Clock,
		logger:   opts.Logger,
		registry: newConfigRegistry(opts.Default),
	}
	if opts.Adaptive != nil {
		b.alloc = newAllocator(*opts.Adaptive, opts.Clock, opts.Logger, hydrate)
	}
	return b
}

// Clock returns the store's clock.
func (b *Base) Clock() clockwork.Clock {
	return b.clock
}

// Logger returns the store's logger.
func (b *Base) Logger() logging.Logger {
	return b.logger
}

// CheckDestroyed fails every operation against a closed store.
func (b *Base) CheckDestroyed() error {
	if b.destroyed.Load() {
		return apperrors.DestroyedError()
	}
	return nil
}

// MarkDestroyed flips the destroyed flag, reporting whether this call was
// the one that destroyed the store. Close is idempotent.
func (b *Base) MarkDestroyed() bool {
	return b.destroyed.CompareAndSwap(false, true)
}

// Guard runs the destroyed and validation checks shared by every
// resource-scoped operation and resolves the resource's config.
func (b *Base) Guard(resource string, priority Priority) (Config, error) {
	if err := b.CheckDestroyed(); err != nil {
		return Config{}, err
	}
	if err := ValidateResource(resource); err != nil {
		return Config{}, err
	}
	if !priority.valid() {
		return Config{}, apperrors.ValidationError("priority must be user or background")
	}
	return b.registry.get(resource), nil
}

// GuardOrigin runs the checks shared by cooldown operations.
func (b *Base) GuardOrigin(origin string) error {
	if err := b.CheckDestroyed(); err != nil {
		return err
	}
	return ValidateOrigin(origin)
}

// SetResourceConfig assigns an explicit config to a resource.
func (b *Base) SetResourceConfig(resource string, cfg Config) error {
	if _, err := b.Guard(resource, ""); err != nil {
		return err
	}
	b.registry.set(resource, cfg)
	return nil
}

// ResourceConfig returns the resource's config, falling back to the
// store-wide default.
func (b *Base) ResourceConfig(resource string) Config {
	return b.registry.get(resource)
}

// Scope returns the priority to count records under: adaptive stores count
// per priority class, non-adaptive stores always count the whole resource.
func (b *Base) Scope(priority Priority) Priority {
	if b.alloc == nil {
		return ""
	}
	return priority
}

// RecalculationInterval returns the adaptive recalculation interval, or
// zero when the store is not adaptive.
func (b *Base) RecalculationInterval() time.Duration {
	if b.alloc == nil {
		return 0
	}
	return b.alloc.cfg.RecalculationInterval
}

// MonitoringWindow returns the adaptive monitoring window, or zero when
// the store is not adaptive.
func (b *Base) MonitoringWindow() time.Duration {
	if b.alloc == nil {
		return 0
	}
	return b.alloc.cfg.MonitoringWindow
}

// Adaptive reports whether priority-aware allocation is enabled.
func (b *Base) Adaptive() bool {
	return b.alloc != nil
}

// Capacity resolves the effective limit for a priority class. Without an
// allocator, or for unscoped calls, the full limit applies.
func (b *Base) Capacity(ctx context.Context, resource string, cfg Config, priority Priority) (limit int, paused bool, snap *CapacitySnapshot) {
	limit = cfg.Limit
	if b.alloc == nil {
		return limit, false, nil
	}

	snap = b.alloc.snapshot(ctx, resource, cfg.Limit)
	switch priority {
	case PriorityUser:
		limit = snap.UserReserved
	case PriorityBackground:
		limit = snap.BackgroundMax
		paused = snap.BackgroundPaused
	}
	return limit, paused, snap
}

// Observe feeds an admitted or recorded request into the activity history.
func (b *Base) Observe(ctx context.Context, resource string, priority Priority) {
	if b.alloc != nil {
		b.alloc.observe(ctx, resource, priority)
	}
}

// ForgetResource drops a resource's cached adaptive state.
func (b *Base) ForgetResource(resource string) {
	if b.alloc != nil {
		b.alloc.forget(resource)
	}
}

// ForgetAll drops all cached adaptive state.
func (b *Base) ForgetAll() {
	if b.alloc != nil {
		b.alloc.clear()
	}
}

// AcquireSlots runs the bounded slot-claim loop. claim must attempt a
// conditional write for the given slot index and return a conflict error
// when the slot is already held within the window; any other error aborts
// the loop immediately. Exhausting every slot is a normal false result.
//
// Slot indices range over the full configured limit, not the currently
// free count: indices are stable identities, so a claim that loses a race
// on one index simply advances to the next.
func (b *Base) AcquireSlots(ctx context.Context, cfg Config, effLimit, count int, claim func(ctx context.Context, slot int) error) (bool, error) {
	if cfg.Limit <= 0 || effLimit-count <= 0 {
		return false, nil
	}

	for slot := 0; slot < cfg.Limit; slot++ {
		err := claim(ctx, slot)
		if err == nil {
			return true, nil
		}
		if apperrors.IsConflict(err) {
			continue
		}
		return false, err
	}
	return false, nil
}

// WaitFromOldest converts the oldest in-window record into the time left
// until it ages out. A missing oldest record (a reset raced the query)
// means there is nothing to wait for.
func WaitFromOldest(oldest time.Time, found bool, window time.Duration, now time.Time) time.Duration {
	if !found {
		return 0
	}
	wait := oldest.Add(window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Remaining clamps limit minus count at zero.
func Remaining(limit, count int) int {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}

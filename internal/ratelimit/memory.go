package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "rate-gate/internal/common/errors"
)

// memoryRecord is one accepted request held in process memory.
type memoryRecord struct {
	ts       time.Time
	priority Priority
	id       string
}

// MemoryStore is the in-process backend. All state lives in maps guarded by
// one mutex; no operation suspends. Acquire's conditional write is a
// check-and-insert inside a single critical section.
type MemoryStore struct {
	*Base

	mu        sync.Mutex
	records   map[string][]memoryRecord
	slots     map[string]time.Time
	cooldowns map[string]time.Time
}

// NewMemoryStore creates an in-process rate-limit store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		Base:      NewBase(opts, nil),
		records:   make(map[string][]memoryRecord),
		slots:     make(map[string]time.Time),
		cooldowns: make(map[string]time.Time),
	}
}

var _ Store = (*MemoryStore)(nil)

// CanProceed reports whether a request would currently be admitted.
func (m *MemoryStore) CanProceed(ctx context.Context, resource string, priority Priority) (bool, error) {
	cfg, err := m.Guard(resource, priority)
	if err != nil {
		return false, err
	}
	if cfg.Limit <= 0 {
		return false, nil
	}

	effLimit, paused, _ := m.Capacity(ctx, resource, cfg, priority)
	if paused && priority == PriorityBackground {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(resource, m.Scope(priority), cfg) < effLimit, nil
}

// Acquire reserves one admission slot and records the request atomically.
func (m *MemoryStore) Acquire(ctx context.Context, resource string, priority Priority) (bool, error) {
	cfg, err := m.Guard(resource, priority)
	if err != nil {
		return false, err
	}

	effLimit, paused, _ := m.Capacity(ctx, resource, cfg, priority)
	if paused && priority == PriorityBackground {
		return false, nil
	}

	m.mu.Lock()
	count := m.countLocked(resource, m.Scope(priority), cfg)
	m.mu.Unlock()

	ok, err := m.AcquireSlots(ctx, cfg, effLimit, count, func(_ context.Context, slot int) error {
		return m.claimSlot(resource, cfg, slot, priority)
	})
	if err != nil {
		return false, err
	}
	if ok {
		m.Observe(ctx, resource, priority)
	}
	return ok, nil
}

// claimSlot is the in-memory conditional write: the slot key is claimed only
// if no unexpired claim holds it, and the request record lands in the same
// critical section.
func (m *MemoryStore) claimSlot(resource string, cfg Config, slot int, priority Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	key := SlotKey(resource, cfg.Window, slot)
	if claimedAt, ok := m.slots[key]; ok && !claimedAt.Before(now.Add(-cfg.Window)) {
		return apperrors.ConflictError("slot already claimed")
	}

	m.slots[key] = now
	m.records[resource] = append(m.records[resource], memoryRecord{ts: now, priority: priority, id: uuid.NewString()})
	return nil
}

// Record logs a completed request without checking capacity.
func (m *MemoryStore) Record(ctx context.Context, resource string, priority Priority) error {
	if _, err := m.Guard(resource, priority); err != nil {
		return err
	}

	m.mu.Lock()
	m.records[resource] = append(m.records[resource], memoryRecord{ts: m.clock.Now(), priority: priority, id: uuid.NewString()})
	m.mu.Unlock()

	m.Observe(ctx, resource, priority)
	return nil
}

// Status returns the resource's remaining capacity and approximate reset time.
func (m *MemoryStore) Status(ctx context.Context, resource string, priority Priority) (Status, error) {
	cfg, err := m.Guard(resource, priority)
	if err != nil {
		return Status{}, err
	}

	effLimit, _, snap := m.Capacity(ctx, resource, cfg, priority)

	m.mu.Lock()
	count := m.countLocked(resource, m.Scope(priority), cfg)
	m.mu.Unlock()

	return Status{
		Remaining: Remaining(effLimit, count),
		ResetTime: m.clock.Now().Add(cfg.Window),
		Limit:     effLimit,
		Adaptive:  snap,
	}, nil
}

// WaitTime returns how long to wait before the next attempt can succeed.
func (m *MemoryStore) WaitTime(ctx context.Context, resource string, priority Priority) (time.Duration, error) {
	cfg, err := m.Guard(resource, priority)
	if err != nil {
		return 0, err
	}
	if cfg.Limit <= 0 {
		return cfg.Window, nil
	}

	effLimit, paused, _ := m.Capacity(ctx, resource, cfg, priority)
	if paused && priority == PriorityBackground {
		// Pause state, not window occupancy, is the blocking factor.
		return m.RecalculationInterval(), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	scope := m.Scope(priority)
	if m.countLocked(resource, scope, cfg) < effLimit {
		return 0, nil
	}

	now := m.clock.Now()
	oldest, found := m.oldestLocked(resource, scope, now.Add(-cfg.Window))
	return WaitFromOldest(oldest, found, cfg.Window, now), nil
}

// Reset deletes all records, slot claims and cached adaptive state for one resource.
func (m *MemoryStore) Reset(ctx context.Context, resource string) error {
	if _, err := m.Guard(resource, ""); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.records, resource)
	slotPrefix := slotNamespace + resource + "#"
	for key := range m.slots {
		if strings.HasPrefix(key, slotPrefix) {
			delete(m.slots, key)
		}
	}
	m.mu.Unlock()

	m.ForgetResource(resource)
	return nil
}

// Clear resets every resource and drops all cooldowns.
func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := m.CheckDestroyed(); err != nil {
		return err
	}

	m.mu.Lock()
	m.records = make(map[string][]memoryRecord)
	m.slots = make(map[string]time.Time)
	m.cooldowns = make(map[string]time.Time)
	m.mu.Unlock()

	m.ForgetAll()
	return nil
}

// SetCooldown marks an origin "do not send until" the given time.
func (m *MemoryStore) SetCooldown(ctx context.Context, origin string, until time.Time) error {
	if err := m.GuardOrigin(origin); err != nil {
		return err
	}
	m.mu.Lock()
	m.cooldowns[origin] = until
	m.mu.Unlock()
	return nil
}

// Cooldown returns the active cooldown deadline, expiring stale entries on read.
func (m *MemoryStore) Cooldown(ctx context.Context, origin string) (time.Time, bool, error) {
	if err := m.GuardOrigin(origin); err != nil {
		return time.Time{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.cooldowns[origin]
	if !ok {
		return time.Time{}, false, nil
	}
	if !until.After(m.clock.Now()) {
		delete(m.cooldowns, origin)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// ClearCooldown removes an origin's cooldown unconditionally.
func (m *MemoryStore) ClearCooldown(ctx context.Context, origin string) error {
	if err := m.GuardOrigin(origin); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cooldowns, origin)
	m.mu.Unlock()
	return nil
}

// Close destroys the store. Idempotent.
func (m *MemoryStore) Close() error {
	if !m.MarkDestroyed() {
		return nil
	}

	m.mu.Lock()
	m.records = nil
	m.slots = nil
	m.cooldowns = nil
	m.mu.Unlock()

	m.ForgetAll()
	return nil
}

// countLocked counts in-window records, pruning aged ones while it scans.
func (m *MemoryStore) countLocked(resource string, scope Priority, cfg Config) int {
	cutoff := m.clock.Now().Add(-cfg.Window)
	recs := m.records[resource]

	start := 0
	for start < len(recs) && recs[start].ts.Before(cutoff) {
		start++
	}
	if start > 0 {
		recs = recs[start:]
		m.records[resource] = recs
	}

	if scope == "" {
		return len(recs)
	}
	count := 0
	for _, r := range recs {
		if r.priority == scope {
			count++
		}
	}
	return count
}

// oldestLocked returns the oldest in-window record timestamp for the scope.
func (m *MemoryStore) oldestLocked(resource string, scope Priority, cutoff time.Time) (time.Time, bool) {
	for _, r := range m.records[resource] {
		if r.ts.Before(cutoff) {
			continue
		}
		if scope == "" || r.priority == scope {
			return r.ts, true
		}
	}
	return time.Time{}, false
}

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"rate-gate/internal/common/logging"
)

// Trend classifies the recent shape of a resource's user traffic.
type Trend string

const (
	TrendNone       Trend = "none"
	TrendStable     Trend = "stable"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
)

// classifyTrend compares request density in the first and second halves of
// the monitoring window. Fewer than four samples is too little signal to
// call anything but stable.
func classifyTrend(samples []time.Time, window time.Duration, now time.Time) Trend {
	if len(samples) == 0 {
		return TrendNone
	}
	if len(samples) < 4 {
		return TrendStable
	}

	mid := now.Add(-window / 2)
	var first, second int
	for _, ts := range samples {
		if ts.Before(mid) {
			first++
		} else {
			second++
		}
	}

	switch {
	case float64(second) > float64(first)*1.5:
		return TrendIncreasing
	case float64(second) < float64(first)*0.5:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// HydrateFunc loads a resource's persisted per-priority request timestamps,
// oldest first, bounded to max entries at or after since. Persistent
// backends supply one so a fresh store instance does not start from an
// empty activity history.
type HydrateFunc func(ctx context.Context, resource string, priority Priority, since time.Time, max int) ([]time.Time, error)

// resourceActivity is the bounded recent-request history of one resource.
// lastUser outlives window pruning: the sustained-inactivity strategy needs
// to know when user traffic was last seen, not just whether any of it is
// still inside the monitoring window.
type resourceActivity struct {
	user       []time.Time
	background []time.Time
	lastUser   time.Time
	hydrated   bool
}

// activityTracker maintains per-resource, per-priority request histories.
// It is instance-owned cache state, never a source of truth for admission.
type activityTracker struct {
	mu         sync.Mutex
	cfg        AdaptiveConfig
	clock      clockwork.Clock
	logger     logging.Logger
	maxSamples int
	resources  map[string]*resourceActivity
	hydrate    HydrateFunc
}

func newActivityTracker(cfg AdaptiveConfig, clock clockwork.Clock, logger logging.Logger, hydrate HydrateFunc) *activityTracker {
	return &activityTracker{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		maxSamples: cfg.maxSamples(),
		resources:  make(map[string]*resourceActivity),
		hydrate:    hydrate,
	}
}

// observe appends a request timestamp to the resource's history.
func (t *activityTracker) observe(ctx context.Context, resource string, priority Priority) {
	if priority != PriorityUser && priority != PriorityBackground {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	act := t.ensureLocked(ctx, resource)
	now := t.clock.Now()
	if priority == PriorityUser {
		act.user = append(act.user, now)
		act.lastUser = now
	} else {
		act.background = append(act.background, now)
	}
	t.pruneLocked(act)
}

// stats returns pruned copies of the resource's histories plus the last user
// request time (zero if user traffic has never been seen).
func (t *activityTracker) stats(ctx context.Context, resource string) (user, background []time.Time, lastUser time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	act := t.ensureLocked(ctx, resource)
	t.pruneLocked(act)

	user = append([]time.Time(nil), act.user...)
	background = append([]time.Time(nil), act.background...)
	return user, background, act.lastUser
}

func (t *activityTracker) forget(resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.resources, resource)
}

func (t *activityTracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources = make(map[string]*resourceActivity)
}

// ensureLocked returns the resource's history, hydrating it from persisted
// storage on first touch. Hydration failures degrade to an empty history;
// admission must not fail because metrics could not be loaded.
func (t *activityTracker) ensureLocked(ctx context.Context, resource string) *resourceActivity {
	act, ok := t.resources[resource]
	if !ok {
		act = &resourceActivity{}
		t.resources[resource] = act
	}
	if act.hydrated {
		return act
	}
	act.hydrated = true

	if t.hydrate == nil {
		return act
	}

	since := t.clock.Now().Add(-t.cfg.MonitoringWindow)
	if user, err := t.hydrate(ctx, resource, PriorityUser, since, t.maxSamples); err != nil {
		t.logger.Warn("failed to hydrate user activity history", logging.Field{Key: "resource", Value: resource}, logging.Field{Key: "error", Value: err})
	} else {
		act.user = user
		if len(user) > 0 {
			act.lastUser = user[len(user)-1]
		}
	}
	if background, err := t.hydrate(ctx, resource, PriorityBackground, since, t.maxSamples); err != nil {
		t.logger.Warn("failed to hydrate background activity history", logging.Field{Key: "resource", Value: resource}, logging.Field{Key: "error", Value: err})
	} else {
		act.background = background
	}
	return act
}

// pruneLocked drops entries outside the monitoring window, then trims the
// oldest entries past the sample cap.
func (t *activityTracker) pruneLocked(act *resourceActivity) {
	cutoff := t.clock.Now().Add(-t.cfg.MonitoringWindow)
	act.user = pruneSamples(act.user, cutoff, t.maxSamples)
	act.background = pruneSamples(act.background, cutoff, t.maxSamples)
}

func pruneSamples(samples []time.Time, cutoff time.Time, max int) []time.Time {
	start := 0
	for start < len(samples) && samples[start].Before(cutoff) {
		start++
	}
	samples = samples[start:]
	if len(samples) > max {
		samples = samples[len(samples)-max:]
	}
	return samples
}

// Allocation strategy constants. These fractions are fixed algorithm
// parameters, not configuration.
const (
	initialUserFraction = 0.3
	baseUserFraction    = 0.4
	dynamicUserCeiling  = 0.7
	highUserFraction    = 0.8
)

// allocator decides how each resource's limit is split between user and
// background traffic, caching the decision until the recalculation interval
// elapses.
type allocator struct {
	cfg     AdaptiveConfig
	clock   clockwork.Clock
	logger  logging.Logger
	tracker *activityTracker

	mu        sync.Mutex
	snapshots map[string]*CapacitySnapshot
	group     singleflight.Group
}

func newAllocator(cfg AdaptiveConfig, clock clockwork.Clock, logger logging.Logger, hydrate HydrateFunc) *allocator {
	return &allocator{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		tracker:   newActivityTracker(cfg, clock, logger, hydrate),
		snapshots: make(map[string]*CapacitySnapshot),
	}
}

// snapshot returns the resource's current capacity split, recomputing it at
// most once per recalculation interval. Concurrent recomputations for one
// resource collapse into a single computation.
func (a *allocator) snapshot(ctx context.Context, resource string, limit int) *CapacitySnapshot {
	a.mu.Lock()
	if snap, ok := a.snapshots[resource]; ok && a.clock.Now().Sub(snap.ComputedAt) < a.cfg.RecalculationInterval {
		a.mu.Unlock()
		return snap
	}
	a.mu.Unlock()

	v, _, _ := a.group.Do(resource, func() (interface{}, error) {
		snap := a.compute(ctx, resource, limit)
		a.mu.Lock()
		a.snapshots[resource] = snap
		a.mu.Unlock()
		a.logger.Debug("recalculated capacity allocation",
			logging.Field{Key: "resource", Value: resource},
			logging.Field{Key: "user_reserved", Value: snap.UserReserved},
			logging.Field{Key: "background_max", Value: snap.BackgroundMax},
			logging.Field{Key: "background_paused", Value: snap.BackgroundPaused},
			logging.Field{Key: "reason", Value: snap.Reason},
		)
		return snap, nil
	})
	return v.(*CapacitySnapshot)
}

// compute evaluates the allocation strategies in priority order.
func (a *allocator) compute(ctx context.Context, resource string, limit int) *CapacitySnapshot {
	now := a.clock.Now()
	user, background, lastUser := a.tracker.stats(ctx, resource)

	snap := &CapacitySnapshot{ComputedAt: now}

	switch {
	case len(user) == 0 && len(background) == 0 && lastUser.IsZero():
		snap.UserReserved = int(math.Round(float64(limit) * initialUserFraction))
		snap.BackgroundMax = limit - snap.UserReserved
		snap.Reason = "Initial state: reserving 30% of the limit for user traffic"

	case lastUser.IsZero() || now.Sub(lastUser) >= a.cfg.SustainedInactivityThreshold:
		// Full reclaim: background may use the entire limit until user
		// traffic reappears.
		snap.UserReserved = 0
		snap.BackgroundMax = limit
		snap.Reason = "Sustained zero activity: background may use the full limit"

	case len(user) >= a.cfg.HighActivityThreshold:
		reserved := int(math.Round(float64(limit) * highUserFraction))
		if reserved < a.cfg.MinUserReserved {
			reserved = a.cfg.MinUserReserved
		}
		if reserved > limit {
			reserved = limit
		}
		snap.UserReserved = reserved
		snap.BackgroundMax = limit - reserved
		trend := classifyTrend(user, a.cfg.MonitoringWindow, now)
		snap.BackgroundPaused = a.cfg.BackgroundPauseOnIncreasingTrend && trend == TrendIncreasing
		snap.Reason = "High user activity: prioritizing interactive traffic"

	default:
		base := math.Floor(float64(limit) * baseUserFraction)
		mult := 1 + float64(len(user))/5
		if mult > a.cfg.MaxUserScaling {
			mult = a.cfg.MaxUserScaling
		}
		dynamic := math.Min(math.Floor(float64(limit)*dynamicUserCeiling), math.Floor(base*mult))
		reserved := int(dynamic)
		if reserved < a.cfg.MinUserReserved {
			reserved = a.cfg.MinUserReserved
		}
		if reserved > limit {
			reserved = limit
		}
		snap.UserReserved = reserved
		snap.BackgroundMax = limit - reserved
		snap.Reason = "Moderate activity: dynamic scaling of the user reservation"
	}

	return snap
}

// observe feeds a request into the activity history.
func (a *allocator) observe(ctx context.Context, resource string, priority Priority) {
	a.tracker.observe(ctx, resource, priority)
}

// forget drops the cached snapshot and history of one resource.
func (a *allocator) forget(resource string) {
	a.mu.Lock()
	delete(a.snapshots, resource)
	a.mu.Unlock()
	a.tracker.forget(resource)
}

// clear drops every cached snapshot and history.
func (a *allocator) clear() {
	a.mu.Lock()
	a.snapshots = make(map[string]*CapacitySnapshot)
	a.mu.Unlock()
	a.tracker.clear()
}

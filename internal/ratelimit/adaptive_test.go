package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rate-gate/internal/common/logging"
)

func testAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MonitoringWindow:                 5 * time.Minute,
		HighActivityThreshold:            5,
		ModerateActivityThreshold:        2,
		RecalculationInterval:            30 * time.Second,
		SustainedInactivityThreshold:     10 * time.Minute,
		BackgroundPauseOnIncreasingTrend: true,
		MaxUserScaling:                   3,
		MinUserReserved:                  1,
	}.withDefaults()
}

func newTestAllocator(hydrate HydrateFunc) (*allocator, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return newAllocator(testAdaptiveConfig(), clock, logging.NopLogger(), hydrate), clock
}

func TestClassifyTrend(t *testing.T) {
	now := time.Now()
	window := 4 * time.Minute

	at := func(offsets ...time.Duration) []time.Time {
		out := make([]time.Time, 0, len(offsets))
		for _, off := range offsets {
			out = append(out, now.Add(-off))
		}
		return out
	}

	tests := []struct {
		name    string
		samples []time.Time
		want    Trend
	}{
		{"no samples", nil, TrendNone},
		{"too few samples", at(time.Minute, time.Second), TrendStable},
		{"recent burst", at(90*time.Second, 60*time.Second, 30*time.Second, 10*time.Second, 5*time.Second, time.Second), TrendIncreasing},
		{"tapering off", at(3*time.Minute+50*time.Second, 3*time.Minute+40*time.Second, 3*time.Minute, 2*time.Minute+30*time.Second, 10*time.Second), TrendDecreasing},
		{"even spread", at(3*time.Minute+30*time.Second, 2*time.Minute+30*time.Second, 90*time.Second, 30*time.Second), TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyTrend(tt.samples, window, now))
		})
	}
}

func TestAllocator_InitialState(t *testing.T) {
	alloc, _ := newTestAllocator(nil)

	snap := alloc.snapshot(context.Background(), "api.example.com", 200)
	assert.Equal(t, 60, snap.UserReserved)
	assert.Equal(t, 140, snap.BackgroundMax)
	assert.False(t, snap.BackgroundPaused)
	assert.Contains(t, snap.Reason, "Initial state")
}

func TestAllocator_SustainedZeroActivity(t *testing.T) {
	t.Run("user traffic long gone", func(t *testing.T) {
		alloc, clock := newTestAllocator(nil)
		ctx := context.Background()

		alloc.observe(ctx, "r", PriorityUser)
		clock.Advance(11 * time.Minute)

		snap := alloc.snapshot(ctx, "r", 100)
		assert.Equal(t, 0, snap.UserReserved)
		assert.Equal(t, 100, snap.BackgroundMax)
		assert.Contains(t, snap.Reason, "Sustained zero activity")
	})

	t.Run("background-only traffic reclaims the limit", func(t *testing.T) {
		alloc, _ := newTestAllocator(nil)
		ctx := context.Background()

		alloc.observe(ctx, "r", PriorityBackground)

		snap := alloc.snapshot(ctx, "r", 100)
		assert.Equal(t, 0, snap.UserReserved)
		assert.Equal(t, 100, snap.BackgroundMax)
	})
}

func TestAllocator_HighUserActivity(t *testing.T) {
	alloc, clock := newTestAllocator(nil)
	ctx := context.Background()

	// Six user requests in quick succession, all inside the second half of
	// the monitoring window: high activity with an increasing trend.
	for i := 0; i < 6; i++ {
		alloc.observe(ctx, "r", PriorityUser)
		clock.Advance(time.Second)
	}
	clock.Advance(alloc.cfg.RecalculationInterval)

	snap := alloc.snapshot(ctx, "r", 200)
	assert.Equal(t, 160, snap.UserReserved)
	assert.Equal(t, 40, snap.BackgroundMax)
	assert.True(t, snap.BackgroundPaused)
	assert.Contains(t, snap.Reason, "High user activity")
}

func TestAllocator_HighActivityWithoutPauseFlag(t *testing.T) {
	cfg := testAdaptiveConfig()
	cfg.BackgroundPauseOnIncreasingTrend = false
	clock := clockwork.NewFakeClock()
	alloc := newAllocator(cfg, clock, logging.NopLogger(), nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		alloc.observe(ctx, "r", PriorityUser)
		clock.Advance(time.Second)
	}

	snap := alloc.snapshot(ctx, "r", 200)
	assert.False(t, snap.BackgroundPaused)
	assert.Equal(t, 40, snap.BackgroundMax)
}

func TestAllocator_ModerateActivityScaling(t *testing.T) {
	alloc, clock := newTestAllocator(nil)
	ctx := context.Background()

	// Three user requests: below the high-activity threshold of five.
	for i := 0; i < 3; i++ {
		alloc.observe(ctx, "r", PriorityUser)
		clock.Advance(time.Second)
	}

	// base = floor(100*0.4) = 40; mult = 1 + 3/5 = 1.6;
	// dynamic = min(floor(100*0.7), floor(40*1.6)) = min(70, 64) = 64.
	snap := alloc.snapshot(ctx, "r", 100)
	assert.Equal(t, 64, snap.UserReserved)
	assert.Equal(t, 36, snap.BackgroundMax)
	assert.False(t, snap.BackgroundPaused)
	assert.Contains(t, snap.Reason, "dynamic scaling")
}

func TestAllocator_ModerateActivityCeiling(t *testing.T) {
	alloc, clock := newTestAllocator(nil)
	ctx := context.Background()

	// Four requests pushes the multiplier to 1.8: floor(40*1.8)=72 is above
	// the 70% ceiling, so the ceiling wins.
	for i := 0; i < 4; i++ {
		alloc.observe(ctx, "r", PriorityUser)
		clock.Advance(time.Second)
	}

	snap := alloc.snapshot(ctx, "r", 100)
	assert.Equal(t, 70, snap.UserReserved)
}

func TestAllocator_Monotonicity(t *testing.T) {
	// Rising user activity never shrinks the user reservation relative to
	// the initial allocation, for a fixed limit.
	const limit = 200
	ctx := context.Background()

	alloc, clock := newTestAllocator(nil)
	initial := alloc.snapshot(ctx, "r", limit).UserReserved

	for requests := 1; requests <= 6; requests++ {
		alloc, clock = newTestAllocator(nil)
		for i := 0; i < requests; i++ {
			alloc.observe(ctx, "r", PriorityUser)
			clock.Advance(time.Second)
		}
		snap := alloc.snapshot(ctx, "r", limit)
		assert.GreaterOrEqual(t, snap.UserReserved, initial, "%d requests", requests)
		if requests >= alloc.cfg.HighActivityThreshold {
			assert.True(t, snap.UserReserved > initial || snap.BackgroundPaused)
		}
	}
}

func TestAllocator_SnapshotCaching(t *testing.T) {
	alloc, clock := newTestAllocator(nil)
	ctx := context.Background()

	first := alloc.snapshot(ctx, "r", 100)

	// Activity inside the recalculation interval does not disturb the
	// cached snapshot.
	for i := 0; i < 6; i++ {
		alloc.observe(ctx, "r", PriorityUser)
	}
	cached := alloc.snapshot(ctx, "r", 100)
	assert.Same(t, first, cached)

	clock.Advance(alloc.cfg.RecalculationInterval)
	recomputed := alloc.snapshot(ctx, "r", 100)
	assert.NotSame(t, first, recomputed)
	assert.Contains(t, recomputed.Reason, "High user activity")
}

func TestAllocator_ForgetAndClear(t *testing.T) {
	alloc, _ := newTestAllocator(nil)
	ctx := context.Background()

	alloc.observe(ctx, "a", PriorityUser)
	alloc.observe(ctx, "b", PriorityUser)
	alloc.snapshot(ctx, "a", 100)
	alloc.snapshot(ctx, "b", 100)

	alloc.forget("a")
	alloc.mu.Lock()
	_, hasA := alloc.snapshots["a"]
	_, hasB := alloc.snapshots["b"]
	alloc.mu.Unlock()
	assert.False(t, hasA)
	assert.True(t, hasB)

	alloc.clear()
	snap := alloc.snapshot(ctx, "b", 100)
	assert.Contains(t, snap.Reason, "Initial state")
}

func TestActivityTracker_PruneAndBound(t *testing.T) {
	cfg := testAdaptiveConfig()
	clock := clockwork.NewFakeClock()
	tracker := newActivityTracker(cfg, clock, logging.NopLogger(), nil)
	ctx := context.Background()

	tracker.observe(ctx, "r", PriorityUser)
	clock.Advance(cfg.MonitoringWindow + time.Second)
	tracker.observe(ctx, "r", PriorityUser)

	user, _, lastUser := tracker.stats(ctx, "r")
	assert.Len(t, user, 1, "aged entries are pruned")
	assert.Equal(t, clock.Now(), lastUser)

	// Overflow past the sample cap trims the oldest entries first.
	for i := 0; i < tracker.maxSamples+10; i++ {
		tracker.observe(ctx, "r", PriorityBackground)
	}
	_, background, _ := tracker.stats(ctx, "r")
	assert.Len(t, background, tracker.maxSamples)
}

func TestActivityTracker_LastUserSurvivesPruning(t *testing.T) {
	cfg := testAdaptiveConfig()
	clock := clockwork.NewFakeClock()
	tracker := newActivityTracker(cfg, clock, logging.NopLogger(), nil)
	ctx := context.Background()

	tracker.observe(ctx, "r", PriorityUser)
	seen := clock.Now()
	clock.Advance(cfg.MonitoringWindow + time.Minute)

	user, _, lastUser := tracker.stats(ctx, "r")
	assert.Empty(t, user)
	assert.Equal(t, seen, lastUser)
}

func TestActivityTracker_Hydration(t *testing.T) {
	cfg := testAdaptiveConfig()
	clock := clockwork.NewFakeClock()
	persisted := []time.Time{clock.Now().Add(-2 * time.Minute), clock.Now().Add(-time.Minute)}

	calls := 0
	hydrate := func(_ context.Context, resource string, priority Priority, since time.Time, max int) ([]time.Time, error) {
		calls++
		require.Equal(t, "r", resource)
		if priority == PriorityUser {
			return persisted, nil
		}
		return nil, nil
	}

	tracker := newActivityTracker(cfg, clock, logging.NopLogger(), hydrate)
	ctx := context.Background()

	user, _, lastUser := tracker.stats(ctx, "r")
	assert.Equal(t, persisted, user)
	assert.Equal(t, persisted[1], lastUser)

	// Hydration runs once per resource.
	tracker.stats(ctx, "r")
	assert.Equal(t, 2, calls)
}

func TestAdaptiveConfig_MaxSamples(t *testing.T) {
	cfg := AdaptiveConfig{HighActivityThreshold: 3}
	assert.Equal(t, 100, cfg.maxSamples())

	cfg.HighActivityThreshold = 10
	assert.Equal(t, 200, cfg.maxSamples())
}

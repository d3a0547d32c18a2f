package dynamo

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	apperrors "rate-gate/internal/common/errors"
	"rate-gate/internal/ratelimit"
)

func newTestStore(t *testing.T, def ratelimit.Config, adaptive *ratelimit.AdaptiveConfig) (*Store, *fakeClient, clockwork.FakeClock) {
	t.Helper()
	client := newFakeClient()
	// Timestamps persist at millisecond precision; a ms-aligned clock keeps
	// duration assertions exact.
	clock := clockwork.NewFakeClockAt(time.Now().Truncate(time.Millisecond))
	store, err := NewStoreWithClient(client, Config{
		TableName: "rate-limits",
		Region:    "us-east-1",
		Options: ratelimit.Options{
			Default:  def,
			Adaptive: adaptive,
			Clock:    clock,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, client, clock
}

func TestStore_ConfigValidation(t *testing.T) {
	_, err := NewStoreWithClient(newFakeClient(), Config{Region: "us-east-1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))

	_, err = NewStoreWithClient(newFakeClient(), Config{TableName: "t"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
}

func TestStore_WindowCorrectness(t *testing.T) {
	store, _, clock := newTestStore(t, ratelimit.Config{Limit: 5, Window: time.Second}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, "r", ""))
	}

	ok, err := store.CanProceed(ctx, "r", "")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(1050 * time.Millisecond)

	ok, err = store.CanProceed(ctx, "r", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ZeroLimit(t *testing.T) {
	store, _, _ := newTestStore(t, ratelimit.Config{Limit: 0, Window: time.Minute}, nil)
	ctx := context.Background()

	ok, err := store.CanProceed(ctx, "r", "")
	require.NoError(t, err)
	assert.False(t, ok)

	wait, err := store.WaitTime(ctx, "r", "")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, wait)
}

func TestStore_AcquireExclusivity(t *testing.T) {
	store, _, _ := newTestStore(t, ratelimit.Config{Limit: 4, Window: time.Minute}, nil)
	ctx := context.Background()

	var admitted int64
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			ok, err := store.Acquire(ctx, "r", "")
			if err != nil {
				return err
			}
			if ok {
				atomic.AddInt64(&admitted, 1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(4), admitted)
}

func TestStore_SlotsFreeAfterWindow(t *testing.T) {
	store, _, clock := newTestStore(t, ratelimit.Config{Limit: 2, Window: time.Second}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := store.Acquire(ctx, "r", "")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := store.Acquire(ctx, "r", "")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(1100 * time.Millisecond)

	ok, err = store.Acquire(ctx, "r", "")
	require.NoError(t, err)
	assert.True(t, ok, "claims older than the window are reclaimable")
}

func TestStore_CountPagination(t *testing.T) {
	store, client, _ := newTestStore(t, ratelimit.Config{Limit: 10, Window: time.Minute}, nil)
	client.pageSize = 2
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, store.Record(ctx, "r", ""))
	}

	status, err := store.Status(ctx, "r", "")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Remaining, "page counts are summed")
}

func TestStore_WaitTime(t *testing.T) {
	store, _, clock := newTestStore(t, ratelimit.Config{Limit: 2, Window: time.Second}, nil)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "r", ""))
	clock.Advance(300 * time.Millisecond)
	require.NoError(t, store.Record(ctx, "r", ""))

	wait, err := store.WaitTime(ctx, "r", "")
	require.NoError(t, err)
	assert.Equal(t, 700*time.Millisecond, wait)

	require.NoError(t, store.Reset(ctx, "r"))
	wait, err = store.WaitTime(ctx, "r", "")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
}

func TestStore_ResetScopedToResource(t *testing.T) {
	store, _, _ := newTestStore(t, ratelimit.Config{Limit: 2, Window: time.Minute}, nil)
	ctx := context.Background()

	for _, r := range []string{"a", "b"} {
		ok, err := store.Acquire(ctx, r, "")
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, store.Reset(ctx, "a"))

	statusA, err := store.Status(ctx, "a", "")
	require.NoError(t, err)
	assert.Equal(t, 2, statusA.Remaining)

	statusB, err := store.Status(ctx, "b", "")
	require.NoError(t, err)
	assert.Equal(t, 1, statusB.Remaining)

	ok, err := store.Acquire(ctx, "a", "")
	require.NoError(t, err)
	assert.True(t, ok, "slot claims were released with the records")
}

func TestStore_ClearRemovesEverything(t *testing.T) {
	store, client, clock := newTestStore(t, ratelimit.Config{Limit: 2, Window: time.Minute}, nil)
	client.pageSize = 2
	ctx := context.Background()

	for _, r := range []string{"a", "b", "c"} {
		ok, err := store.Acquire(ctx, r, "")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, store.SetCooldown(ctx, "o", clock.Now().Add(time.Hour)))

	require.NoError(t, store.Clear(ctx))

	assert.Empty(t, client.items, "every partition is gone")

	_, active, err := store.Cooldown(ctx, "o")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestStore_CleanupRemovesExpiredItems(t *testing.T) {
	store, client, clock := newTestStore(t, ratelimit.Config{Limit: 5, Window: time.Second}, nil)
	client.pageSize = 2
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "r", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.SetCooldown(ctx, "o", clock.Now().Add(500*time.Millisecond)))

	clock.Advance(3 * time.Second)
	require.NoError(t, store.Cleanup(ctx))

	assert.Empty(t, client.items, "all items passed their TTL deadline")
}

func TestStore_Cooldown(t *testing.T) {
	store, _, clock := newTestStore(t, ratelimit.DefaultConfig(), nil)
	ctx := context.Background()

	until := clock.Now().Add(time.Hour)
	require.NoError(t, store.SetCooldown(ctx, "mail.example.com", until))

	got, active, err := store.Cooldown(ctx, "mail.example.com")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, until.UnixMilli(), got.UnixMilli())

	clock.Advance(time.Hour + time.Second)
	_, active, err = store.Cooldown(ctx, "mail.example.com")
	require.NoError(t, err)
	assert.False(t, active, "expired cooldowns read as absent")
}

func TestStore_ClearCooldown(t *testing.T) {
	store, _, clock := newTestStore(t, ratelimit.DefaultConfig(), nil)
	ctx := context.Background()

	require.NoError(t, store.SetCooldown(ctx, "o", clock.Now().Add(time.Hour)))
	require.NoError(t, store.ClearCooldown(ctx, "o"))

	_, active, err := store.Cooldown(ctx, "o")
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, store.ClearCooldown(ctx, "never-set"))
}

func TestStore_MissingTableTranslation(t *testing.T) {
	store, client, _ := newTestStore(t, ratelimit.DefaultConfig(), nil)
	client.tableMissing = true
	ctx := context.Background()

	err := store.Record(ctx, "r", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsMissingTable(err))
	assert.Contains(t, err.Error(), `table "rate-limits" was not found`)

	_, err = store.CanProceed(ctx, "r", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsMissingTable(err))

	err = store.SetCooldown(ctx, "o", time.Now())
	require.Error(t, err)
	assert.True(t, apperrors.IsMissingTable(err))
}

func TestStore_Validation(t *testing.T) {
	store, _, _ := newTestStore(t, ratelimit.DefaultConfig(), nil)
	ctx := context.Background()

	_, err := store.CanProceed(ctx, "", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Contains(t, err.Error(), "resource must not be empty")

	_, err = store.Acquire(ctx, "r", ratelimit.Priority("bulk"))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestStore_UseAfterClose(t *testing.T) {
	store, _, _ := newTestStore(t, ratelimit.DefaultConfig(), nil)
	ctx := context.Background()

	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close is idempotent")

	_, err := store.CanProceed(ctx, "r", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsDestroyed(err))
	assert.Contains(t, err.Error(), "Rate limit store has been destroyed")
}

func TestStore_AdaptiveScopedCounts(t *testing.T) {
	adaptive := ratelimit.DefaultAdaptiveConfig()
	store, _, _ := newTestStore(t, ratelimit.Config{Limit: 10, Window: time.Minute}, &adaptive)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := store.Acquire(ctx, "r", ratelimit.PriorityUser)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := store.Acquire(ctx, "r", ratelimit.PriorityUser)
	require.NoError(t, err)
	assert.False(t, ok, "user share is exhausted")

	ok, err = store.Acquire(ctx, "r", ratelimit.PriorityBackground)
	require.NoError(t, err)
	assert.True(t, ok, "background share remains open")
}

func TestStore_AdaptiveHydration(t *testing.T) {
	client := newFakeClient()
	clock := clockwork.NewFakeClockAt(time.Now().Truncate(time.Millisecond))
	adaptive := ratelimit.DefaultAdaptiveConfig()
	cfg := Config{
		TableName: "rate-limits",
		Region:    "us-east-1",
		Options: ratelimit.Options{
			Default:  ratelimit.Config{Limit: 10, Window: time.Minute},
			Adaptive: &adaptive,
			Clock:    clock,
		},
	}
	ctx := context.Background()

	first, err := NewStoreWithClient(client, cfg)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, first.Record(ctx, "r", ratelimit.PriorityUser))
	}
	require.NoError(t, first.Close())

	second, err := NewStoreWithClient(client, cfg)
	require.NoError(t, err)
	defer second.Close()

	status, err := second.Status(ctx, "r", ratelimit.PriorityUser)
	require.NoError(t, err)
	require.NotNil(t, status.Adaptive)
	assert.Equal(t, 8, status.Adaptive.UserReserved, "persisted activity drives the fresh allocation")
}

package ratelimit

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"rate-gate/internal/common/logging"
)

// Priority is the traffic class of a request. The empty priority admits
// against the full resource limit regardless of adaptive allocation.
type Priority string

const (
	// PriorityUser marks interactive, latency-sensitive traffic
	PriorityUser Priority = "user"
	// PriorityBackground marks deferrable traffic
	PriorityBackground Priority = "background"
)

// valid reports whether p is a priority a store accepts.
func (p Priority) valid() bool {
	return p == "" || p == PriorityUser || p == PriorityBackground
}

// Config is the rate-limit configuration of a single resource.
// A Limit of zero means "never proceed", not "unlimited".
type Config struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// DefaultConfig returns the store-wide default applied to resources
// without an explicit configuration.
func DefaultConfig() Config {
	return Config{
		Limit:  100,
		Window: time.Minute,
	}
}

// AdaptiveConfig tunes the priority-aware capacity allocator.
type AdaptiveConfig struct {
	// MonitoringWindow is the trailing span over which per-priority request
	// history is kept and activity levels are judged.
	MonitoringWindow time.Duration `json:"monitoring_window"`
	// HighActivityThreshold is the recent-user-request count at which the
	// allocator switches to aggressive user reservation.
	HighActivityThreshold int `json:"high_activity_threshold"`
	// ModerateActivityThreshold is the recent-user-request count regarded as
	// moderate traffic.
	ModerateActivityThreshold int `json:"moderate_activity_threshold"`
	// RecalculationInterval is how long a computed capacity snapshot is
	// reused before the allocator recomputes it.
	RecalculationInterval time.Duration `json:"recalculation_interval"`
	// SustainedInactivityThreshold is how long user traffic must be absent
	// before background traffic reclaims the full limit.
	SustainedInactivityThreshold time.Duration `json:"sustained_inactivity_threshold"`
	// BackgroundPauseOnIncreasingTrend pauses background traffic entirely
	// while user activity is high and still climbing.
	BackgroundPauseOnIncreasingTrend bool `json:"background_pause_on_increasing_trend"`
	// MaxUserScaling caps the dynamic-scaling multiplier applied to the base
	// user reservation.
	MaxUserScaling float64 `json:"max_user_scaling"`
	// MinUserReserved is the floor on the user reservation whenever user
	// traffic is present.
	MinUserReserved int `json:"min_user_reserved"`
}

// DefaultAdaptiveConfig returns the allocator tuning used when a store is
// built with adaptive allocation enabled but untuned.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MonitoringWindow:                 5 * time.Minute,
		HighActivityThreshold:            5,
		ModerateActivityThreshold:        2,
		RecalculationInterval:            30 * time.Second,
		SustainedInactivityThreshold:     10 * time.Minute,
		BackgroundPauseOnIncreasingTrend: true,
		MaxUserScaling:                   3,
		MinUserReserved:                  1,
	}
}

// withDefaults fills zero fields with the default tuning.
func (c AdaptiveConfig) withDefaults() AdaptiveConfig {
	def := DefaultAdaptiveConfig()
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = def.MonitoringWindow
	}
	if c.HighActivityThreshold <= 0 {
		c.HighActivityThreshold = def.HighActivityThreshold
	}
	if c.ModerateActivityThreshold <= 0 {
		c.ModerateActivityThreshold = def.ModerateActivityThreshold
	}
	if c.RecalculationInterval <= 0 {
		c.RecalculationInterval = def.RecalculationInterval
	}
	if c.SustainedInactivityThreshold <= 0 {
		c.SustainedInactivityThreshold = def.SustainedInactivityThreshold
	}
	if c.MaxUserScaling <= 0 {
		c.MaxUserScaling = def.MaxUserScaling
	}
	if c.MinUserReserved <= 0 {
		c.MinUserReserved = def.MinUserReserved
	}
	return c
}

// maxSamples is the per-priority bound on retained activity history.
func (c AdaptiveConfig) maxSamples() int {
	n := c.HighActivityThreshold * 20
	if n < 100 {
		n = 100
	}
	return n
}

// CapacitySnapshot is the current split of one resource's limit between
// priorities, cached until the recalculation interval elapses.
type CapacitySnapshot struct {
	UserReserved     int       `json:"user_reserved"`
	BackgroundMax    int       `json:"background_max"`
	BackgroundPaused bool      `json:"background_paused"`
	Reason           string    `json:"reason"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Status describes the current admission state of a resource.
type Status struct {
	Remaining int               `json:"remaining"`
	ResetTime time.Time         `json:"reset_time"`
	Limit     int               `json:"limit"`
	Adaptive  *CapacitySnapshot `json:"adaptive,omitempty"`
}

// Store is the admission-control contract implemented by every backend.
//
// CanProceed and Acquire return false for exhausted capacity; errors are
// reserved for validation failures, use after Close, missing backing
// storage and unclassified backend faults.
type Store interface {
	// CanProceed reports whether a request for resource would currently be
	// admitted. It is advisory: it does not reserve capacity.
	CanProceed(ctx context.Context, resource string, priority Priority) (bool, error)

	// Acquire atomically reserves one admission slot and records the
	// request. Successful acquisitions for a resource and window never
	// exceed the configured limit, even across concurrent callers and
	// processes.
	Acquire(ctx context.Context, resource string, priority Priority) (bool, error)

	// Record logs a completed request without checking capacity.
	Record(ctx context.Context, resource string, priority Priority) error

	// Status returns remaining capacity, the approximate window reset time
	// and, on adaptive stores, the current capacity snapshot.
	Status(ctx context.Context, resource string, priority Priority) (Status, error)

	// WaitTime returns how long the caller should wait before the next
	// admission attempt can succeed, or zero if it can proceed now.
	WaitTime(ctx context.Context, resource string, priority Priority) (time.Duration, error)

	// Reset deletes all request records, slot claims and cached adaptive
	// state for one resource.
	Reset(ctx context.Context, resource string) error

	// Clear resets every resource and removes all cooldowns.
	Clear(ctx context.Context) error

	// SetResourceConfig assigns an explicit config to a resource.
	SetResourceConfig(resource string, cfg Config) error

	// ResourceConfig returns the resource's config, falling back to the
	// store-wide default.
	ResourceConfig(resource string) Config

	// SetCooldown marks an origin "do not send until" the given time.
	SetCooldown(ctx context.Context, origin string, until time.Time) error

	// Cooldown returns the active cooldown deadline for an origin. An
	// expired cooldown reads as absent and is opportunistically deleted.
	Cooldown(ctx context.Context, origin string) (time.Time, bool, error)

	// ClearCooldown removes an origin's cooldown unconditionally.
	ClearCooldown(ctx context.Context, origin string) error

	// Close destroys the store. It is idempotent; any later operation
	// fails with a "store has been destroyed" error.
	Close() error
}

// Options carries the construction settings shared by all backends.
type Options struct {
	// Default is the store-wide config for resources without an explicit one.
	// Zero value means DefaultConfig().
	Default Config
	// Adaptive enables priority-aware allocation when non-nil. Zero fields
	// are filled from DefaultAdaptiveConfig.
	Adaptive *AdaptiveConfig
	// Clock defaults to the real clock; tests inject fakes.
	Clock clockwork.Clock
	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Default.Limit == 0 && o.Default.Window == 0 {
		o.Default = DefaultConfig()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	if o.Adaptive != nil {
		cfg := o.Adaptive.withDefaults()
		o.Adaptive = &cfg
	}
	return o
}

// Package ratelimit provides sliding-window admission control for outbound
// HTTP traffic: per-resource request counting over a trailing window, atomic
// slot-based acquisition, adaptive capacity allocation between interactive
// ("user") and deferrable ("background") traffic, and per-origin cooldowns.
//
// The same contract is implemented over four storage media:
//
//   - an in-process map (this package, NewMemoryStore) for single-process use,
//   - an embedded SQLite database (ratelimit/sqlite) for single-host persistence,
//   - Redis (ratelimit/redis) for a fleet sharing one Redis deployment,
//   - DynamoDB (ratelimit/dynamo) for a multi-instance AWS fleet.
//
// # Admission flow
//
// Callers check capacity with CanProceed or reserve it atomically with
// Acquire before issuing a request, then log completed requests with Record.
// CanProceed followed by Record is deliberately racy (two concurrent callers
// can both observe room and both record); Acquire closes the race by claiming a
// numbered slot with a conditional write, so that for any resource and window
// the number of successful acquisitions never exceeds the configured limit,
// even across processes.
//
//	store := ratelimit.NewMemoryStore(ratelimit.Options{})
//	ok, err := store.Acquire(ctx, "api.example.com", ratelimit.PriorityUser)
//	if err != nil {
//		return err
//	}
//	if !ok {
//		wait, _ := store.WaitTime(ctx, "api.example.com", ratelimit.PriorityUser)
//		// back off for wait
//	}
//
// # Priorities
//
// When adaptive allocation is enabled, each resource's limit is split between
// user and background traffic. The split shifts as user activity rises and
// falls; background work can be paused outright while user demand is
// climbing. Stores built without an adaptive config ignore priorities and
// admit against the full limit.
//
// # Capacity exhaustion is not an error
//
// CanProceed and Acquire return false, never an error, when capacity is
// genuinely exhausted. Errors are reserved for invalid input, use after
// Close, missing backing storage, and unclassified backend failures.
package ratelimit

package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "rate-gate/internal/common/errors"
)

// MaxResourceLength bounds resource and origin keys. Longer keys would blow
// past item-key size limits on the distributed backends.
const MaxResourceLength = 512

// Storage key namespaces. The layout is shared by existing deployments and
// must not change: records live under RATELIMIT#{resource} with sort key
// TS#{timestampMs}#{uniqueId}, priority-scoped indexes under
// RATELIMIT#{resource}#{priority}, cooldowns under COOLDOWN#{origin}, and
// slot claims under their own SLOT# namespace so bulk scans can filter them
// independently of request records.
const (
	recordNamespace   = "RATELIMIT#"
	cooldownNamespace = "COOLDOWN#"
	slotNamespace     = "SLOT#"
	sortKeyPrefix     = "TS#"
)

// ValidateResource rejects empty and oversized resource keys before any I/O.
func ValidateResource(resource string) error {
	if resource == "" {
		return apperrors.ValidationError("resource must not be empty")
	}
	if len(resource) > MaxResourceLength {
		return apperrors.ValidationError("resource exceeds maximum length")
	}
	return nil
}

// ValidateOrigin rejects empty and oversized cooldown origin keys.
func ValidateOrigin(origin string) error {
	if origin == "" {
		return apperrors.ValidationError("origin must not be empty")
	}
	if len(origin) > MaxResourceLength {
		return apperrors.ValidationError("origin exceeds maximum length")
	}
	return nil
}

// RecordPartition is the storage partition holding a resource's request records.
func RecordPartition(resource string) string {
	return recordNamespace + resource
}

// PriorityPartition is the secondary partition indexing a resource's records
// by traffic class.
func PriorityPartition(resource string, priority Priority) string {
	return recordNamespace + resource + "#" + string(priority)
}

// CooldownKey is the storage key of an origin's cooldown marker.
func CooldownKey(origin string) string {
	return cooldownNamespace + origin
}

// SlotPartition is the partition holding the slot claims of one
// resource+window combination.
func SlotPartition(resource string, window time.Duration) string {
	return fmt.Sprintf("%s%s#%d", slotNamespace, resource, window.Milliseconds())
}

// SlotKey is the storage key of a single numbered slot claim.
func SlotKey(resource string, window time.Duration, slot int) string {
	return fmt.Sprintf("%s#%d", SlotPartition(resource, window), slot)
}

// Glob patterns for bulk scans on backends that support keyspace iteration.

// RecordPattern matches every request-record partition.
func RecordPattern() string {
	return recordNamespace + "*"
}

// SlotPattern matches every slot claim.
func SlotPattern() string {
	return slotNamespace + "*"
}

// SlotPartitionPattern matches the slot claims of one resource across all
// window sizes.
func SlotPartitionPattern(resource string) string {
	return slotNamespace + resource + "#*"
}

// CooldownPattern matches every cooldown marker.
func CooldownPattern() string {
	return cooldownNamespace + "*"
}

// ResourceFromRecordKey recovers the resource from a record partition key,
// plain or priority-scoped. A resource whose own name ends in a priority
// suffix is ambiguous; cleanup tolerates that by resolving to the shorter
// resource.
func ResourceFromRecordKey(key string) string {
	rest := strings.TrimPrefix(key, recordNamespace)
	for _, p := range []Priority{PriorityUser, PriorityBackground} {
		rest = strings.TrimSuffix(rest, "#"+string(p))
	}
	return rest
}

// SlotKeyWindow extracts the window encoded in a slot claim key.
func SlotKeyWindow(key string) (time.Duration, bool) {
	parts := strings.Split(strings.TrimPrefix(key, slotNamespace), "#")
	if len(parts) < 3 {
		return 0, false
	}
	ms, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// RecordSortKey orders request records within a partition. The millisecond
// timestamp is padded to a fixed 13 digits so lexicographic order matches
// chronological order; the unique id disambiguates same-millisecond records.
func RecordSortKey(ts time.Time, uniqueID string) string {
	return fmt.Sprintf("%s%013d#%s", sortKeyPrefix, ts.UnixMilli(), uniqueID)
}

// SortKeyLowerBound is the inclusive lower bound for range queries over
// record sort keys at the given timestamp.
func SortKeyLowerBound(ts time.Time) string {
	return fmt.Sprintf("%s%013d#", sortKeyPrefix, ts.UnixMilli())
}

// SortKeyUpperBound is an upper bound sorting after every record sort key at
// or below the given timestamp.
func SortKeyUpperBound(ts time.Time) string {
	return fmt.Sprintf("%s%013d#~", sortKeyPrefix, ts.UnixMilli())
}

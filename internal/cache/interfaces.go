// Package cache holds the policy deciding which retention collections an
// object enters and how much of each collection a cleanup pass reclaims.
package cache

// Collection identifies one of the five retention collections
type Collection int

const (
	CollectionByID Collection = iota
	CollectionSequence
	CollectionQueue
	CollectionUniqueSet
	CollectionBuckets
)

// Collections lists every collection in reporting order
var Collections = []Collection{
	CollectionByID,
	CollectionSequence,
	CollectionQueue,
	CollectionUniqueSet,
	CollectionBuckets,
}

func (c Collection) String() string {
	switch c {
	case CollectionByID:
		return "by_id"
	case CollectionSequence:
		return "sequence"
	case CollectionQueue:
		return "arrival_queue"
	case CollectionUniqueSet:
		return "unique_set"
	case CollectionBuckets:
		return "time_buckets"
	default:
		return "unknown"
	}
}

// RetentionPolicy defines insertion gating and partial cleanup sizing.
// Implementations must be safe for concurrent use and must never return a
// positive eviction count for CollectionUniqueSet.
type RetentionPolicy interface {
	// ShouldInsert reports whether an object created by the given request
	// enters collection c.
	ShouldInsert(c Collection, request uint64) bool

	// ShouldCleanup reports whether the given request triggers a pass
	ShouldCleanup(request uint64) bool

	// EvictionCount returns how many entries of c to drop when it holds
	// size entries. For CollectionBuckets size is the bucket key count.
	EvictionCount(c Collection, size int) int

	PolicyName() string
}

package cache

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultPolicy(t *testing.T) *StaggeredPolicy {
	t.Helper()
	p, err := NewStaggeredPolicy(DefaultStaggeredConfig())
	require.NoError(t, err)
	return p
}

func TestNewStaggeredPolicy_RejectsBadConfig(t *testing.T) {
	cfg := DefaultStaggeredConfig()
	cfg.QueueEvery = 0
	_, err := NewStaggeredPolicy(cfg)
	assert.Error(t, err)

	cfg = DefaultStaggeredConfig()
	cfg.BucketFraction = -0.1
	_, err = NewStaggeredPolicy(cfg)
	assert.Error(t, err)
}

func TestStaggeredPolicy_ShouldInsert(t *testing.T) {
	p := defaultPolicy(t)

	tests := []struct {
		request  uint64
		sequence bool
		queue    bool
		buckets  bool
	}{
		{1, false, false, false},
		{3, true, false, false},
		{5, false, true, false},
		{10, false, true, true},
		{15, true, true, false},
		{30, true, true, true},
	}

	for _, tt := range tests {
		assert.True(t, p.ShouldInsert(CollectionByID, tt.request))
		assert.True(t, p.ShouldInsert(CollectionUniqueSet, tt.request))
		assert.Equal(t, tt.sequence, p.ShouldInsert(CollectionSequence, tt.request), "sequence @%d", tt.request)
		assert.Equal(t, tt.queue, p.ShouldInsert(CollectionQueue, tt.request), "queue @%d", tt.request)
		assert.Equal(t, tt.buckets, p.ShouldInsert(CollectionBuckets, tt.request), "buckets @%d", tt.request)
	}
	assert.False(t, p.ShouldInsert(Collection(99), 30))
}

func TestStaggeredPolicy_ShouldCleanup(t *testing.T) {
	p := defaultPolicy(t)
	assert.False(t, p.ShouldCleanup(1))
	assert.False(t, p.ShouldCleanup(24))
	assert.True(t, p.ShouldCleanup(25))
	assert.True(t, p.ShouldCleanup(50))
	assert.False(t, p.ShouldCleanup(51))
}

func TestStaggeredPolicy_EvictionCount(t *testing.T) {
	p := defaultPolicy(t)

	tests := []struct {
		name       string
		collection Collection
		size       int
		want       int
	}{
		{"byId at threshold", CollectionByID, 500, 0},
		{"byId over threshold", CollectionByID, 501, 150},
		{"byId large", CollectionByID, 1000, 300},
		{"sequence at threshold", CollectionSequence, 300, 0},
		{"sequence over threshold", CollectionSequence, 400, 160},
		{"queue at threshold", CollectionQueue, 200, 0},
		{"queue over threshold", CollectionQueue, 300, 99},
		{"buckets at threshold", CollectionBuckets, 50, 0},
		{"buckets over threshold", CollectionBuckets, 60, 15},
		{"uniqueSet never", CollectionUniqueSet, 1_000_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.EvictionCount(tt.collection, tt.size))
		})
	}
}

func TestStaggeredPolicy_Properties(t *testing.T) {
	p := defaultPolicy(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion gates follow the request counter modulo", prop.ForAll(
		func(request uint64) bool {
			return p.ShouldInsert(CollectionSequence, request) == (request%3 == 0) &&
				p.ShouldInsert(CollectionQueue, request) == (request%5 == 0) &&
				p.ShouldInsert(CollectionBuckets, request) == (request%10 == 0)
		},
		gen.UInt64Range(1, 1_000_000),
	))

	properties.Property("gated collections receive strictly fewer requests than uniqueSet", prop.ForAll(
		func(n uint64) bool {
			var set, seq, queue, buckets uint64
			for r := uint64(1); r <= n; r++ {
				if p.ShouldInsert(CollectionUniqueSet, r) {
					set++
				}
				if p.ShouldInsert(CollectionSequence, r) {
					seq++
				}
				if p.ShouldInsert(CollectionQueue, r) {
					queue++
				}
				if p.ShouldInsert(CollectionBuckets, r) {
					buckets++
				}
			}
			return set == n && seq == n/3 && queue == n/5 && buckets == n/10 && seq < set
		},
		gen.UInt64Range(1, 2000),
	))

	properties.Property("uniqueSet is never trimmed and trims never exceed size", prop.ForAll(
		func(size int) bool {
			if p.EvictionCount(CollectionUniqueSet, size) != 0 {
				return false
			}
			for _, c := range Collections {
				if n := p.EvictionCount(c, size); n < 0 || n > size {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 100_000),
	))

	properties.TestingRun(t)
}

func TestCollectionString(t *testing.T) {
	assert.Equal(t, "by_id", CollectionByID.String())
	assert.Equal(t, "unique_set", CollectionUniqueSet.String())
	assert.Equal(t, "unknown", Collection(42).String())
	assert.Len(t, Collections, 5)
}

func TestStaggeredPolicy_GetStats(t *testing.T) {
	stats := defaultPolicy(t).GetStats()
	assert.Equal(t, "staggered", stats["policy_name"])
	assert.Equal(t, uint64(25), stats["cleanup_every"])
}

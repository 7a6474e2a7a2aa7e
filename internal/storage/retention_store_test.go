package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memgrowth/internal/cache"
	"memgrowth/internal/model"
)

func newTestStore(t *testing.T) *RetentionStore {
	t.Helper()
	policy, err := cache.NewStaggeredPolicy(cache.DefaultStaggeredConfig())
	require.NoError(t, err)
	store, err := NewRetentionStore(RetentionStoreConfig{Policy: policy, BucketWindow: 10 * time.Second})
	require.NoError(t, err)
	return store
}

func tinyObject(t *testing.T, request uint64, index int, ts int64) *model.SyntheticObject {
	t.Helper()
	obj, err := model.New(model.ObjectID(request, index), model.Spec{PayloadMin: 8, PayloadMax: 8}, nil, model.FixedClock(ts))
	require.NoError(t, err)
	return obj
}

func TestNewRetentionStore_Validation(t *testing.T) {
	policy, _ := cache.NewStaggeredPolicy(cache.DefaultStaggeredConfig())

	_, err := NewRetentionStore(RetentionStoreConfig{BucketWindow: time.Second})
	assert.Error(t, err)

	_, err = NewRetentionStore(RetentionStoreConfig{Policy: policy, BucketWindow: time.Microsecond})
	assert.Error(t, err)
}

func TestRetentionStore_InsertAlways(t *testing.T) {
	store := newTestStore(t)
	obj := tinyObject(t, 1, 0, 1000)

	store.InsertAlways(obj)
	store.InsertAlways(obj) // same id and identity: no growth

	sizes := store.Sizes()
	assert.Equal(t, 1, sizes.ByID)
	assert.Equal(t, 1, sizes.UniqueSet)
	assert.Equal(t, 0, sizes.Sequence)

	got, ok := store.Get(obj.ID())
	require.True(t, ok)
	assert.Same(t, obj, got)
	assert.True(t, store.Retains(obj))
}

func TestRetentionStore_InsertConditional(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		request uint64
		want    []cache.Collection
	}{
		{1, nil},
		{3, []cache.Collection{cache.CollectionSequence}},
		{5, []cache.Collection{cache.CollectionQueue}},
		{10, []cache.Collection{cache.CollectionQueue, cache.CollectionBuckets}},
		{30, []cache.Collection{cache.CollectionSequence, cache.CollectionQueue, cache.CollectionBuckets}},
	}
	for _, tt := range tests {
		obj := tinyObject(t, tt.request, 0, 25_000)
		assert.Equal(t, tt.want, store.InsertConditional(obj, tt.request), "request %d", tt.request)
	}

	sizes := store.Sizes()
	assert.Equal(t, 2, sizes.Sequence)
	assert.Equal(t, 3, sizes.Queue)
	assert.Equal(t, 1, sizes.Buckets, "same timestamp, same bucket")
	assert.Equal(t, 2, sizes.BucketedObjects)
	assert.Equal(t, 0, sizes.UniqueSet, "conditional insert never touches uniqueSet")
}

func TestRetentionStore_BucketKey(t *testing.T) {
	store := newTestStore(t)
	assert.Equal(t, int64(0), store.BucketKey(tinyObject(t, 1, 0, 9_999)))
	assert.Equal(t, int64(1), store.BucketKey(tinyObject(t, 1, 1, 10_000)))
	assert.Equal(t, int64(172), store.BucketKey(tinyObject(t, 1, 2, 1_729_999)))
}

func TestRetentionStore_PartialCleanupSkippedOffCycle(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 600; i++ {
		store.InsertAlways(tinyObject(t, 1, i, 0))
	}

	result := store.PartialCleanup(24)
	assert.False(t, result.Triggered)
	assert.Equal(t, 600, store.Sizes().ByID)
}

func TestRetentionStore_PartialCleanupTrimsByIDButKeepsAnchor(t *testing.T) {
	store := newTestStore(t)
	objs := make([]*model.SyntheticObject, 600)
	for i := range objs {
		objs[i] = tinyObject(t, 1, i, 0)
		store.InsertAlways(objs[i])
	}

	result := store.PartialCleanup(25)
	require.True(t, result.Triggered)
	assert.Equal(t, 180, result.ByID)

	sizes := store.Sizes()
	assert.Equal(t, 420, sizes.ByID)
	assert.Equal(t, 600, sizes.UniqueSet)

	missing := 0
	for _, obj := range objs {
		if _, ok := store.Get(obj.ID()); !ok {
			missing++
			assert.True(t, store.Retains(obj), "evicted from byId but still anchored")
		}
	}
	assert.Equal(t, 180, missing)
}

func TestRetentionStore_PartialCleanupBelowThresholds(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 500; i++ {
		obj := tinyObject(t, 30, i, int64(i)*10_000)
		store.InsertAlways(obj)
		if i < 300 {
			store.InsertConditional(obj, 30)
		}
	}
	// sequence=300, queue=300, buckets=300 keys

	result := store.PartialCleanup(50)
	assert.True(t, result.Triggered)
	assert.Equal(t, 0, result.ByID, "500 is not above the byId threshold")
	assert.Equal(t, 0, result.Sequence, "300 is not above the sequence threshold")
	assert.Equal(t, 99, result.Queue)
	assert.Equal(t, 75, result.Buckets)
	assert.Equal(t, 75, result.BucketedObjects)
	assert.Equal(t, 174, result.Removed())

	sizes := store.Sizes()
	assert.Equal(t, 201, sizes.Queue)
	assert.Equal(t, 225, sizes.Buckets)
	assert.Equal(t, 225, sizes.BucketedObjects)
	assert.Equal(t, 500, sizes.UniqueSet)
}

func TestRetentionStore_PartialCleanupDropsOldestSequence(t *testing.T) {
	store := newTestStore(t)
	objs := make([]*model.SyntheticObject, 400)
	for i := range objs {
		objs[i] = tinyObject(t, 3, i, 0)
		store.InsertConditional(objs[i], 3)
	}

	result := store.PartialCleanup(75)
	assert.Equal(t, 160, result.Sequence)

	store.seqMu.Lock()
	defer store.seqMu.Unlock()
	require.Len(t, store.sequence, 240)
	assert.Same(t, objs[160], store.sequence[0], "head-first eviction")
	assert.Same(t, objs[399], store.sequence[239])
}

func TestRetentionStore_SequenceAllowsDuplicates(t *testing.T) {
	store := newTestStore(t)
	obj := tinyObject(t, 3, 0, 0)
	store.InsertConditional(obj, 3)
	store.InsertConditional(obj, 6)
	assert.Equal(t, 2, store.Sizes().Sequence)
}

func TestRetentionStore_ClearAll(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 100; i++ {
		obj := tinyObject(t, 30, i, int64(i)*1000)
		store.InsertAlways(obj)
		store.InsertConditional(obj, 30)
	}
	require.False(t, store.Sizes().IsZero())

	store.ClearAll()
	assert.True(t, store.Sizes().IsZero())
	assert.Equal(t, Sizes{}, store.Sizes())

	// usable after clear
	store.InsertAlways(tinyObject(t, 1, 0, 0))
	assert.Equal(t, 1, store.Sizes().UniqueSet)
}

func TestRetentionStore_ClearAllIsAllOrNothing(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 200; i++ {
		obj := tinyObject(t, 30, i, int64(i)*1000)
		store.InsertAlways(obj)
		store.InsertConditional(obj, 30)
	}
	full := store.Sizes()

	var wg sync.WaitGroup
	observed := make(chan Sizes, 1000)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				observed <- store.Sizes()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		store.ClearAll()
	}()
	wg.Wait()
	close(observed)

	for sizes := range observed {
		if sizes != full && !sizes.IsZero() {
			t.Fatalf("observed partially cleared store: %+v", sizes)
		}
	}
}

func TestRetentionStore_ConcurrentInserts(t *testing.T) {
	store := newTestStore(t)

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			request := uint64(w + 1)
			for i := 0; i < perWorker; i++ {
				obj, err := model.New(model.ObjectID(request, i), model.Spec{}, nil, model.FixedClock(0))
				if err != nil {
					t.Error(err)
					return
				}
				store.InsertAlways(obj)
				store.InsertConditional(obj, request)
				_ = store.Sizes()
			}
		}(w)
	}
	wg.Wait()

	sizes := store.Sizes()
	assert.Equal(t, workers*perWorker, sizes.ByID)
	assert.Equal(t, workers*perWorker, sizes.UniqueSet)
	// requests 3 and 6 feed the sequence, 5 the queue
	assert.Equal(t, 2*perWorker, sizes.Sequence)
	assert.Equal(t, perWorker, sizes.Queue)
	assert.Equal(t, 0, sizes.Buckets)
}

package growth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memgrowth/internal/cache"
	"memgrowth/internal/model"
	"memgrowth/internal/stats"
	"memgrowth/internal/storage"
	"memgrowth/pkg/config"
)

var tinySpec = model.Spec{
	PayloadMin: 8, PayloadMax: 8,
	TagsMin: 1, TagsMax: 1,
	PropsMin: 1, PropsMax: 1,
	MetadataRepeat: 1,
}

type countingMemory struct {
	reading readingFunc
	gcs     atomic.Int64
}

type readingFunc func() (stats.MemoryReading, error)

func (m *countingMemory) ReadMemory() (stats.MemoryReading, error) {
	if m.reading == nil {
		return stats.MemoryReading{UsedBytes: 100 << 20, MaxBytes: 1000 << 20}, nil
	}
	return m.reading()
}

func (m *countingMemory) RequestGC() { m.gcs.Add(1) }

// gateAllocator parks the nth allocation until release is closed
type gateAllocator struct {
	calls   atomic.Int64
	n       int64
	parked  chan struct{}
	release chan struct{}
}

func newGateAllocator(n int64) *gateAllocator {
	return &gateAllocator{n: n, parked: make(chan struct{}), release: make(chan struct{})}
}

func (a *gateAllocator) Allocate(size int64) ([]byte, error) {
	if a.calls.Add(1) == a.n {
		close(a.parked)
		<-a.release
	}
	return make([]byte, size), nil
}

type panicAllocator struct{}

func (panicAllocator) Allocate(size int64) ([]byte, error) {
	panic("runtime error: makeslice: len out of range")
}

func newTestController(t *testing.T, objects int, pool *storage.MemoryPool, mem stats.MemorySource) *Controller {
	t.Helper()
	policy, err := cache.NewStaggeredPolicy(cache.DefaultStaggeredConfig())
	require.NoError(t, err)
	store, err := storage.NewRetentionStore(storage.RetentionStoreConfig{
		Policy:       policy,
		BucketWindow: time.Hour,
	})
	require.NoError(t, err)

	c, err := NewController(ControllerConfig{
		ObjectsMin: objects,
		ObjectsMax: objects,
		Object:     tinySpec,
		Store:      store,
		Pool:       pool,
		Memory:     mem,
		Clock:      model.FixedClock(1_700_000_000_000),
	})
	require.NoError(t, err)
	return c
}

func runN(t *testing.T, c *Controller, n int) stats.Snapshot {
	t.Helper()
	var snap stats.Snapshot
	for i := 0; i < n; i++ {
		var err error
		snap, err = c.RunOnce(context.Background())
		require.NoError(t, err)
	}
	return snap
}

func TestRunOnce_TenRequests(t *testing.T) {
	c := newTestController(t, 1, nil, &countingMemory{})
	snap := runN(t, c, 10)

	assert.Equal(t, uint64(10), snap.AppStats.TotalRequests)
	assert.Equal(t, 10, snap.CacheStats.RetentionSetSize)
	assert.Equal(t, 10, snap.CacheStats.PrimaryCacheSize)
	assert.Equal(t, 3, snap.CacheStats.RetentionListSize, "requests 3, 6, 9")
	assert.Equal(t, 2, snap.CacheStats.RetentionQueueSize, "requests 5, 10")
	assert.Equal(t, 1, snap.CacheStats.CategoryCacheSize)
	assert.Equal(t, 1, snap.CacheStats.TotalCategoryObjects)
	assert.Equal(t, int64(100), snap.MemoryStats.UsedMemoryMB)

	var total int64
	for r := uint64(1); r <= 10; r++ {
		obj, ok := c.Store().Get(model.ObjectID(r, 0))
		require.True(t, ok)
		total += obj.ApproximateSize()
	}
	assert.Equal(t, total, c.AllocatedBytes())
}

func TestRunOnce_PartialCleanupKeepsUniqueSet(t *testing.T) {
	c := newTestController(t, 30, nil, nil)

	snap := runN(t, c, 24)
	assert.Equal(t, 720, snap.CacheStats.PrimaryCacheSize)

	snap = runN(t, c, 1)
	// 750 > 500, so floor(750 * 0.3) = 225 leave byId
	assert.Equal(t, 525, snap.CacheStats.PrimaryCacheSize)
	assert.Equal(t, 750, snap.CacheStats.RetentionSetSize)
	assert.Equal(t, 240, snap.CacheStats.RetentionListSize, "below its threshold")
	assert.Equal(t, 150, snap.CacheStats.RetentionQueueSize, "below its threshold")

	// objects evicted from byId are still anchored by uniqueSet
	evicted := 0
	for r := uint64(1); r <= 25; r++ {
		for i := 0; i < 30; i++ {
			if _, ok := c.Store().Get(model.ObjectID(r, i)); !ok {
				evicted++
			}
		}
	}
	assert.Equal(t, 225, evicted)
}

func TestRunOnce_CleanupTrimsSequenceAndQueue(t *testing.T) {
	c := newTestController(t, 50, nil, nil)

	// 25 requests: sequence gets 8*50 = 400 > 300, queue gets 5*50 = 250 > 200
	snap := runN(t, c, 25)
	assert.Equal(t, 400-160, snap.CacheStats.RetentionListSize)
	assert.Equal(t, 250-82, snap.CacheStats.RetentionQueueSize)
	assert.Equal(t, 1250-375, snap.CacheStats.PrimaryCacheSize)
	assert.Equal(t, 1250, snap.CacheStats.RetentionSetSize)
}

func TestReset(t *testing.T) {
	mem := &countingMemory{}
	pool := storage.NewMemoryPool("test", 0)
	c := newTestController(t, 2, pool, mem)
	runN(t, c, 12)
	require.Positive(t, c.AllocatedBytes())
	require.Positive(t, pool.CurrentUsage())

	snap := c.Reset(context.Background())
	assert.Equal(t, stats.CacheStats{}, snap.CacheStats)
	assert.Equal(t, stats.AppStats{}, snap.AppStats)
	assert.Equal(t, uint64(0), c.TotalRequests())
	assert.Equal(t, int64(0), c.AllocatedBytes())
	assert.Equal(t, int64(0), pool.CurrentUsage())
	assert.Equal(t, int64(1), mem.gcs.Load())

	// counting restarts from one
	snap = runN(t, c, 3)
	assert.Equal(t, uint64(3), snap.AppStats.TotalRequests)
	_, ok := c.Store().Get("req_1_obj_0")
	assert.True(t, ok)
}

func TestResetOnEmptyStore(t *testing.T) {
	c := newTestController(t, 1, nil, nil)
	snap := c.Reset(context.Background())
	assert.Equal(t, stats.CacheStats{}, snap.CacheStats)
	assert.Equal(t, uint64(0), snap.AppStats.TotalRequests)
}

func TestSnapshotDoesNotMutate(t *testing.T) {
	mem := &countingMemory{}
	c := newTestController(t, 3, nil, mem)
	runN(t, c, 7)

	a := c.Snapshot(context.Background())
	b := c.Snapshot(context.Background())
	assert.Equal(t, a.CacheStats, b.CacheStats)
	assert.Equal(t, a.AppStats, b.AppStats)
	assert.Equal(t, uint64(7), c.TotalRequests())
	assert.Equal(t, int64(0), mem.gcs.Load())
}

func TestRunOnce_AllocationFailureKeepsServing(t *testing.T) {
	pool := storage.NewMemoryPool("test", 20)
	c := newTestController(t, 3, pool, nil)

	_, err := c.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllocationFailure))
	assert.True(t, errors.Is(err, storage.ErrAllocationFailure))

	// objects built before the failure are retained
	sizes := c.Store().Sizes()
	assert.Equal(t, 2, sizes.UniqueSet)
	assert.Equal(t, 2, sizes.ByID)
	assert.Equal(t, uint64(1), c.TotalRequests())
	assert.Equal(t, int64(1), pool.AllocationFailures())

	// the budget stays exhausted, yet each request still files what fits
	pool.Reset()
	_, err = c.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.Equal(t, 4, c.Store().Sizes().UniqueSet)
	assert.Equal(t, uint64(2), c.TotalRequests())
	assert.Equal(t, int64(2), pool.AllocationFailures())
}

func TestReset_WaitsForInFlightRequest(t *testing.T) {
	c := newTestController(t, 1, nil, nil)
	runN(t, c, 5)

	alloc := newGateAllocator(1)
	c.alloc = alloc

	processed := make(chan error, 1)
	go func() {
		_, err := c.RunOnce(context.Background())
		processed <- err
	}()
	<-alloc.parked

	cleared := make(chan stats.Snapshot, 1)
	go func() { cleared <- c.Reset(context.Background()) }()

	select {
	case <-cleared:
		t.Fatal("clear finished while a request was still building objects")
	case <-time.After(50 * time.Millisecond):
	}

	close(alloc.release)
	require.NoError(t, <-processed)
	snap := <-cleared

	// the in-flight request landed before the clear, so nothing survives it
	assert.Equal(t, stats.CacheStats{}, snap.CacheStats)
	assert.Equal(t, stats.AppStats{}, snap.AppStats)
	assert.True(t, c.Store().Sizes().IsZero())
	assert.Zero(t, c.TotalRequests())
	assert.Zero(t, c.AllocatedBytes())
}

func TestRunOnce_RecoversAllocationPanic(t *testing.T) {
	c := newTestController(t, 2, nil, nil)
	c.alloc = panicAllocator{}

	_, err := c.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.Contains(t, err.Error(), "makeslice")
	assert.True(t, c.Store().Sizes().IsZero())

	c.alloc = nil
	_, err = c.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestRunOnce_ZeroObjects(t *testing.T) {
	c := newTestController(t, 0, nil, nil)
	snap := runN(t, c, 5)
	assert.Equal(t, uint64(5), snap.AppStats.TotalRequests)
	assert.Equal(t, stats.CacheStats{}, snap.CacheStats)
}

func TestPoolPressureRequestsGC(t *testing.T) {
	mem := &countingMemory{}
	pool := storage.NewMemoryPool("test", 100)
	c := newTestController(t, 12, pool, mem)

	// 12 * 8 = 96 bytes, past the 95% panic threshold
	runN(t, c, 1)
	assert.Eventually(t, func() bool { return mem.gcs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoolPressureThresholdsFromConfig(t *testing.T) {
	policy, err := cache.NewStaggeredPolicy(cache.DefaultStaggeredConfig())
	require.NoError(t, err)
	store, err := storage.NewRetentionStore(storage.RetentionStoreConfig{Policy: policy, BucketWindow: time.Hour})
	require.NoError(t, err)

	mem := &countingMemory{}
	pool := storage.NewMemoryPool("test", 100)
	c, err := NewController(ControllerConfig{
		ObjectsMin:   7,
		ObjectsMax:   7,
		Object:       tinySpec,
		Store:        store,
		Pool:         pool,
		Memory:       mem,
		PoolPressure: PoolPressure{Warning: 0.2, Critical: 0.4, Panic: 0.5},
	})
	require.NoError(t, err)

	// 7 * 8 = 56 bytes crosses the lowered panic level
	runN(t, c, 1)
	assert.Eventually(t, func() bool { return mem.gcs.Load() == 1 }, time.Second, 5*time.Millisecond)

	poolStats := c.PoolStats()
	assert.Equal(t, 0.5, poolStats["panic_threshold"])
	assert.Equal(t, int64(56), poolStats["current_usage"])

	_, err = NewController(ControllerConfig{
		Store:        store,
		Pool:         storage.NewMemoryPool("bad", 100),
		PoolPressure: PoolPressure{Warning: 0.9, Critical: 0.5, Panic: 0.95},
	})
	assert.Error(t, err)
}

func TestPoolStatsWithoutPool(t *testing.T) {
	assert.Nil(t, newTestController(t, 1, nil, nil).PoolStats())
}

func TestRunOnce_Concurrent(t *testing.T) {
	c := newTestController(t, 1, nil, nil)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := c.RunOnce(context.Background())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	sizes := c.Store().Sizes()
	assert.Equal(t, uint64(workers*perWorker), c.TotalRequests())
	assert.Equal(t, workers*perWorker, sizes.UniqueSet)
	assert.Equal(t, workers*perWorker, sizes.ByID, "below the byId threshold")
}

func TestUniqueSetNeverShrinksWithoutReset(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("uniqueSet size is monotonic across requests", prop.ForAll(
		func(objects, requests int) bool {
			c := newTestController(t, objects, nil, nil)
			last := 0
			for i := 0; i < requests; i++ {
				snap, err := c.RunOnce(context.Background())
				if err != nil {
					return false
				}
				size := snap.CacheStats.RetentionSetSize
				if size != last+objects {
					return false
				}
				if snap.CacheStats.PrimaryCacheSize > size {
					return false
				}
				last = size
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}

func TestNewController_Validation(t *testing.T) {
	_, err := NewController(ControllerConfig{ObjectsMin: 1, ObjectsMax: 1})
	assert.Error(t, err, "store is required")

	policy, _ := cache.NewStaggeredPolicy(cache.DefaultStaggeredConfig())
	store, _ := storage.NewRetentionStore(storage.RetentionStoreConfig{Policy: policy, BucketWindow: time.Second})
	_, err = NewController(ControllerConfig{ObjectsMin: 3, ObjectsMax: 1, Store: store})
	assert.Error(t, err)

	_, err = NewController(ControllerConfig{
		ObjectsMin: 1, ObjectsMax: 1, Store: store,
		Thresholds: stats.Thresholds{WarningPercent: 90, CriticalPercent: 80},
	})
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Growth.ApplyProfile(config.ProfileCustom)
	cfg.Growth.ObjectsMin, cfg.Growth.ObjectsMax = 2, 2
	cfg.Growth.PayloadMin, cfg.Growth.PayloadMax = 16, 16
	cfg.Growth.TagsMin, cfg.Growth.TagsMax = 0, 0
	cfg.Growth.PropsMin, cfg.Growth.PropsMax = 0, 0
	cfg.Growth.MetadataRepeat = 0
	cfg.Growth.MaxMemory = "1KB"

	c, err := NewFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, c.Pool())
	assert.Equal(t, int64(1000), c.Pool().MaxSize())

	snap, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.CacheStats.RetentionSetSize)
	assert.Equal(t, int64(32), c.AllocatedBytes())

	health := c.Health(context.Background())
	assert.Contains(t, []stats.Status{stats.StatusOK, stats.StatusWarning, stats.StatusCritical}, health.Status)
}

func TestNewFromConfig_BadPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Retention.CleanupEvery = 0
	_, err := NewFromConfig(cfg)
	assert.Error(t, err)
}

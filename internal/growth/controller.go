// Package growth drives the retention store: each request creates a batch
// of synthetic objects, files them into the collections and runs the
// periodic partial cleanup.
package growth

import (
	"context"
	"fmt"
	mrand "math/rand"
	"sync"
	"sync/atomic"

	"memgrowth/internal/cache"
	"memgrowth/internal/logging"
	"memgrowth/internal/model"
	"memgrowth/internal/stats"
	"memgrowth/internal/storage"
	"memgrowth/pkg/config"
)

// ControllerConfig holds the Controller dependencies
type ControllerConfig struct {
	ObjectsMin int
	ObjectsMax int
	Object     model.Spec

	Store      *storage.RetentionStore
	Pool       *storage.MemoryPool // nil allocates from the heap without a budget
	Memory     stats.MemorySource  // nil reads as an unavailable signal
	Thresholds stats.Thresholds
	Clock      model.Clock // nil uses the process clock

	// PoolPressure overrides the pool's warning/critical/panic fractions.
	// The zero value keeps the pool defaults.
	PoolPressure PoolPressure
}

// PoolPressure holds the fractions of the pool budget that raise pressure
type PoolPressure struct {
	Warning  float64
	Critical float64
	Panic    float64
}

// Controller owns the request and allocated-bytes counters. It is safe for
// concurrent use; one instance serves the whole process.
type Controller struct {
	objectsMin int
	objectsMax int
	spec       model.Spec

	store    *storage.RetentionStore
	pool     *storage.MemoryPool
	alloc    model.Allocator
	memory   stats.MemorySource
	clock    model.Clock
	reporter *stats.Reporter

	// held shared by RunOnce and exclusively by Reset, so a clear never
	// interleaves with a request that is still filing objects
	gate sync.RWMutex

	requestCounter atomic.Uint64
	allocatedBytes atomic.Int64
}

// NewController validates config and wires the reporter
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("retention store cannot be nil")
	}
	if cfg.ObjectsMin < 0 || cfg.ObjectsMax < cfg.ObjectsMin {
		return nil, fmt.Errorf("invalid object count range [%d, %d]", cfg.ObjectsMin, cfg.ObjectsMax)
	}
	if cfg.Clock == nil {
		cfg.Clock = model.ProcessClock()
	}

	c := &Controller{
		objectsMin: cfg.ObjectsMin,
		objectsMax: cfg.ObjectsMax,
		spec:       cfg.Object,
		store:      cfg.Store,
		pool:       cfg.Pool,
		memory:     cfg.Memory,
		clock:      cfg.Clock,
	}
	if cfg.Pool != nil {
		c.alloc = cfg.Pool
		if err := c.installPressureHandlers(cfg.PoolPressure); err != nil {
			return nil, err
		}
	}

	reporter, err := stats.NewReporter(stats.ReporterConfig{
		Sizes:      cfg.Store,
		Counters:   c,
		Memory:     cfg.Memory,
		Thresholds: cfg.Thresholds,
	})
	if err != nil {
		return nil, err
	}
	c.reporter = reporter

	return c, nil
}

// NewFromConfig builds the store, pool, runtime signal and controller
// described by cfg
func NewFromConfig(cfg *config.Config) (*Controller, error) {
	policy, err := cache.NewStaggeredPolicy(cache.StaggeredConfig{
		SequenceEvery:     cfg.Retention.SequenceEvery,
		QueueEvery:        cfg.Retention.QueueEvery,
		BucketEvery:       cfg.Retention.BucketEvery,
		CleanupEvery:      cfg.Retention.CleanupEvery,
		ByIDThreshold:     cfg.Retention.ByIDThreshold,
		SequenceThreshold: cfg.Retention.SequenceThreshold,
		QueueThreshold:    cfg.Retention.QueueThreshold,
		BucketThreshold:   cfg.Retention.BucketThreshold,
		ByIDFraction:      cfg.Retention.ByIDFraction,
		SequenceFraction:  cfg.Retention.SequenceFraction,
		QueueFraction:     cfg.Retention.QueueFraction,
		BucketFraction:    cfg.Retention.BucketFraction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create retention policy: %w", err)
	}
	logging.Info(context.Background(), logging.ComponentGrowth, logging.ActionStart, "Retention policy configured", policy.GetStats())

	store, err := storage.NewRetentionStore(storage.RetentionStoreConfig{
		Policy:       policy,
		BucketWindow: cfg.Growth.BucketWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create retention store: %w", err)
	}

	maxMemory, err := cfg.MaxMemoryBytes()
	if err != nil {
		return nil, err
	}

	return NewController(ControllerConfig{
		ObjectsMin: cfg.Growth.ObjectsMin,
		ObjectsMax: cfg.Growth.ObjectsMax,
		Object:     SpecFromConfig(cfg.Growth),
		Store:      store,
		Pool:       storage.NewMemoryPool("payload", maxMemory),
		Memory:     stats.NewRuntimeSource(maxMemory),
		Thresholds: stats.Thresholds{
			WarningPercent:  cfg.Health.WarningPercent,
			CriticalPercent: cfg.Health.CriticalPercent,
		},
		PoolPressure: PoolPressure{
			Warning:  cfg.Growth.PoolWarning,
			Critical: cfg.Growth.PoolCritical,
			Panic:    cfg.Growth.PoolPanic,
		},
	})
}

// SpecFromConfig extracts the object ranges of a growth profile
func SpecFromConfig(g config.GrowthConfig) model.Spec {
	return model.Spec{
		PayloadMin:     g.PayloadMin,
		PayloadMax:     g.PayloadMax,
		TagsMin:        g.TagsMin,
		TagsMax:        g.TagsMax,
		PropsMin:       g.PropsMin,
		PropsMax:       g.PropsMax,
		MetadataRepeat: g.MetadataRepeat,
	}
}

// RunOnce performs one growth step and returns the resulting snapshot.
// On allocation failure the error wraps ErrAllocationFailure and the
// objects created before it stay in the store.
func (c *Controller) RunOnce(ctx context.Context) (stats.Snapshot, error) {
	if err := c.grow(ctx); err != nil {
		return stats.Snapshot{}, err
	}
	return c.reporter.Snapshot(ctx), nil
}

func (c *Controller) grow(ctx context.Context) error {
	c.gate.RLock()
	defer c.gate.RUnlock()

	request := c.requestCounter.Add(1)
	count := c.sampleObjectCount()
	done := logging.StartTimer(ctx, logging.ComponentGrowth, logging.ActionProcess, "Request processed", map[string]interface{}{
		"request": request,
		"objects": count,
	})

	for i := 0; i < count; i++ {
		obj, err := c.newObject(model.ObjectID(request, i))
		if err != nil {
			logging.Error(ctx, logging.ComponentGrowth, logging.ActionAllocate, "Object creation failed", err, map[string]interface{}{
				"request": request,
				"created": i,
				"planned": count,
			})
			return fmt.Errorf("request %d: %w", request, err)
		}

		c.store.InsertAlways(obj)
		c.store.InsertConditional(obj, request)
		c.allocatedBytes.Add(obj.ApproximateSize())
	}

	if result := c.store.PartialCleanup(request); result.Triggered {
		logging.Info(ctx, logging.ComponentGrowth, logging.ActionCleanup, "Partial cleanup completed", map[string]interface{}{
			"request":          request,
			"by_id":            result.ByID,
			"sequence":         result.Sequence,
			"arrival_queue":    result.Queue,
			"bucket_keys":      result.Buckets,
			"bucketed_objects": result.BucketedObjects,
			"removed":          result.Removed(),
		})
	}

	done()
	return nil
}

// newObject turns a runtime allocation panic into ErrAllocationFailure
func (c *Controller) newObject(id string) (obj *model.SyntheticObject, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			obj = nil
			err = fmt.Errorf("%w: %s: %v", ErrAllocationFailure, id, rec)
		}
	}()
	return model.New(id, c.spec, c.alloc, c.clock)
}

func (c *Controller) sampleObjectCount() int {
	if c.objectsMax <= c.objectsMin {
		return c.objectsMin
	}
	return c.objectsMin + mrand.Intn(c.objectsMax-c.objectsMin+1)
}

// Reset empties every collection, zeroes the counters and hints the runtime
// to collect. It returns the post-reset snapshot.
func (c *Controller) Reset(ctx context.Context) stats.Snapshot {
	c.gate.Lock()
	before := c.store.Sizes()
	c.store.ClearAll()
	c.requestCounter.Store(0)
	c.allocatedBytes.Store(0)
	if c.pool != nil {
		c.pool.Reset()
	}
	c.gate.Unlock()

	if c.memory != nil {
		c.memory.RequestGC()
	}

	logging.Info(ctx, logging.ComponentGrowth, logging.ActionClear, "Retention store cleared", map[string]interface{}{
		"by_id":      before.ByID,
		"unique_set": before.UniqueSet,
	})

	return c.reporter.Snapshot(ctx)
}

// Snapshot reports the current state without mutating it
func (c *Controller) Snapshot(ctx context.Context) stats.Snapshot {
	return c.reporter.Snapshot(ctx)
}

// Health classifies the current memory usage
func (c *Controller) Health(ctx context.Context) stats.HealthReport {
	return c.reporter.Health(ctx)
}

// Now returns the wall clock used for error payloads
func (c *Controller) Now() int64 {
	return c.reporter.Now()
}

// TotalRequests returns the request counter
func (c *Controller) TotalRequests() uint64 {
	return c.requestCounter.Load()
}

// AllocatedBytes returns the approximate bytes created since the last reset
func (c *Controller) AllocatedBytes() int64 {
	return c.allocatedBytes.Load()
}

// Store returns the retention store
func (c *Controller) Store() *storage.RetentionStore {
	return c.store
}

// Pool returns the payload pool, nil when none is configured
func (c *Controller) Pool() *storage.MemoryPool {
	return c.pool
}

// PoolStats returns the payload pool statistics, nil when no pool is set
func (c *Controller) PoolStats() map[string]interface{} {
	if c.pool == nil {
		return nil
	}
	return c.pool.GetStats()
}

func (c *Controller) installPressureHandlers(levels PoolPressure) error {
	if levels != (PoolPressure{}) {
		if err := c.pool.SetPressureThresholds(levels.Warning, levels.Critical, levels.Panic); err != nil {
			return fmt.Errorf("invalid pool pressure thresholds: %w", err)
		}
	}

	ctx := logging.WithCorrelationID(context.Background(), "pool-pressure")
	report := func(level string, hintGC bool) func(float64) {
		return func(pressure float64) {
			logging.Warn(ctx, logging.ComponentPool, logging.ActionPressure, "Payload pool pressure rising", map[string]interface{}{
				"level":    level,
				"pressure": fmt.Sprintf("%.2f", pressure),
				"usage":    c.pool.CurrentUsage(),
				"budget":   c.pool.MaxSize(),
			})
			if hintGC && c.memory != nil {
				c.memory.RequestGC()
			}
		}
	}
	c.pool.SetPressureHandlers(report("warning", false), report("critical", false), report("panic", true))
	return nil
}

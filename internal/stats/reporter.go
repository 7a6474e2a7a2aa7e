package stats

import (
	"context"
	"fmt"
	"time"

	"memgrowth/internal/logging"
	"memgrowth/internal/storage"
)

// SizeSource provides retention collection sizes
type SizeSource interface {
	Sizes() storage.Sizes
}

// CounterSource provides the growth counters
type CounterSource interface {
	TotalRequests() uint64
	AllocatedBytes() int64
}

// Reporter builds snapshots and health reports. It never mutates its
// sources and never fails: an unavailable memory signal reads as zeros.
type Reporter struct {
	sizes      SizeSource
	counters   CounterSource
	memory     MemorySource
	thresholds Thresholds
	now        func() time.Time
}

// ReporterConfig holds the Reporter dependencies
type ReporterConfig struct {
	Sizes      SizeSource
	Counters   CounterSource
	Memory     MemorySource // nil reads as an unavailable signal
	Thresholds Thresholds   // zero value means DefaultThresholds
}

// NewReporter creates a Reporter
func NewReporter(config ReporterConfig) (*Reporter, error) {
	if config.Sizes == nil || config.Counters == nil {
		return nil, fmt.Errorf("reporter needs a size source and a counter source")
	}
	thresholds := config.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Reporter{
		sizes:      config.Sizes,
		counters:   config.Counters,
		memory:     config.Memory,
		thresholds: thresholds,
		now:        time.Now,
	}, nil
}

// Snapshot combines store sizes, counters and the memory signal
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	reading := r.readMemory(ctx)
	return Snapshot{
		CacheStats:  cacheStatsFrom(r.sizes.Sizes()),
		MemoryStats: memoryStatsFrom(reading),
		AppStats: AppStats{
			TotalRequests:                r.counters.TotalRequests(),
			ApproximateMemoryAllocatedMB: toMB(r.counters.AllocatedBytes()),
		},
		Timestamp: r.now().UnixMilli(),
	}
}

// Health classifies the current memory usage
func (r *Reporter) Health(ctx context.Context) HealthReport {
	reading := r.readMemory(ctx)
	return HealthReport{
		Status:             r.thresholds.Classify(reading.UsedBytes, reading.MaxBytes),
		MemoryUsagePercent: formatPercent(UsagePercent(reading.UsedBytes, reading.MaxBytes)),
		UsedMemoryMB:       toMB(reading.UsedBytes),
		MaxMemoryMB:        toMB(reading.MaxBytes),
		Timestamp:          r.now().UnixMilli(),
	}
}

// Now returns the reporter's wall clock in unix ms
func (r *Reporter) Now() int64 {
	return r.now().UnixMilli()
}

// readMemory recovers every failure of the signal into a zero reading
func (r *Reporter) readMemory(ctx context.Context) (reading MemoryReading) {
	if r.memory == nil {
		return MemoryReading{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			logging.Warn(ctx, logging.ComponentStats, logging.ActionSnapshot, "Memory signal panicked, reporting zeros", map[string]interface{}{
				"panic": fmt.Sprint(rec),
			})
			reading = MemoryReading{}
		}
	}()

	reading, err := r.memory.ReadMemory()
	if err != nil {
		logging.Warn(ctx, logging.ComponentStats, logging.ActionSnapshot, "Memory signal unavailable, reporting zeros", map[string]interface{}{
			"error": err.Error(),
		})
		return MemoryReading{}
	}
	return reading
}

package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAllocationFailure is returned when the pool cannot satisfy a request
var ErrAllocationFailure = errors.New("allocation failure")

// Pressure levels reported to the pressure handlers
const (
	PressureNone int32 = iota
	PressureWarning
	PressureCritical
	PressurePanic
)

// MemoryPool hands out payload buffers against an optional byte budget.
// Buffers are never returned individually: retained objects are reclaimed
// by the garbage collector once every collection lets go of them, so usage
// only drops on Reset. A maxSize of 0 disables the budget.
type MemoryPool struct {
	name         string
	maxSize      atomic.Int64
	currentUsage atomic.Int64

	// guards thresholds and handlers
	mutex sync.RWMutex

	warningThreshold  float64
	criticalThreshold float64
	panicThreshold    float64

	totalAllocations   atomic.Int64
	allocationFailures atomic.Int64
	lastReset          atomic.Int64 // unix nanos
	level              atomic.Int32

	onWarningPressure  func(float64)
	onCriticalPressure func(float64)
	onPanicPressure    func(float64)
}

// NewMemoryPool creates a pool with the given budget in bytes (0 = unbounded)
func NewMemoryPool(name string, maxSize int64) *MemoryPool {
	pool := &MemoryPool{
		name:              name,
		warningThreshold:  0.75,
		criticalThreshold: 0.90,
		panicThreshold:    0.95,
	}
	if maxSize < 0 {
		maxSize = 0
	}
	pool.maxSize.Store(maxSize)
	pool.lastReset.Store(time.Now().UnixNano())
	return pool
}

// Allocate reserves size bytes and returns a zeroed buffer
func (mp *MemoryPool) Allocate(size int64) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size: %d", size)
	}

	maxSize := mp.maxSize.Load()
	var newUsage int64
	for {
		current := mp.currentUsage.Load()
		newUsage = current + size
		if maxSize > 0 && newUsage > maxSize {
			mp.allocationFailures.Add(1)
			return nil, fmt.Errorf("%w: pool %s: %d + %d > %d", ErrAllocationFailure, mp.name, current, size, maxSize)
		}
		if mp.currentUsage.CompareAndSwap(current, newUsage) {
			break
		}
	}

	data := make([]byte, size)
	mp.totalAllocations.Add(1)

	if maxSize > 0 {
		mp.checkMemoryPressure(float64(newUsage) / float64(maxSize))
	}

	return data, nil
}

// CurrentUsage returns bytes handed out since the last Reset
func (mp *MemoryPool) CurrentUsage() int64 {
	return mp.currentUsage.Load()
}

// MaxSize returns the budget, 0 when unbounded
func (mp *MemoryPool) MaxSize() int64 {
	return mp.maxSize.Load()
}

// AvailableSpace returns the remaining budget, -1 when unbounded
func (mp *MemoryPool) AvailableSpace() int64 {
	maxSize := mp.maxSize.Load()
	if maxSize == 0 {
		return -1
	}
	return maxSize - mp.currentUsage.Load()
}

// MemoryPressure returns usage/budget in [0,1], 0 when unbounded
func (mp *MemoryPool) MemoryPressure() float64 {
	maxSize := mp.maxSize.Load()
	if maxSize == 0 {
		return 0
	}
	return float64(mp.currentUsage.Load()) / float64(maxSize)
}

// checkMemoryPressure fires a handler only when the pressure level rises
func (mp *MemoryPool) checkMemoryPressure(pressure float64) {
	mp.mutex.RLock()
	level := PressureNone
	var handler func(float64)
	switch {
	case pressure >= mp.panicThreshold:
		level, handler = PressurePanic, mp.onPanicPressure
	case pressure >= mp.criticalThreshold:
		level, handler = PressureCritical, mp.onCriticalPressure
	case pressure >= mp.warningThreshold:
		level, handler = PressureWarning, mp.onWarningPressure
	}
	mp.mutex.RUnlock()

	for {
		prev := mp.level.Load()
		if level <= prev {
			return
		}
		if mp.level.CompareAndSwap(prev, level) {
			break
		}
	}
	if handler != nil {
		go handler(pressure) // keep the allocation path non-blocking
	}
}

// SetPressureThresholds allows customization of pressure detection levels
func (mp *MemoryPool) SetPressureThresholds(warning, critical, panic float64) error {
	if warning < 0 || warning > 1 || critical < 0 || critical > 1 || panic < 0 || panic > 1 {
		return fmt.Errorf("thresholds must be between 0.0 and 1.0")
	}
	if warning >= critical || critical >= panic {
		return fmt.Errorf("thresholds must be ordered: warning < critical < panic")
	}

	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	mp.warningThreshold = warning
	mp.criticalThreshold = critical
	mp.panicThreshold = panic
	return nil
}

// SetPressureHandlers installs callbacks for rising pressure levels
func (mp *MemoryPool) SetPressureHandlers(onWarning, onCritical, onPanic func(float64)) {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	mp.onWarningPressure = onWarning
	mp.onCriticalPressure = onCritical
	mp.onPanicPressure = onPanic
}

// Reset forgets all reservations. Called when the store is cleared.
func (mp *MemoryPool) Reset() {
	mp.currentUsage.Store(0)
	mp.level.Store(PressureNone)
	mp.lastReset.Store(time.Now().UnixNano())
}

// GetStats returns statistics about the memory pool
func (mp *MemoryPool) GetStats() map[string]interface{} {
	mp.mutex.RLock()
	defer mp.mutex.RUnlock()

	return map[string]interface{}{
		"name":                mp.Name(),
		"max_size":            mp.MaxSize(),
		"current_usage":       mp.CurrentUsage(),
		"available_space":     mp.AvailableSpace(),
		"memory_pressure":     mp.MemoryPressure(),
		"total_allocations":   mp.totalAllocations.Load(),
		"allocation_failures": mp.AllocationFailures(),
		"warning_threshold":   mp.warningThreshold,
		"critical_threshold":  mp.criticalThreshold,
		"panic_threshold":     mp.panicThreshold,
		"last_reset_ms":       mp.lastReset.Load() / int64(time.Millisecond),
	}
}

// AllocationFailures returns the number of rejected allocations
func (mp *MemoryPool) AllocationFailures() int64 {
	return mp.allocationFailures.Load()
}

// Name returns the name of this memory pool
func (mp *MemoryPool) Name() string {
	return mp.name
}

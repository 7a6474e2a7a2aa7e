package stats

import (
	"context"
	"errors"
	"math"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"memgrowth/internal/logging"
)

// ErrSignalUnavailable means the memory reading could not be obtained
var ErrSignalUnavailable = errors.New("memory signal unavailable")

// MemoryReading is one sample of host memory, in bytes
type MemoryReading struct {
	TotalBytes int64
	FreeBytes  int64
	UsedBytes  int64
	MaxBytes   int64
}

// MemorySource is the external runtime memory signal
type MemorySource interface {
	ReadMemory() (MemoryReading, error)
	// RequestGC asks the runtime to collect. It must not block.
	RequestGC()
}

// RuntimeSource reads the Go runtime's heap statistics.
//
// Total is the heap obtained from the OS, used is live heap, free is the
// difference. Max is GOMEMLIMIT when set, otherwise the configured
// fallback, otherwise the total memory obtained from the OS.
type RuntimeSource struct {
	fallbackMax int64
	gcRunning   atomic.Bool
	gcRequests  atomic.Int64
}

// NewRuntimeSource creates a source. fallbackMax may be 0.
func NewRuntimeSource(fallbackMax int64) *RuntimeSource {
	return &RuntimeSource{fallbackMax: fallbackMax}
}

// ReadMemory samples runtime.MemStats
func (s *RuntimeSource) ReadMemory() (MemoryReading, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	total := int64(ms.HeapSys)
	used := int64(ms.HeapAlloc)
	free := total - used
	if free < 0 {
		free = 0
	}

	maxBytes := debug.SetMemoryLimit(-1)
	if maxBytes == math.MaxInt64 {
		maxBytes = s.fallbackMax
		if maxBytes <= 0 {
			maxBytes = int64(ms.Sys)
		}
	}

	return MemoryReading{
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  used,
		MaxBytes:   maxBytes,
	}, nil
}

// RequestGC runs a collection in the background. Requests arriving while
// one is in flight are coalesced.
func (s *RuntimeSource) RequestGC() {
	s.gcRequests.Add(1)
	if !s.gcRunning.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.gcRunning.Store(false)
		done := logging.StartTimer(context.Background(), logging.ComponentRuntime, logging.ActionGC, "GC hint completed", map[string]interface{}{
			"hints": s.gcRequests.Load(),
		})
		// forces a collection, then returns freed spans to the OS
		debug.FreeOSMemory()
		done()
	}()
}

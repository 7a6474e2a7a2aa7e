// Package stats assembles reporting snapshots from the retention store, the
// growth counters and the runtime memory signal.
package stats

import (
	"memgrowth/internal/storage"
)

const bytesPerMB = 1024 * 1024

// Snapshot is the response of process, stats and clear
type Snapshot struct {
	CacheStats  CacheStats  `json:"cacheStats"`
	MemoryStats MemoryStats `json:"memoryStats"`
	AppStats    AppStats    `json:"appStats"`
	Timestamp   int64       `json:"timestamp"` // unix ms
}

// CacheStats reports retention collection sizes
type CacheStats struct {
	PrimaryCacheSize     int `json:"primaryCacheSize"`
	RetentionListSize    int `json:"retentionListSize"`
	RetentionQueueSize   int `json:"retentionQueueSize"`
	RetentionSetSize     int `json:"retentionSetSize"`
	CategoryCacheSize    int `json:"categoryCacheSize"`
	TotalCategoryObjects int `json:"totalCategoryObjects"`
}

// MemoryStats reports the runtime memory signal in whole megabytes
type MemoryStats struct {
	TotalMemoryMB int64 `json:"totalMemoryMB"`
	FreeMemoryMB  int64 `json:"freeMemoryMB"`
	UsedMemoryMB  int64 `json:"usedMemoryMB"`
	MaxMemoryMB   int64 `json:"maxMemoryMB"`
}

// AppStats reports the growth counters
type AppStats struct {
	TotalRequests                uint64 `json:"totalRequests"`
	ApproximateMemoryAllocatedMB int64  `json:"approximateMemoryAllocatedMB"`
}

// ErrorResponse is returned by process when object creation fails
type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func cacheStatsFrom(s storage.Sizes) CacheStats {
	return CacheStats{
		PrimaryCacheSize:     s.ByID,
		RetentionListSize:    s.Sequence,
		RetentionQueueSize:   s.Queue,
		RetentionSetSize:     s.UniqueSet,
		CategoryCacheSize:    s.Buckets,
		TotalCategoryObjects: s.BucketedObjects,
	}
}

func memoryStatsFrom(r MemoryReading) MemoryStats {
	return MemoryStats{
		TotalMemoryMB: toMB(r.TotalBytes),
		FreeMemoryMB:  toMB(r.FreeBytes),
		UsedMemoryMB:  toMB(r.UsedBytes),
		MaxMemoryMB:   toMB(r.MaxBytes),
	}
}

func toMB(b int64) int64 {
	if b <= 0 {
		return 0
	}
	return b / bytesPerMB
}

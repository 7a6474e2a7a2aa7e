package storage

import (
	"fmt"
	"sync"
	"time"

	"memgrowth/internal/cache"
	"memgrowth/internal/model"
)

// Sizes is a point-in-time view of the collection sizes
type Sizes struct {
	ByID            int
	Sequence        int
	Queue           int
	UniqueSet       int
	Buckets         int
	BucketedObjects int
}

// IsZero reports whether every collection is empty
func (s Sizes) IsZero() bool {
	return s == Sizes{}
}

// CleanupResult reports what one PartialCleanup call removed
type CleanupResult struct {
	Triggered       bool
	ByID            int
	Sequence        int
	Queue           int
	Buckets         int
	BucketedObjects int
}

// Removed returns the total number of collection entries dropped
func (r CleanupResult) Removed() int {
	return r.ByID + r.Sequence + r.Queue + r.BucketedObjects
}

// RetentionStoreConfig holds configuration for RetentionStore
type RetentionStoreConfig struct {
	Policy       cache.RetentionPolicy
	BucketWindow time.Duration
}

// RetentionStore keeps overlapping references to synthetic objects in five
// collections. Each collection has its own lock. The gate is held shared by
// every operation and exclusively by ClearAll, so a reader sees either the
// populated or the empty store, never a mix.
type RetentionStore struct {
	policy   cache.RetentionPolicy
	windowMs int64

	gate sync.RWMutex

	byID *idIndex

	seqMu    sync.Mutex
	sequence []*model.SyntheticObject

	queueMu sync.Mutex
	queue   []*model.SyntheticObject

	setMu     sync.RWMutex
	uniqueSet map[*model.SyntheticObject]struct{}

	bucketMu        sync.RWMutex
	buckets         map[int64][]*model.SyntheticObject
	bucketedObjects int
}

// NewRetentionStore creates an empty store
func NewRetentionStore(config RetentionStoreConfig) (*RetentionStore, error) {
	if config.Policy == nil {
		return nil, fmt.Errorf("retention policy cannot be nil")
	}
	window := config.BucketWindow.Milliseconds()
	if window <= 0 {
		return nil, fmt.Errorf("bucket window must be at least 1ms, got %v", config.BucketWindow)
	}

	return &RetentionStore{
		policy:    config.Policy,
		windowMs:  window,
		byID:      newIDIndex(),
		sequence:  make([]*model.SyntheticObject, 0),
		queue:     make([]*model.SyntheticObject, 0),
		uniqueSet: make(map[*model.SyntheticObject]struct{}),
		buckets:   make(map[int64][]*model.SyntheticObject),
	}, nil
}

// BucketKey returns the time bucket an object falls into
func (s *RetentionStore) BucketKey(obj *model.SyntheticObject) int64 {
	return obj.Timestamp() / s.windowMs
}

// InsertAlways adds obj to byId and uniqueSet
func (s *RetentionStore) InsertAlways(obj *model.SyntheticObject) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	s.byID.put(obj)

	s.setMu.Lock()
	s.uniqueSet[obj] = struct{}{}
	s.setMu.Unlock()
}

// InsertConditional adds obj to sequence, arrivalQueue and timeBuckets as
// the policy allows for this request. It returns the collections entered.
func (s *RetentionStore) InsertConditional(obj *model.SyntheticObject, request uint64) []cache.Collection {
	s.gate.RLock()
	defer s.gate.RUnlock()

	var entered []cache.Collection

	if s.policy.ShouldInsert(cache.CollectionSequence, request) {
		s.seqMu.Lock()
		s.sequence = append(s.sequence, obj)
		s.seqMu.Unlock()
		entered = append(entered, cache.CollectionSequence)
	}

	if s.policy.ShouldInsert(cache.CollectionQueue, request) {
		s.queueMu.Lock()
		s.queue = append(s.queue, obj)
		s.queueMu.Unlock()
		entered = append(entered, cache.CollectionQueue)
	}

	if s.policy.ShouldInsert(cache.CollectionBuckets, request) {
		key := s.BucketKey(obj)
		s.bucketMu.Lock()
		s.buckets[key] = append(s.buckets[key], obj)
		s.bucketedObjects++
		s.bucketMu.Unlock()
		entered = append(entered, cache.CollectionBuckets)
	}

	return entered
}

// PartialCleanup trims byId, sequence, arrivalQueue and timeBuckets when the
// policy says this request triggers a pass. uniqueSet is never touched, so
// objects dropped from byId stay reachable.
func (s *RetentionStore) PartialCleanup(request uint64) CleanupResult {
	if !s.policy.ShouldCleanup(request) {
		return CleanupResult{}
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	result := CleanupResult{Triggered: true}

	if n := s.policy.EvictionCount(cache.CollectionByID, s.byID.len()); n > 0 {
		result.ByID = s.byID.removeArbitrary(n)
	}

	s.seqMu.Lock()
	if n := s.policy.EvictionCount(cache.CollectionSequence, len(s.sequence)); n > 0 {
		s.sequence = dropHead(s.sequence, n)
		result.Sequence = n
	}
	s.seqMu.Unlock()

	s.queueMu.Lock()
	if n := s.policy.EvictionCount(cache.CollectionQueue, len(s.queue)); n > 0 {
		s.queue = dropHead(s.queue, n)
		result.Queue = n
	}
	s.queueMu.Unlock()

	s.bucketMu.Lock()
	if n := s.policy.EvictionCount(cache.CollectionBuckets, len(s.buckets)); n > 0 {
		for key, objs := range s.buckets {
			if result.Buckets >= n {
				break
			}
			delete(s.buckets, key)
			s.bucketedObjects -= len(objs)
			result.Buckets++
			result.BucketedObjects += len(objs)
		}
	}
	s.bucketMu.Unlock()

	return result
}

// dropHead removes the first n elements, clearing the vacated slots so the
// backing array does not keep evicted objects alive
func dropHead(objs []*model.SyntheticObject, n int) []*model.SyntheticObject {
	if n >= len(objs) {
		clear(objs)
		return objs[:0]
	}
	clear(objs[:n])
	return objs[n:]
}

// ClearAll empties every collection while holding the gate exclusively
func (s *RetentionStore) ClearAll() {
	s.gate.Lock()
	defer s.gate.Unlock()

	s.byID.reset()

	s.seqMu.Lock()
	s.sequence = make([]*model.SyntheticObject, 0)
	s.seqMu.Unlock()

	s.queueMu.Lock()
	s.queue = make([]*model.SyntheticObject, 0)
	s.queueMu.Unlock()

	s.setMu.Lock()
	s.uniqueSet = make(map[*model.SyntheticObject]struct{})
	s.setMu.Unlock()

	s.bucketMu.Lock()
	s.buckets = make(map[int64][]*model.SyntheticObject)
	s.bucketedObjects = 0
	s.bucketMu.Unlock()
}

// Sizes returns the current collection sizes
func (s *RetentionStore) Sizes() Sizes {
	s.gate.RLock()
	defer s.gate.RUnlock()

	var sizes Sizes
	sizes.ByID = s.byID.len()

	s.seqMu.Lock()
	sizes.Sequence = len(s.sequence)
	s.seqMu.Unlock()

	s.queueMu.Lock()
	sizes.Queue = len(s.queue)
	s.queueMu.Unlock()

	s.setMu.RLock()
	sizes.UniqueSet = len(s.uniqueSet)
	s.setMu.RUnlock()

	s.bucketMu.RLock()
	sizes.Buckets = len(s.buckets)
	sizes.BucketedObjects = s.bucketedObjects
	s.bucketMu.RUnlock()

	return sizes
}

// Get looks an object up in byId
func (s *RetentionStore) Get(id string) (*model.SyntheticObject, bool) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.byID.get(id)
}

// Retains reports whether obj is anchored in uniqueSet
func (s *RetentionStore) Retains(obj *model.SyntheticObject) bool {
	s.gate.RLock()
	defer s.gate.RUnlock()

	s.setMu.RLock()
	defer s.setMu.RUnlock()
	_, ok := s.uniqueSet[obj]
	return ok
}

package storage

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"memgrowth/internal/model"
)

const idIndexShards = 16

// idIndex is the byId collection: a map from object id to object, striped
// across shards by xxhash of the id so concurrent inserts rarely contend.
type idIndex struct {
	shards [idIndexShards]idShard
}

type idShard struct {
	mu    sync.RWMutex
	items map[string]*model.SyntheticObject
}

func newIDIndex() *idIndex {
	idx := &idIndex{}
	for i := range idx.shards {
		idx.shards[i].items = make(map[string]*model.SyntheticObject)
	}
	return idx
}

func (idx *idIndex) shardFor(id string) *idShard {
	return &idx.shards[xxhash.Sum64String(id)%idIndexShards]
}

// put overwrites any existing entry with the same id
func (idx *idIndex) put(obj *model.SyntheticObject) {
	shard := idx.shardFor(obj.ID())
	shard.mu.Lock()
	shard.items[obj.ID()] = obj
	shard.mu.Unlock()
}

func (idx *idIndex) get(id string) (*model.SyntheticObject, bool) {
	shard := idx.shardFor(id)
	shard.mu.RLock()
	obj, ok := shard.items[id]
	shard.mu.RUnlock()
	return obj, ok
}

func (idx *idIndex) len() int {
	total := 0
	for i := range idx.shards {
		shard := &idx.shards[i]
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// removeArbitrary deletes up to n entries in map iteration order and returns
// how many were removed
func (idx *idIndex) removeArbitrary(n int) int {
	removed := 0
	for i := range idx.shards {
		if removed >= n {
			break
		}
		shard := &idx.shards[i]
		shard.mu.Lock()
		for id := range shard.items {
			if removed >= n {
				break
			}
			delete(shard.items, id)
			removed++
		}
		shard.mu.Unlock()
	}
	return removed
}

// reset drops every entry; caller holds the store gate exclusively
func (idx *idIndex) reset() {
	for i := range idx.shards {
		shard := &idx.shards[i]
		shard.mu.Lock()
		shard.items = make(map[string]*model.SyntheticObject)
		shard.mu.Unlock()
	}
}

package shard

import (
	"sync"

	"github.com/krisalay/cardstats/types"
)

/*
This file defines how entries are actually stored inside a shard.

The cache can hold hundreds of thousands of entries and is written once per fetch,
so every write must be O(1). Each shard is a plain map behind a RWMutex.
*/

// ShardStore is the interface used by a shard to store and retrieve cache entries.
type ShardStore interface {

	// Get returns a copy of the entry.
	Get(string) (types.CacheEntry, bool)

	// Update applies fn to the current entry (nil if absent) and stores the result.
	Update(string, func(*types.CacheEntry) types.CacheEntry)

	// Delete removes an entry.
	Delete(string)

	// DeleteIf removes every entry matching fn and returns how many were removed.
	DeleteIf(func(string, types.CacheEntry) bool) int

	// Range calls fn for each entry until fn returns false.
	Range(func(string, types.CacheEntry) bool)

	// Clear removes everything.
	Clear()

	// Size returns how many entries are stored.
	Size() int
}

type mapStore struct {
	mu   sync.RWMutex
	data map[string]types.CacheEntry
}

func NewMapStore() *mapStore {
	return &mapStore{data: make(map[string]types.CacheEntry)}
}

func (s *mapStore) Get(key string) (types.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.data[key]
	return ent.Clone(), ok
}

func (s *mapStore) Update(key string, fn func(*types.CacheEntry) types.CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur *types.CacheEntry
	if ent, ok := s.data[key]; ok {
		cur = &ent
	}
	s.data[key] = fn(cur)
}

func (s *mapStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

func (s *mapStore) DeleteIf(fn func(string, types.CacheEntry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, v := range s.data {
		if fn(k, v) {
			delete(s.data, k)
			removed++
		}
	}
	return removed
}

// Range holds the read lock for the whole iteration; fn must not write to the store.
func (s *mapStore) Range(fn func(string, types.CacheEntry) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.data {
		if !fn(k, v.Clone()) {
			return
		}
	}
}

func (s *mapStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]types.CacheEntry)
}

func (s *mapStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

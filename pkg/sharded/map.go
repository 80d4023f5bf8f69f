// Package sharded provides a concurrent map partitioned into independently
// locked shards, used by the engine to collect per-path failures from the
// scan, checksum and sync stages without a single contended lock.
package sharded

import (
	"hash/fnv"
	"sync"
)

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

type Map[V any] []*shard[V]

// NewMap creates a map with numShards shards. numShards must be a power of 2
// so the shard index reduces to a bitwise AND.
func NewMap[V any](numShards int) *Map[V] {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	s := make(Map[V], numShards)
	for i := 0; i < numShards; i++ {
		s[i] = &shard[V]{items: make(map[string]V)}
	}
	return &s
}

func (s *Map[V]) getShard(key string) *shard[V] {
	return (*s)[shardIndex(key, len(*s))]
}

// Store adds a key-value pair to the map.
func (s *Map[V]) Store(key string, value V) {
	shard := s.getShard(key)
	shard.mu.Lock()
	shard.items[key] = value
	shard.mu.Unlock()
}

// Load retrieves the value associated with a key.
// It returns the value and a boolean indicating if the key was present.
func (s *Map[V]) Load(key string) (value V, ok bool) {
	shard := s.getShard(key)
	shard.mu.RLock()
	value, ok = shard.items[key]
	shard.mu.RUnlock()
	return value, ok
}

// Has checks only for the presence of a key.
func (s *Map[V]) Has(key string) bool {
	shard := s.getShard(key)
	shard.mu.RLock()
	_, exists := shard.items[key]
	shard.mu.RUnlock()
	return exists
}

// Count returns the total number of elements in the map.
func (s *Map[V]) Count() int {
	count := 0
	for i := range *s {
		shard := (*s)[i]
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}

// Items returns a map containing all key-value pairs.
// This creates a snapshot of the map's data at the time of the call.
func (s *Map[V]) Items() map[string]V {
	items := make(map[string]V, s.Count())
	for i := range *s {
		shard := (*s)[i]
		shard.mu.RLock()
		for k, v := range shard.items {
			items[k] = v
		}
		shard.mu.RUnlock()
	}
	return items
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
//
// The iteration locks one shard at a time, so it does not block the entire
// map. The map must not be modified by the callback function f.
func (s *Map[V]) Range(f func(key string, value V) bool) {
	for i := range *s {
		shard := (*s)[i]
		shard.mu.RLock()
		for k, v := range shard.items {
			if !f(k, v) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// Clear removes all key-value pairs from the map.
func (s *Map[V]) Clear() {
	for i := range *s {
		shard := (*s)[i]
		shard.mu.Lock()
		shard.items = make(map[string]V)
		shard.mu.Unlock()
	}
}

// shardIndex calculates the shard index for a given key using FNV-1a.
// numShards must be a power of 2 for the bitwise AND to be a valid modulus.
func shardIndex(key string, numShards int) int {
	h := fnv.New32a()
	// Write never returns an error for FNV-1a.
	h.Write([]byte(key))
	return int(h.Sum32() & uint32(numShards-1))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

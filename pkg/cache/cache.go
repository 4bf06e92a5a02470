// Package cache provides the shared block cache: a fixed-capacity,
// thread-safe mapping from (file number, block offset) to a decoded block.
//
// Two strategies are available: a sharded LRU (capacity split across
// independently locked shards) and a clock cache whose hit path touches no
// lock beyond an atomic reference bit. Both guarantee at most one concurrent
// load per key: concurrent callers for the same missing block wait on the
// in-flight load instead of duplicating the work.
//
// A cache instance may be shared by several store instances; it is released
// by the garbage collector once the last holder drops it.
package cache

import (
	"granite/pkg/config"
	"granite/pkg/types"
)

// Key identifies one block.
type Key struct {
	FileNum types.FileNum
	Offset  uint64
}

// Loader produces the block value on a cache miss, typically by reading and
// decoding it from disk.
type Loader func() ([]byte, error)

// Cache is the block cache contract.
type Cache interface {
	// GetOrLoad returns the cached block for key, invoking loader at most
	// once across all concurrent callers when the block is absent. The
	// returned handle pins the block until Release.
	GetOrLoad(key Key, loader Loader) (*Handle, error)
	// SetCapacity adjusts the capacity in bytes, evicting as needed.
	SetCapacity(capacity int64)
	// Usage returns the charged bytes currently resident.
	Usage() int64
	// PinnedUsage returns the bytes held by outstanding handles.
	PinnedUsage() int64
	// EvictFile drops every resident block of a retired file.
	EvictFile(fn types.FileNum)
}

// New builds a cache from configuration.
func New(cfg config.CacheConfig) Cache {
	switch cfg.Strategy {
	case "clock":
		return NewClock(cfg.CapacityBytes, cfg.EstimatedEntryCharge)
	default:
		return NewLRU(cfg.CapacityBytes, cfg.Shards)
	}
}

// Handle pins one cached block. The block bytes must not be used after
// Release.
type Handle struct {
	value   []byte
	release func()
}

// Get returns the pinned block.
func (h *Handle) Get() []byte { return h.value }

// Release unpins the block, making it eligible for eviction again.
func (h *Handle) Release() {
	if h.release != nil {
		h.release()
		h.release = nil
	}
}

func hashKey(k Key) uint64 {
	// fibonacci-style mix of the two fields
	h := uint64(k.FileNum)*0x9e3779b97f4a7c15 ^ k.Offset
	h ^= h >> 29
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 32
	return h
}

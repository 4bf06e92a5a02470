package cache

import (
	"sync"

	"granite/pkg/types"
)

const entryOverhead = 64

// LRU is the sharded least-recently-used cache. Capacity is divided evenly
// across shards, each with its own lock, so recency is approximate across
// the whole cache.
type LRU struct {
	shards []*lruShard
	mask   uint64
}

// NewLRU builds a sharded LRU cache. shards is rounded up to a power of two.
func NewLRU(capacity int64, shards int) *LRU {
	n := 1
	for n < shards {
		n <<= 1
	}
	c := &LRU{shards: make([]*lruShard, n), mask: uint64(n - 1)}
	for i := range c.shards {
		c.shards[i] = &lruShard{
			capacity: capacity / int64(n),
			items:    make(map[Key]*lruEntry),
		}
	}
	return c
}

func (c *LRU) shard(key Key) *lruShard {
	return c.shards[hashKey(key)&c.mask]
}

func (c *LRU) GetOrLoad(key Key, loader Loader) (*Handle, error) {
	return c.shard(key).getOrLoad(key, loader)
}

func (c *LRU) SetCapacity(capacity int64) {
	per := capacity / int64(len(c.shards))
	for _, s := range c.shards {
		s.mu.Lock()
		s.capacity = per
		s.evictLocked()
		s.mu.Unlock()
	}
}

func (c *LRU) Usage() int64 {
	var total int64
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.usage
		s.mu.Unlock()
	}
	return total
}

func (c *LRU) PinnedUsage() int64 {
	var total int64
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.pinned
		s.mu.Unlock()
	}
	return total
}

func (c *LRU) EvictFile(fn types.FileNum) {
	for _, s := range c.shards {
		s.evictFile(fn)
	}
}

type lruEntry struct {
	key    Key
	value  []byte
	charge int64

	// refs counts residency (1 while the entry is in the shard map) plus
	// one per outstanding handle. Guarded by the shard mutex.
	refs     int
	resident bool
	loading  chan struct{}
	err      error

	prev, next *lruEntry
}

func (e *lruEntry) pins() int {
	if e.resident {
		return e.refs - 1
	}
	return e.refs
}

type lruShard struct {
	mu       sync.Mutex
	capacity int64
	usage    int64
	pinned   int64
	items    map[Key]*lruEntry
	// intrusive recency list; head is most recent.
	head, tail *lruEntry
}

func (s *lruShard) getOrLoad(key Key, loader Loader) (*Handle, error) {
	s.mu.Lock()
	for {
		e, ok := s.items[key]
		if !ok {
			break
		}
		if e.loading != nil {
			// Another caller is loading this block; wait for it
			// instead of duplicating the decode.
			ch := e.loading
			s.mu.Unlock()
			<-ch
			if e.err != nil {
				return nil, e.err
			}
			s.mu.Lock()
			continue
		}
		s.pin(e)
		s.moveToFront(e)
		s.mu.Unlock()
		return s.handle(e), nil
	}

	e := &lruEntry{key: key, refs: 2, loading: make(chan struct{})}
	s.items[key] = e
	s.mu.Unlock()

	value, err := loader()

	s.mu.Lock()
	if err != nil {
		e.err = err
		delete(s.items, key)
		close(e.loading)
		s.mu.Unlock()
		return nil, err
	}
	e.value = value
	e.charge = int64(len(value)) + entryOverhead
	e.resident = true
	close(e.loading)
	e.loading = nil

	s.usage += e.charge
	s.pinned += e.charge // refs==2 means one pin outstanding
	s.pushFront(e)
	s.evictLocked()
	s.mu.Unlock()

	return s.handle(e), nil
}

func (s *lruShard) handle(e *lruEntry) *Handle {
	return &Handle{
		value: e.value,
		release: func() {
			s.mu.Lock()
			before := e.pins()
			e.refs--
			if before == 1 {
				s.pinned -= e.charge
			}
			s.mu.Unlock()
		},
	}
}

func (s *lruShard) pin(e *lruEntry) {
	if e.pins() == 0 {
		s.pinned += e.charge
	}
	e.refs++
}

// evictLocked drops unpinned entries from the cold end until usage fits.
func (s *lruShard) evictLocked() {
	e := s.tail
	for s.usage > s.capacity && e != nil {
		prev := e.prev
		if e.pins() == 0 {
			s.removeLocked(e)
		}
		e = prev
	}
}

// removeLocked detaches a resident entry from the shard. If handles still
// pin it, the memory stays alive with them until the last Release.
func (s *lruShard) removeLocked(e *lruEntry) {
	delete(s.items, e.key)
	s.unlink(e)
	s.usage -= e.charge
	e.resident = false
	e.refs--
}

func (s *lruShard) evictFile(fn types.FileNum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.items {
		if e.key.FileNum == fn && e.loading == nil {
			s.removeLocked(e)
		}
	}
}

func (s *lruShard) pushFront(e *lruEntry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *lruShard) unlink(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (s *lruShard) moveToFront(e *lruEntry) {
	if s.head == e {
		return
	}
	s.unlink(e)
	s.pushFront(e)
}

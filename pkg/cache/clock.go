package cache

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/fastrand"

	"granite/pkg/types"
)

// Clock is the clock-hand cache strategy. The hit path takes only the shared
// lock plus per-entry atomics (a reference bit and a pin count); the
// exclusive lock is needed only to admit or evict entries.
//
// The hash table is sized up front from estimatedEntryCharge. Estimating too
// high leaves too few slots and increases evictions; estimating too low only
// costs slot metadata, so prefer under-estimating.
type Clock struct {
	mu     sync.RWMutex
	items  map[Key]*clockEntry
	ring   []*clockEntry
	hand   int
	filled int

	capacity atomic.Int64
	usage    int64 // guarded by mu
	pinned   atomic.Int64
}

type clockEntry struct {
	key    Key
	value  []byte
	charge int64
	slot   int

	refbit  atomic.Bool
	pins    atomic.Int32
	loading chan struct{}
	err     error
}

const minClockSlots = 64

// NewClock builds a clock cache with the given byte capacity.
func NewClock(capacity, estimatedEntryCharge int64) *Clock {
	if estimatedEntryCharge <= 0 {
		estimatedEntryCharge = 4096
	}
	slots := capacity / estimatedEntryCharge
	if slots < minClockSlots {
		slots = minClockSlots
	}
	c := &Clock{
		items: make(map[Key]*clockEntry, slots),
		ring:  make([]*clockEntry, slots),
		hand:  int(fastrand.Uint32n(uint32(slots))),
	}
	c.capacity.Store(capacity)
	return c
}

func (c *Clock) GetOrLoad(key Key, loader Loader) (*Handle, error) {
	for {
		c.mu.RLock()
		e, ok := c.items[key]
		if ok && e.loading == nil {
			e.refbit.Store(true)
			if e.pins.Add(1) == 1 {
				c.pinned.Add(e.charge)
			}
			c.mu.RUnlock()
			return c.handle(e), nil
		}
		c.mu.RUnlock()

		if ok {
			<-e.loading
			if e.err != nil {
				return nil, e.err
			}
			continue
		}

		if h, err, admitted := c.admit(key, loader); admitted {
			return h, err
		}
	}
}

// admit installs a loading placeholder and runs the loader. It reports
// admitted=false when another caller won the race, in which case the caller
// retries the lookup.
func (c *Clock) admit(key Key, loader Loader) (*Handle, error, bool) {
	c.mu.Lock()
	if _, ok := c.items[key]; ok {
		c.mu.Unlock()
		return nil, nil, false
	}
	e := &clockEntry{key: key, slot: -1, loading: make(chan struct{})}
	e.pins.Store(1)
	c.items[key] = e
	c.mu.Unlock()

	value, err := loader()

	c.mu.Lock()
	if err != nil {
		e.err = err
		delete(c.items, key)
		close(e.loading)
		c.mu.Unlock()
		return nil, err, true
	}
	e.value = value
	e.charge = int64(len(value)) + entryOverhead
	e.refbit.Store(true)
	c.placeLocked(e)
	c.usage += e.charge
	c.pinned.Add(e.charge)
	close(e.loading)
	e.loading = nil
	c.evictLocked()
	c.mu.Unlock()

	return c.handle(e), nil, true
}

func (c *Clock) handle(e *clockEntry) *Handle {
	return &Handle{
		value: e.value,
		release: func() {
			if e.pins.Add(-1) == 0 {
				c.pinned.Add(-e.charge)
			}
		},
	}
}

// placeLocked finds a free ring slot, evicting to make room when the table
// is full.
func (c *Clock) placeLocked(e *clockEntry) {
	if c.filled == len(c.ring) {
		c.evictOneLocked()
	}
	for i := 0; i < len(c.ring); i++ {
		slot := (c.hand + i) % len(c.ring)
		if c.ring[slot] == nil {
			c.ring[slot] = e
			e.slot = slot
			c.filled++
			return
		}
	}
	// Every slot is pinned; the table was sized too small for the
	// working set. The entry stays reachable through the map only and is
	// evicted on the next EvictFile or capacity sweep.
}

func (c *Clock) evictLocked() {
	limit := c.capacity.Load()
	for c.usage > limit {
		if !c.evictOneLocked() {
			return
		}
	}
}

// evictOneLocked runs the clock hand: clear set reference bits, evict the
// first unpinned entry whose bit is already clear.
func (c *Clock) evictOneLocked() bool {
	for pass := 0; pass < 2*len(c.ring); pass++ {
		c.hand = (c.hand + 1) % len(c.ring)
		e := c.ring[c.hand]
		if e == nil || e.pins.Load() > 0 {
			continue
		}
		if e.refbit.CompareAndSwap(true, false) {
			continue
		}
		c.dropLocked(e)
		return true
	}
	return false
}

func (c *Clock) dropLocked(e *clockEntry) {
	delete(c.items, e.key)
	if e.slot >= 0 {
		c.ring[e.slot] = nil
		c.filled--
		e.slot = -1
	}
	c.usage -= e.charge
}

func (c *Clock) SetCapacity(capacity int64) {
	c.capacity.Store(capacity)
	c.mu.Lock()
	c.evictLocked()
	c.mu.Unlock()
}

func (c *Clock) Usage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage
}

func (c *Clock) PinnedUsage() int64 {
	return c.pinned.Load()
}

func (c *Clock) EvictFile(fn types.FileNum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.items {
		if e.key.FileNum == fn && e.loading == nil && e.pins.Load() == 0 {
			c.dropLocked(e)
		}
	}
}

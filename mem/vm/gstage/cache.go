package gstage

import (
	"sync/atomic"

	"github.com/sarchlab/hvmmu/mem/vm"
)

// DefaultCacheSize is the number of legacy cache slots.
const DefaultCacheSize = 1024

const fibonacciHash = 11400714819323198485

type cacheEntry struct {
	page        uint64
	base        uint64
	hostBase    uint64
	pageSize    uint64
	perms       vm.Permissions
	level       uint8
	lastAccess  atomic.Uint64
	accessCount atomic.Uint64
}

// A Cache is a direct-mapped cache of G-stage translations. Every slot
// holds the translation of one guest page. A colliding insert silently
// replaces what the slot held, which costs a walk later and nothing else.
type Cache struct {
	slots []atomic.Pointer[cacheEntry]
	clock atomic.Uint64

	hits          atomic.Uint64
	misses        atomic.Uint64
	insertions    atomic.Uint64
	invalidations atomic.Uint64
}

// CacheStats are the counters of a Cache.
type CacheStats struct {
	Size          int
	Occupied      int
	Hits          uint64
	Misses        uint64
	Insertions    uint64
	Invalidations uint64
}

// NewCache creates a cache with the given number of slots.
func NewCache(size int) *Cache {
	if size < 1 {
		panic("cache size must be positive")
	}

	return &Cache{slots: make([]atomic.Pointer[cacheEntry], size)}
}

func (c *Cache) index(gpa uint64) int {
	return int(((gpa >> vm.PageShift) * fibonacciHash) % uint64(len(c.slots)))
}

// Size returns the number of slots.
func (c *Cache) Size() int {
	return len(c.slots)
}

// Lookup returns the cached translation of gpa.
func (c *Cache) Lookup(gpa uint64) (Result, bool) {
	e := c.slots[c.index(gpa)].Load()
	if e == nil || e.page != gpa>>vm.PageShift {
		c.misses.Add(1)
		return Result{}, false
	}

	c.hits.Add(1)
	e.accessCount.Add(1)
	e.lastAccess.Store(c.clock.Add(1))

	return Result{
		HostPhysAddr: e.hostBase | (gpa & (e.pageSize - 1)),
		Permissions:  e.perms,
		PageSize:     e.pageSize,
		Level:        int(e.level),
		CacheHit:     true,
	}, true
}

// Insert caches the translation of gpa.
func (c *Cache) Insert(gpa uint64, r Result) {
	e := &cacheEntry{
		page:     gpa >> vm.PageShift,
		base:     vm.AlignDown(gpa, r.PageSize),
		hostBase: vm.AlignDown(r.HostPhysAddr, r.PageSize),
		pageSize: r.PageSize,
		perms:    r.Permissions,
		level:    uint8(r.Level),
	}
	e.lastAccess.Store(c.clock.Add(1))

	c.slots[c.index(gpa)].Store(e)
	c.insertions.Add(1)
}

// InvalidateRange drops every slot whose page overlaps [start, start+size).
// It returns the number of slots dropped.
func (c *Cache) InvalidateRange(start, size uint64) int {
	if size == 0 {
		return 0
	}

	last := start + (size - 1)
	n := 0

	for i := range c.slots {
		e := c.slots[i].Load()
		if e == nil {
			continue
		}

		if e.base > last || e.base+(e.pageSize-1) < start {
			continue
		}

		if c.slots[i].CompareAndSwap(e, nil) {
			n++
		}
	}

	c.invalidations.Add(uint64(n))

	return n
}

// InvalidateAll empties the cache and returns the number of slots dropped.
func (c *Cache) InvalidateAll() int {
	n := 0

	for i := range c.slots {
		if c.slots[i].Swap(nil) != nil {
			n++
		}
	}

	c.invalidations.Add(uint64(n))

	return n
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	s := CacheStats{
		Size:          len(c.slots),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Insertions:    c.insertions.Load(),
		Invalidations: c.invalidations.Load(),
	}

	for i := range c.slots {
		if c.slots[i].Load() != nil {
			s.Occupied++
		}
	}

	return s
}

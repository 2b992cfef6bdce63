// Package tlb provides a set-associative software TLB keyed by address,
// ASID and VMID.
package tlb

import (
	"cmp"
	"errors"
	"math/bits"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/tlb/internal"
)

const fibonacciMultiplier = 11400714819323198485

// ErrPageSize is returned when an entry's page size is not a power of two of
// at least 4 KiB.
var ErrPageSize = errors.New("page size must be a power of 2 and at least 4 KiB")

// anyKind matches entries of every kind.
const anyKind = ^uint8(0)

func kindBit(k EntryKind) uint8 {
	return 1 << k
}

// A Clock hands out logical timestamps for access tracking. TLBs that share a
// clock have comparable ages.
type Clock struct {
	now atomic.Uint64
}

// Tick advances the clock and returns the new time.
func (c *Clock) Tick() uint64 {
	return c.now.Add(1)
}

// Now returns the current time.
func (c *Clock) Now() uint64 {
	return c.now.Load()
}

// Policy selects the victims of an explicit eviction pass.
type Policy uint8

// The eviction policies.
const (
	PolicyLRU Policy = iota
	PolicyMRU
	PolicyLFU
	PolicyRandom
)

// Stats is a snapshot of the TLB counters.
type Stats struct {
	Lookups       uint64
	Hits          uint64
	Misses        uint64
	Insertions    uint64
	Evictions     uint64
	Invalidations uint64
	Flushes       uint64
	Entries       int
	PeakEntries   int
	Capacity      int
}

// HitRate returns the hit percentage, 0 to 100.
func (s Stats) HitRate() float64 {
	if s.Lookups == 0 {
		return 0
	}

	return float64(s.Hits) * 100 / float64(s.Lookups)
}

// MissRate returns the miss percentage, 0 to 100.
func (s Stats) MissRate() float64 {
	if s.Lookups == 0 {
		return 0
	}

	return float64(s.Misses) * 100 / float64(s.Lookups)
}

// Utilization returns the percentage of occupied ways.
func (s Stats) Utilization() float64 {
	if s.Capacity == 0 {
		return 0
	}

	return float64(s.Entries) * 100 / float64(s.Capacity)
}

type set struct {
	lock sync.Mutex
	ways *internal.Set[Entry]
}

// SoftwareTLB caches translations in numSets sets of numWays ways. Each set
// is guarded by its own lock and evicts in LRU order.
type SoftwareTLB struct {
	name    string
	numSets uint64
	numWays int
	sets    []set
	clock   *Clock

	// pageSizes has bit n set if an entry of size 1<<n may be present.
	pageSizes atomic.Uint64

	entries       atomic.Int64
	peakEntries   atomic.Int64
	lookups       atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
	insertions    atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
	flushes       atomic.Uint64
}

// New creates a TLB with default settings and the given geometry.
func New(numSets, numWays int) *SoftwareTLB {
	return MakeBuilder().
		WithNumSets(numSets).
		WithNumWays(numWays).
		Build("TLB")
}

// Name returns the name of the TLB.
func (t *SoftwareTLB) Name() string {
	return t.name
}

// NumSets returns the number of sets.
func (t *SoftwareTLB) NumSets() int {
	return int(t.numSets)
}

// NumWays returns the associativity.
func (t *SoftwareTLB) NumWays() int {
	return t.numWays
}

// Capacity returns the number of ways in all sets.
func (t *SoftwareTLB) Capacity() int {
	return int(t.numSets) * t.numWays
}

// Len returns the number of valid entries.
func (t *SoftwareTLB) Len() int {
	return int(t.entries.Load())
}

// Clock returns the clock the TLB stamps entries with.
func (t *SoftwareTLB) Clock() *Clock {
	return t.clock
}

// SetIndex returns the set that an entry based at addr lives in.
func (t *SoftwareTLB) SetIndex(addr uint64) int {
	vpn := addr >> vm.PageShift
	return int(((vpn * fibonacciMultiplier) >> 32) % t.numSets)
}

func (t *SoftwareTLB) reset() {
	t.sets = make([]set, t.numSets)
	for i := range t.sets {
		t.sets[i].ways = internal.NewSet[Entry](t.numWays)
	}
}

// Lookup returns the entry of any kind that translates addr in the (asid,
// vmid) address space. A hit refreshes the entry's access stamp and makes it
// the most recently used way of its set.
func (t *SoftwareTLB) Lookup(
	addr uint64,
	asid vm.ASID,
	vmid vm.VMID,
) (Entry, bool) {
	return t.lookup(addr, asid, vmid, anyKind)
}

// LookupKind is Lookup restricted to entries of one kind.
func (t *SoftwareTLB) LookupKind(
	kind EntryKind,
	addr uint64,
	asid vm.ASID,
	vmid vm.VMID,
) (Entry, bool) {
	return t.lookup(addr, asid, vmid, kindBit(kind))
}

func (t *SoftwareTLB) lookup(
	addr uint64,
	asid vm.ASID,
	vmid vm.VMID,
	kinds uint8,
) (Entry, bool) {
	t.lookups.Add(1)

	sizes := t.pageSizes.Load()
	for sizes != 0 {
		shift := bits.TrailingZeros64(sizes)
		sizes &= sizes - 1

		size := uint64(1) << shift
		s := &t.sets[t.SetIndex(vm.AlignDown(addr, size))]

		if e, ok := t.lookupInSet(s, addr, size, asid, vmid, kinds); ok {
			t.hits.Add(1)
			return e, true
		}
	}

	t.misses.Add(1)

	return Entry{}, false
}

func (t *SoftwareTLB) lookupInSet(
	s *set,
	addr, size uint64,
	asid vm.ASID,
	vmid vm.VMID,
	kinds uint8,
) (Entry, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for way := 0; way < t.numWays; way++ {
		e, valid := s.ways.Item(way)
		if !valid || e.PageSize != size || kinds&kindBit(e.Kind) == 0 ||
			!e.Matches(addr, asid, vmid) {
			continue
		}

		e.AccessCount++
		e.LastAccess = t.clock.Tick()
		s.ways.Visit(way)

		return *e, true
	}

	return Entry{}, false
}

// Contains reports if addr is cached in the (asid, vmid) address space,
// without counting a lookup or touching the LRU order.
func (t *SoftwareTLB) Contains(addr uint64, asid vm.ASID, vmid vm.VMID) bool {
	sizes := t.pageSizes.Load()
	for sizes != 0 {
		shift := bits.TrailingZeros64(sizes)
		sizes &= sizes - 1

		size := uint64(1) << shift
		s := &t.sets[t.SetIndex(vm.AlignDown(addr, size))]

		s.lock.Lock()
		for way := 0; way < t.numWays; way++ {
			e, valid := s.ways.Item(way)
			if valid && e.PageSize == size && e.Matches(addr, asid, vmid) {
				s.lock.Unlock()
				return true
			}
		}
		s.lock.Unlock()
	}

	return false
}

// Insert adds an entry. An entry with the same kind and key is replaced in
// place. Otherwise the LRU way of the set is filled, and the returned boolean
// tells if a valid entry had to be evicted for it. An entry with a bad page
// size is rejected with ErrPageSize.
func (t *SoftwareTLB) Insert(e Entry) (evicted Entry, didEvict bool, err error) {
	if e.PageSize == 0 {
		e.PageSize = vm.PageSize
	}

	if !vm.IsPowerOfTwo(e.PageSize) || e.PageSize < vm.PageSize {
		return Entry{}, false, ErrPageSize
	}

	e.Addr = vm.AlignDown(e.Addr, e.PageSize)
	e.PhysAddr = vm.AlignDown(e.PhysAddr, e.PageSize)
	e.IntermediateAddr = vm.AlignDown(e.IntermediateAddr, e.PageSize)
	e.CreatedAt = t.clock.Tick()
	e.LastAccess = e.CreatedAt

	t.pageSizes.Or(uint64(1) << bits.TrailingZeros64(e.PageSize))

	s := &t.sets[t.SetIndex(e.Addr)]
	s.lock.Lock()
	defer s.lock.Unlock()

	t.insertions.Add(1)

	for way := 0; way < t.numWays; way++ {
		old, valid := s.ways.Item(way)
		if valid && old.sameKey(&e) {
			s.ways.Update(way, e)
			s.ways.Visit(way)

			return Entry{}, false, nil
		}
	}

	way, occupied := s.ways.Victim()
	if occupied {
		prev, _ := s.ways.Item(way)
		out := *prev

		s.ways.Update(way, e)
		s.ways.Visit(way)
		t.evictions.Add(1)

		return out, true, nil
	}

	s.ways.Update(way, e)
	s.ways.Visit(way)
	t.addEntries(1)

	return Entry{}, false, nil
}

func (t *SoftwareTLB) addEntries(n int64) {
	now := t.entries.Add(n)

	for {
		peak := t.peakEntries.Load()
		if now <= peak || t.peakEntries.CompareAndSwap(peak, now) {
			return
		}
	}
}

// invalidateWhere removes all entries that satisfy pred.
func (t *SoftwareTLB) invalidateWhere(pred func(e *Entry) bool) int {
	removed := 0

	for i := range t.sets {
		s := &t.sets[i]
		s.lock.Lock()

		for way := 0; way < t.numWays; way++ {
			e, valid := s.ways.Item(way)
			if valid && pred(e) {
				s.ways.Invalidate(way)
				removed++
			}
		}

		s.lock.Unlock()
	}

	if removed > 0 {
		t.entries.Add(int64(-removed))
		t.invalidations.Add(uint64(removed))
	}

	return removed
}

// InvalidateEntry removes every entry that translates addr in the (asid,
// vmid) address space.
func (t *SoftwareTLB) InvalidateEntry(
	addr uint64,
	asid vm.ASID,
	vmid vm.VMID,
) bool {
	removed := 0

	sizes := t.pageSizes.Load()
	for sizes != 0 {
		shift := bits.TrailingZeros64(sizes)
		sizes &= sizes - 1

		size := uint64(1) << shift
		s := &t.sets[t.SetIndex(vm.AlignDown(addr, size))]

		s.lock.Lock()
		for way := 0; way < t.numWays; way++ {
			e, valid := s.ways.Item(way)
			if valid && e.PageSize == size && e.Matches(addr, asid, vmid) {
				s.ways.Invalidate(way)
				removed++
			}
		}
		s.lock.Unlock()
	}

	if removed > 0 {
		t.entries.Add(int64(-removed))
		t.invalidations.Add(uint64(removed))
	}

	return removed > 0
}

// Remove removes the entry with exactly the kind, base, size and address
// space of key.
func (t *SoftwareTLB) Remove(key Entry) bool {
	if key.PageSize == 0 {
		return false
	}

	key.Addr = vm.AlignDown(key.Addr, key.PageSize)

	s := &t.sets[t.SetIndex(key.Addr)]
	s.lock.Lock()
	defer s.lock.Unlock()

	for way := 0; way < t.numWays; way++ {
		e, valid := s.ways.Item(way)
		if valid && e.sameKey(&key) {
			s.ways.Invalidate(way)
			t.entries.Add(-1)
			t.invalidations.Add(1)

			return true
		}
	}

	return false
}

// InvalidateASID removes the stage-1 and nested entries of an address space.
// G-stage entries are not tagged by ASID and are kept.
func (t *SoftwareTLB) InvalidateASID(asid vm.ASID) int {
	return t.invalidateWhere(func(e *Entry) bool {
		return e.Kind != KindGStage && e.ASID == asid
	})
}

// InvalidateVMID removes every entry of a VM.
func (t *SoftwareTLB) InvalidateVMID(vmid vm.VMID) int {
	return t.invalidateWhere(func(e *Entry) bool {
		return e.VMID == vmid
	})
}

// InvalidateRange removes the entries of an address space that overlap
// [start, start+size).
func (t *SoftwareTLB) InvalidateRange(
	start, size uint64,
	asid vm.ASID,
	vmid vm.VMID,
) int {
	return t.invalidateWhere(func(e *Entry) bool {
		return e.ASID == asid && e.VMID == vmid && e.Overlaps(start, size)
	})
}

// InvalidateGStageRange removes the G-stage entries of a VM that overlap the
// guest physical range [start, start+size).
func (t *SoftwareTLB) InvalidateGStageRange(
	start, size uint64,
	vmid vm.VMID,
) int {
	return t.invalidateWhere(func(e *Entry) bool {
		return e.Kind == KindGStage && e.VMID == vmid && e.Overlaps(start, size)
	})
}

// InvalidateNested removes the nested entries of a VM whose guest physical
// address overlaps [start, start+size).
func (t *SoftwareTLB) InvalidateNested(
	start, size uint64,
	vmid vm.VMID,
) int {
	return t.invalidateWhere(func(e *Entry) bool {
		return e.VMID == vmid && e.IntermediateOverlaps(start, size)
	})
}

// FlushByKind removes every entry of a kind.
func (t *SoftwareTLB) FlushByKind(kind EntryKind) int {
	return t.invalidateWhere(func(e *Entry) bool {
		return e.Kind == kind
	})
}

// FlushAll removes every entry.
func (t *SoftwareTLB) FlushAll() int {
	removed := 0

	for i := range t.sets {
		s := &t.sets[i]
		s.lock.Lock()
		removed += s.ways.Len()
		s.ways.Reset()
		s.lock.Unlock()
	}

	t.entries.Add(int64(-removed))
	t.pageSizes.Store(0)
	t.flushes.Add(1)

	return removed
}

// OptimizePerformance removes the entries that have not been accessed for
// more than ageThreshold clock ticks.
func (t *SoftwareTLB) OptimizePerformance(ageThreshold uint64) int {
	now := t.clock.Now()

	return t.invalidateWhere(func(e *Entry) bool {
		return now-e.LastAccess > ageThreshold
	})
}

type victim struct {
	entry Entry
	order uint64
}

// EvictBy removes up to n entries chosen by the policy.
func (t *SoftwareTLB) EvictBy(policy Policy, n int) int {
	if n <= 0 {
		return 0
	}

	entries := t.Entries()
	victims := make([]victim, len(entries))

	for i, e := range entries {
		victims[i].entry = e

		switch policy {
		case PolicyMRU:
			victims[i].order = ^e.LastAccess
		case PolicyLFU:
			victims[i].order = e.AccessCount
		case PolicyRandom:
			victims[i].order = rand.Uint64()
		default:
			victims[i].order = e.LastAccess
		}
	}

	slices.SortFunc(victims, func(a, b victim) int {
		return cmp.Compare(a.order, b.order)
	})

	removed := 0
	for _, v := range victims {
		if removed == n {
			break
		}

		if t.Remove(v.entry) {
			removed++
		}
	}

	return removed
}

// Entries returns a copy of every valid entry.
func (t *SoftwareTLB) Entries() []Entry {
	out := make([]Entry, 0, t.Len())

	for i := range t.sets {
		s := &t.sets[i]
		s.lock.Lock()

		for way := 0; way < t.numWays; way++ {
			if e, valid := s.ways.Item(way); valid {
				out = append(out, *e)
			}
		}

		s.lock.Unlock()
	}

	return out
}

// EntriesByVMID groups the number of valid entries by VMID.
func (t *SoftwareTLB) EntriesByVMID() map[vm.VMID]int {
	out := make(map[vm.VMID]int)
	for _, e := range t.Entries() {
		out[e.VMID]++
	}

	return out
}

// Stats returns a snapshot of the counters.
func (t *SoftwareTLB) Stats() Stats {
	return Stats{
		Lookups:       t.lookups.Load(),
		Hits:          t.hits.Load(),
		Misses:        t.misses.Load(),
		Insertions:    t.insertions.Load(),
		Evictions:     t.evictions.Load(),
		Invalidations: t.invalidations.Load(),
		Flushes:       t.flushes.Load(),
		Entries:       t.Len(),
		PeakEntries:   int(t.peakEntries.Load()),
		Capacity:      t.Capacity(),
	}
}

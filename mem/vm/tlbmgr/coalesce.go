package tlbmgr

import (
	"math/bits"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/tlb"
)

// mergeMask holds the permission bits that must agree across a run. The
// accessed and dirty bits may differ and are ANDed.
const mergeMask = vm.PermRWX | vm.PermUser | vm.PermGlobal

// CoalescingStats are the coalescing counters.
type CoalescingStats struct {
	Passes uint64
	// Merged counts the entries created by merging.
	Merged uint64
	// Consumed counts the entries replaced by merged ones.
	Consumed uint64
	// Aborted counts the runs given up because an entry vanished.
	Aborted uint64
}

// Efficiency returns the percentage of consumed entries that merging
// freed.
func (s CoalescingStats) Efficiency() float64 {
	if s.Consumed == 0 {
		return 0
	}

	return float64(s.Consumed-s.Merged) * 100 / float64(s.Consumed)
}

type coalesceStats struct {
	passes   atomic.Uint64
	merged   atomic.Uint64
	consumed atomic.Uint64
	aborted  atomic.Uint64
}

func (s *coalesceStats) snapshot() CoalescingStats {
	return CoalescingStats{
		Passes:   s.passes.Load(),
		Merged:   s.merged.Load(),
		Consumed: s.consumed.Load(),
		Aborted:  s.aborted.Load(),
	}
}

// Entries are ordered by address space first, so that the entries of one
// space are adjacent and sorted by address.
func entryLess(a, b tlb.Entry) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}

	if a.VMID != b.VMID {
		return a.VMID < b.VMID
	}

	if a.ASID != b.ASID {
		return a.ASID < b.ASID
	}

	return a.Addr < b.Addr
}

func indexKey(e tlb.Entry, addr uint64) tlb.Entry {
	return tlb.Entry{Kind: e.Kind, VMID: e.VMID, ASID: e.ASID, Addr: addr}
}

// Coalesce merges contiguous entries of both TLBs. It returns the number of
// merged entries created and the number of entries they replaced.
func (m *Manager) Coalesce() (merged, consumed int) {
	cfg := m.cfg.Load()

	m.structLock.Lock()
	defer m.structLock.Unlock()

	for _, t := range []*tlb.SoftwareTLB{m.regular, m.gstage} {
		n, c := m.coalesceTLB(t, &cfg.Coalescing)
		merged += n
		consumed += c
	}

	return merged, consumed
}

// coalesceTLB must be called with structLock held.
func (m *Manager) coalesceTLB(
	t *tlb.SoftwareTLB,
	cc *CoalescingConfig,
) (merged, consumed int) {
	if !cc.Enabled || cc.MaxCoalescedSize < 2*vm.PageSize {
		return 0, 0
	}

	entries := t.Entries()
	if len(entries) == 0 || len(entries) < cc.MinEntries {
		return 0, 0
	}

	budget := int(cc.MaxMergeFraction * float64(len(entries)))
	if budget < 2 {
		return 0, 0
	}

	m.coalesce.passes.Add(1)

	index := btree.NewG(8, entryLess)
	for _, e := range entries {
		if e.Kind != tlb.KindNested {
			index.ReplaceOrInsert(e)
		}
	}

	sorted := make([]tlb.Entry, 0, index.Len())
	index.Ascend(func(e tlb.Entry) bool {
		sorted = append(sorted, e)
		return true
	})

	var runs [][]tlb.Entry

	planned := 0
	for _, e := range sorted {
		if planned+2 > budget {
			break
		}

		if got, ok := index.Get(e); !ok || got != e {
			continue
		}

		run := findRun(index, e, cc.MaxCoalescedSize, budget-planned)
		if run == nil {
			continue
		}

		runs = append(runs, run)
		planned += len(run)
	}

	for _, run := range runs {
		if m.replaceRun(t, run) {
			merged++
			consumed += len(run)
		}
	}

	m.coalesce.merged.Add(uint64(merged))
	m.coalesce.consumed.Add(uint64(consumed))

	return merged, consumed
}

// findRun returns the largest run starting at e that can be merged, and
// removes it from the index. Runs longer than limit are not considered.
func findRun(
	index *btree.BTreeG[tlb.Entry],
	e tlb.Entry,
	maxSize uint64,
	limit int,
) []tlb.Entry {
	for size := maxSize; size > e.PageSize; size >>= 1 {
		if !vm.IsAligned(e.Addr, size) || !vm.IsAligned(e.PhysAddr, size) {
			continue
		}

		run := collectRun(index, e, size, limit)
		if run == nil {
			continue
		}

		for _, part := range run {
			index.Delete(part)
		}

		return run
	}

	return nil
}

// collectRun gathers the entries that exactly cover [e.Addr, e.Addr+size)
// with contiguous host addresses and equal permissions.
func collectRun(
	index *btree.BTreeG[tlb.Entry],
	e tlb.Entry,
	size uint64,
	limit int,
) []tlb.Entry {
	var run []tlb.Entry

	end := e.Addr + size
	next, phys := e.Addr, e.PhysAddr

	for next < end {
		if len(run) == limit {
			return nil
		}

		part, ok := index.Get(indexKey(e, next))
		if !ok || part.PhysAddr != phys ||
			part.Permissions&mergeMask != e.Permissions&mergeMask ||
			next+part.PageSize > end {
			return nil
		}

		run = append(run, part)
		next += part.PageSize
		phys += part.PageSize
	}

	if len(run) < 2 {
		return nil
	}

	return run
}

// leafLevel returns the level of the largest page of a 9-bit-per-level table
// that fits in size.
func leafLevel(size uint64) uint8 {
	return uint8((bits.Len64(size) - 1 - vm.PageShift) / 9)
}

// replaceRun swaps the parts of a run for one merged entry. If any part has
// gone, the run is dropped.
func (m *Manager) replaceRun(t *tlb.SoftwareTLB, run []tlb.Entry) bool {
	merged := run[0]
	merged.Prefetched = false
	merged.AccessCount = 0

	ok := true
	for _, part := range run {
		if !t.Remove(part) {
			ok = false
		}

		merged.Permissions &= part.Permissions
		merged.AccessCount += part.AccessCount
	}

	if !ok {
		m.coalesce.aborted.Add(1)
		return false
	}

	merged.PageSize = 0
	for _, part := range run {
		merged.PageSize += part.PageSize
		merged.Level = max(merged.Level, part.Level)
	}

	merged.Level = max(merged.Level, leafLevel(merged.PageSize))

	t.Insert(merged)

	return true
}

// CoalescingStats returns a snapshot of the coalescing counters.
func (m *Manager) CoalescingStats() CoalescingStats {
	return m.coalesce.snapshot()
}

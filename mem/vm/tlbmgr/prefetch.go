package tlbmgr

import (
	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/tlb"
)

// A PrefetchRequest asks for the translation of a page to be installed
// before it is needed.
type PrefetchRequest struct {
	Kind tlb.EntryKind
	Addr uint64
	ASID vm.ASID
	VMID vm.VMID
}

// PrefetchStats are the prefetch counters.
type PrefetchStats struct {
	Queued  uint64
	Dropped uint64
	Served  uint64
	// Filled counts the prefetched entries installed.
	Filled uint64
	// Used counts the prefetched entries that were later hit.
	Used uint64
	// Pending is the number of requests waiting.
	Pending int
}

// Accuracy returns the percentage of installed prefetches that were used.
func (s PrefetchStats) Accuracy() float64 {
	if s.Filled == 0 {
		return 0
	}

	return float64(s.Used) * 100 / float64(s.Filled)
}

func (m *Manager) schedulePrefetch(cfg *Config, e *tlb.Entry) {
	kind := e.Kind
	if kind == tlb.KindNested {
		kind = tlb.KindRegular
	}

	for i := 1; i <= cfg.Prefetch.Distance; i++ {
		req := PrefetchRequest{
			Kind: kind,
			Addr: e.Addr + uint64(i)*e.PageSize,
			ASID: e.ASID,
			VMID: e.VMID,
		}

		select {
		case m.prefetchQ <- req:
			m.prefetchQueued.Add(1)
		default:
			m.prefetchDropped.Add(1)
		}
	}
}

// DrainPrefetches hands the queued G-stage requests of a VM to fill. Other
// requests stay queued. It returns the number of requests handed out.
func (m *Manager) DrainPrefetches(vmid vm.VMID, fill func(gpa uint64)) int {
	return m.drain(func(r *PrefetchRequest) bool {
		return r.Kind == tlb.KindGStage && r.VMID == vmid
	}, fill)
}

// DrainGuestPrefetches hands the queued stage-1 requests of an address
// space to fill.
func (m *Manager) DrainGuestPrefetches(
	vmid vm.VMID,
	asid vm.ASID,
	fill func(gva uint64),
) int {
	return m.drain(func(r *PrefetchRequest) bool {
		return r.Kind == tlb.KindRegular && r.VMID == vmid && r.ASID == asid
	}, fill)
}

func (m *Manager) drain(match func(r *PrefetchRequest) bool, fill func(uint64)) int {
	served := 0
	var keep []PrefetchRequest

loop:
	for n := len(m.prefetchQ); n > 0; n-- {
		select {
		case req := <-m.prefetchQ:
			if match(&req) {
				fill(req.Addr)
				served++

				continue
			}

			keep = append(keep, req)
		default:
			break loop
		}
	}

	for _, req := range keep {
		select {
		case m.prefetchQ <- req:
		default:
			m.prefetchDropped.Add(1)
		}
	}

	m.prefetchServed.Add(uint64(served))

	return served
}

// PrefetchStats returns a snapshot of the prefetch counters.
func (m *Manager) PrefetchStats() PrefetchStats {
	return PrefetchStats{
		Queued:  m.prefetchQueued.Load(),
		Dropped: m.prefetchDropped.Load(),
		Served:  m.prefetchServed.Load(),
		Filled:  m.prefetchFilled.Load(),
		Used:    m.prefetchUsed.Load(),
		Pending: len(m.prefetchQ),
	}
}

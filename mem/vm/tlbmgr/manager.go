// Package tlbmgr manages the software TLBs shared by every VM of a host: a
// regular TLB for stage-1 and nested translations and a G-stage TLB. It
// prefetches, coalesces and keeps the TLBs tuned from sampled counters.
package tlbmgr

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sarchlab/hvmmu/hooking"
	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/hwtlb"
	"github.com/sarchlab/hvmmu/mem/vm/tlb"
)

// Hook positions of a Manager.
var (
	// HookPosSample is hit when a performance sample is taken. The item is
	// the Sample.
	HookPosSample = &hooking.HookPos{Name: "TLB Sample"}
	// HookPosOptimize is hit after an optimisation pass. The item is the
	// OptimizeEvent.
	HookPosOptimize = &hooking.HookPos{Name: "TLB Optimize"}
	// HookPosFlush is hit after an invalidation that fenced the hardware.
	// The item is the FlushEvent.
	HookPosFlush = &hooking.HookPos{Name: "TLB Flush"}
)

// FlushScope tells how wide an invalidation was.
type FlushScope string

// The flush scopes.
const (
	FlushScopeAddr FlushScope = "addr"
	FlushScopeASID FlushScope = "asid"
	FlushScopeVMID FlushScope = "vmid"
	FlushScopeAll  FlushScope = "all"
)

// FlushEvent describes an invalidation passed to hooks.
type FlushEvent struct {
	Scope   FlushScope
	VMID    vm.VMID
	ASID    vm.ASID
	Addr    uint64
	Removed int
}

// A Manager owns the regular and the G-stage software TLB.
type Manager struct {
	hooking.HookableBase

	name    string
	cfg     atomic.Pointer[Config]
	regular *tlb.SoftwareTLB
	gstage  *tlb.SoftwareTLB
	hw      *hwtlb.HardwareTLB
	log     logrus.FieldLogger

	// structLock is held exclusively while entries are merged, so that no
	// invalidation can slip between the removal of the parts and the
	// insertion of the merged entry.
	structLock sync.RWMutex

	prefetchQ       chan PrefetchRequest
	prefetchQueued  atomic.Uint64
	prefetchDropped atomic.Uint64
	prefetchServed  atomic.Uint64
	prefetchFilled  atomic.Uint64
	prefetchUsed    atomic.Uint64

	translations atomic.Uint64
	sampledAt    atomic.Uint64
	rejected     atomic.Uint64
	monitor      monitor
	periodic     rate.Sometimes
	warnLimit    *rate.Limiter

	optimizations atomic.Uint64
	reactive      atomic.Uint64
	coalesce      coalesceStats
}

// New creates a manager with the default configuration and no hardware
// behind it.
func New() *Manager {
	return MakeBuilder().Build("TLBManager")
}

// Name returns the name of the manager.
func (m *Manager) Name() string {
	return m.name
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	return *m.cfg.Load()
}

// SetStrategy changes the optimisation strategy.
func (m *Manager) SetStrategy(s Strategy) {
	c := m.Config()
	c.Strategy = s
	c = c.validated(m.log)
	m.cfg.Store(&c)

	m.log.WithField("strategy", c.Strategy).Info("TLB strategy changed")
}

// SetPrefetch changes the prefetch settings. The queue keeps its capacity.
func (m *Manager) SetPrefetch(p PrefetchConfig) {
	c := m.Config()
	c.Prefetch = p
	c = c.validated(m.log)
	m.cfg.Store(&c)
}

// Regular returns the regular TLB.
func (m *Manager) Regular() *tlb.SoftwareTLB {
	return m.regular
}

// GStage returns the G-stage TLB.
func (m *Manager) GStage() *tlb.SoftwareTLB {
	return m.gstage
}

// TranslateRegular returns the guest physical address of a cached stage-1
// translation. Nested entries are not considered.
func (m *Manager) TranslateRegular(
	addr uint64,
	asid vm.ASID,
	vmid vm.VMID,
) (uint64, bool) {
	e, ok := m.LookupRegular(addr, asid, vmid)
	if !ok {
		return 0, false
	}

	return e.Translate(addr), true
}

// TranslateGStage returns the host physical address of a cached G-stage
// translation.
func (m *Manager) TranslateGStage(
	addr uint64,
	asid vm.ASID,
	vmid vm.VMID,
) (uint64, bool) {
	e, ok := m.lookup(m.gstage, tlb.KindGStage, addr, asid, vmid)
	if !ok {
		return 0, false
	}

	return e.Translate(addr), true
}

// LookupRegular returns the cached stage-1 entry of addr.
func (m *Manager) LookupRegular(
	addr uint64,
	asid vm.ASID,
	vmid vm.VMID,
) (tlb.Entry, bool) {
	return m.lookup(m.regular, tlb.KindRegular, addr, asid, vmid)
}

// LookupNested returns the cached combined GVA to HPA entry of gva.
func (m *Manager) LookupNested(
	gva uint64,
	asid vm.ASID,
	vmid vm.VMID,
) (tlb.Entry, bool) {
	return m.lookup(m.regular, tlb.KindNested, gva, asid, vmid)
}

// LookupGStage returns the cached G-stage entry of gpa.
func (m *Manager) LookupGStage(gpa uint64, vmid vm.VMID) (tlb.Entry, bool) {
	return m.lookup(m.gstage, tlb.KindGStage, gpa, 0, vmid)
}

// lookup only bumps counters and queues prefetches. Sampling and
// optimisation run from Maintain or Sample.
func (m *Manager) lookup(
	t *tlb.SoftwareTLB,
	kind tlb.EntryKind,
	addr uint64,
	asid vm.ASID,
	vmid vm.VMID,
) (tlb.Entry, bool) {
	cfg := m.cfg.Load()

	e, ok := t.LookupKind(kind, addr, asid, vmid)
	if ok {
		if e.Prefetched && e.AccessCount == 1 {
			m.prefetchUsed.Add(1)
		}

		if cfg.Prefetch.Enabled && e.AccessCount == cfg.Prefetch.Threshold+1 {
			m.schedulePrefetch(cfg, &e)
		}
	}

	m.translations.Add(1)

	return e, ok
}

// InsertRegular caches a stage-1 or nested translation. An entry with a bad
// page size is logged and dropped.
func (m *Manager) InsertRegular(e tlb.Entry) {
	if e.Kind == tlb.KindGStage {
		e.Kind = tlb.KindRegular
	}

	m.insert(m.regular, e)
}

// InsertGStage caches a G-stage translation.
func (m *Manager) InsertGStage(e tlb.Entry) {
	e.Kind = tlb.KindGStage
	e.ASID = 0

	if e.Prefetched {
		if m.gstage.Contains(e.Addr, 0, e.VMID) {
			return
		}

		m.prefetchFilled.Add(1)
	}

	m.insert(m.gstage, e)
}

func (m *Manager) insert(t *tlb.SoftwareTLB, e tlb.Entry) {
	if _, _, err := t.Insert(e); err != nil {
		m.rejected.Add(1)
		m.log.WithError(err).WithFields(logrus.Fields{
			"tlb":       t.Name(),
			"addr":      e.Addr,
			"page_size": e.PageSize,
			"vmid":      e.VMID,
		}).Warn("TLB entry rejected")
	}
}

// PurgeGStage drops the G-stage entries of a VM that overlap [gpa,
// gpa+size), and the nested entries that went through them. The hardware is
// not fenced.
func (m *Manager) PurgeGStage(gpa, size uint64, vmid vm.VMID) int {
	m.structLock.RLock()
	defer m.structLock.RUnlock()

	return m.gstage.InvalidateGStageRange(gpa, size, vmid) +
		m.regular.InvalidateNested(gpa, size, vmid)
}

// PurgeNested drops the nested entries of a VM that went through [gpa,
// gpa+size). The hardware is not fenced.
func (m *Manager) PurgeNested(gpa, size uint64, vmid vm.VMID) int {
	m.structLock.RLock()
	defer m.structLock.RUnlock()

	return m.regular.InvalidateNested(gpa, size, vmid)
}

// PurgeVMID drops every entry of a VM from both TLBs. The hardware is not
// fenced.
func (m *Manager) PurgeVMID(vmid vm.VMID) int {
	m.structLock.RLock()
	defer m.structLock.RUnlock()

	return m.regular.InvalidateVMID(vmid) + m.gstage.InvalidateVMID(vmid)
}

// InvalidateVMID drops every entry of a VM and fences the VMID. It returns
// the number of entries removed.
func (m *Manager) InvalidateVMID(vmid vm.VMID) int {
	removed := m.PurgeVMID(vmid)
	m.hw.FlushGStageVMID(vmid)

	m.flushed(FlushEvent{Scope: FlushScopeVMID, VMID: vmid, Removed: removed})

	return removed
}

// InvalidateASID drops the stage-1 and nested entries of an address space
// and fences the ASID.
func (m *Manager) InvalidateASID(asid vm.ASID) int {
	m.structLock.RLock()
	removed := m.regular.InvalidateASID(asid)
	m.structLock.RUnlock()

	m.hw.FlushASID(asid)

	m.flushed(FlushEvent{Scope: FlushScopeASID, ASID: asid, Removed: removed})

	return removed
}

// InvalidateGStageRange drops the G-stage translations of [gpa, gpa+size)
// and fences the narrowest scope that covers it.
func (m *Manager) InvalidateGStageRange(gpa, size uint64, vmid vm.VMID) int {
	if size == 0 {
		size = vm.PageSize
	}

	removed := m.PurgeGStage(gpa, size, vmid)

	scope := FlushScopeVMID
	if vm.AlignDown(gpa, vm.PageSize) == vm.AlignDown(gpa+size-1, vm.PageSize) {
		scope = FlushScopeAddr
		m.hw.FlushGStageAddr(gpa, vmid)
	} else {
		m.hw.FlushGStageVMID(vmid)
	}

	m.flushed(FlushEvent{Scope: scope, VMID: vmid, Addr: gpa, Removed: removed})

	return removed
}

// FlushAll empties both TLBs and fences every VM.
func (m *Manager) FlushAll() int {
	m.structLock.RLock()
	removed := m.regular.FlushAll() + m.gstage.FlushAll()
	m.structLock.RUnlock()

	m.hw.FlushGStageAll()

	m.flushed(FlushEvent{Scope: FlushScopeAll, Removed: removed})

	return removed
}

func (m *Manager) flushed(ev FlushEvent) {
	m.log.WithFields(logrus.Fields{
		"scope":   ev.Scope,
		"vmid":    ev.VMID,
		"removed": ev.Removed,
	}).Debug("TLB invalidated")

	if m.NumHooks() > 0 {
		m.InvokeHook(hooking.HookCtx{
			Domain: m,
			Pos:    HookPosFlush,
			Item:   ev,
		})
	}
}

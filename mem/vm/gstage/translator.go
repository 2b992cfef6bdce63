// Package gstage translates guest physical addresses to host physical
// addresses by walking the hypervisor-managed G-stage page tables of one VM.
package gstage

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/hooking"
	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/mem/vm/hwtlb"
	"github.com/sarchlab/hvmmu/mem/vm/tlb"
)

// Hook positions of a Translator.
var (
	// HookPosTranslate is hit after every successful translation. The item
	// is the GPA and the detail is the Result.
	HookPosTranslate = &hooking.HookPos{Name: "GStage Translate"}
	// HookPosFault is hit when a translation faults. The item is the GPA and
	// the detail is the *FaultError.
	HookPosFault = &hooking.HookPos{Name: "GStage Fault"}
	// HookPosInvalidate is hit after an invalidation. The item is the
	// InvalidateEvent.
	HookPosInvalidate = &hooking.HookPos{Name: "GStage Invalidate"}
	// HookPosConfigure is hit after the translator is reconfigured. The
	// item is the new root pointer.
	HookPosConfigure = &hooking.HookPos{Name: "GStage Configure"}
)

// PhysicalMemory is where the translator reads page-table entries from.
type PhysicalMemory interface {
	Read32(address uint64) (uint32, error)
	Read64(address uint64) (uint64, error)
}

// A TLB is the software TLB a translator consults before its own cache.
// The purge methods do not fence; the translator fences by itself.
type TLB interface {
	LookupGStage(gpa uint64, vmid vm.VMID) (tlb.Entry, bool)
	InsertGStage(e tlb.Entry)
	PurgeGStage(gpa, size uint64, vmid vm.VMID) int
	PurgeVMID(vmid vm.VMID) int
	DrainPrefetches(vmid vm.VMID, fill func(gpa uint64)) int
}

// Result is a successful G-stage translation.
type Result struct {
	HostPhysAddr uint64
	Permissions  vm.Permissions
	PageSize     uint64
	// Level is the walk level the leaf was found at. A hit on a merged TLB
	// entry reports the level of the largest leaf that fits in PageSize.
	Level int
	// CacheHit is set when no walk was needed.
	CacheHit bool
	// TLBHit is set when the software TLB served the translation.
	TLBHit bool
}

// InvalidateEvent describes an invalidation passed to hooks.
type InvalidateEvent struct {
	VMID    vm.VMID
	Addr    uint64
	Size    uint64
	All     bool
	Removed int
}

// Stats are the counters of a translator.
type Stats struct {
	Translations  uint64
	Walks         uint64
	Faults        uint64
	TLBHits       uint64
	CacheHits     uint64
	Prefetches    uint64
	Invalidations uint64
	Cache         CacheStats
}

type state struct {
	vmid        vm.VMID
	root        uint64
	mode        format.Mode
	geometry    format.Geometry
	rootPointer uint64
}

func newState(vmid vm.VMID, root uint64, mode format.Mode) *state {
	return &state{
		vmid:        vmid,
		root:        root,
		mode:        mode,
		geometry:    mode.Format().Geometry(),
		rootPointer: MakeRootPointer(vmid, root>>vm.PageShift, mode),
	}
}

// A Translator owns the G-stage configuration of one VM.
//
// Translate may be called from many goroutines at once. Configure must not
// run while translations of the same VM are in flight.
type Translator struct {
	hooking.HookableBase

	name  string
	state atomic.Pointer[state]

	mem   PhysicalMemory
	cache *Cache
	tlb   TLB
	hw    *hwtlb.HardwareTLB
	log   logrus.FieldLogger

	translations  atomic.Uint64
	walks         atomic.Uint64
	faults        atomic.Uint64
	tlbHits       atomic.Uint64
	cacheHits     atomic.Uint64
	prefetches    atomic.Uint64
	invalidations atomic.Uint64
}

// New creates a translator with a legacy cache, no software TLB and no
// hardware behind it.
func New(
	vmid vm.VMID,
	root uint64,
	mode format.Mode,
	mem PhysicalMemory,
) *Translator {
	return MakeBuilder().WithMemory(mem).Build(vmid, root, mode)
}

// Name returns the name of the translator.
func (t *Translator) Name() string {
	return t.name
}

// VMID returns the VMID the translator serves.
func (t *Translator) VMID() vm.VMID {
	return t.state.Load().vmid
}

// Mode returns the active translation mode.
func (t *Translator) Mode() format.Mode {
	return t.state.Load().mode
}

// RootTable returns the physical address of the root page table.
func (t *Translator) RootTable() uint64 {
	return t.state.Load().root
}

// RootPointer returns the HGATP value of the translator.
func (t *Translator) RootPointer() uint64 {
	return t.state.Load().rootPointer
}

// Cache returns the legacy cache, or nil if the translator has none.
func (t *Translator) Cache() *Cache {
	return t.cache
}

// Translate translates gpa. A failure is a *FaultError.
func (t *Translator) Translate(gpa uint64) (Result, error) {
	st := t.state.Load()
	t.translations.Add(1)

	res, err := t.translate(st, gpa)
	if err != nil {
		t.faults.Add(1)
		if t.NumHooks() > 0 {
			t.invoke(HookPosFault, gpa, err)
		}

		return Result{}, err
	}

	if t.NumHooks() > 0 {
		t.invoke(HookPosTranslate, gpa, res)
	}

	return res, nil
}

// TranslateAccess translates gpa and checks that the page grants access and
// is accessible to the guest.
func (t *Translator) TranslateAccess(
	gpa uint64,
	access vm.Permissions,
) (Result, error) {
	res, err := t.Translate(gpa)
	if err != nil {
		return Result{}, err
	}

	access &= vm.PermRWX
	if !res.Permissions.Has(vm.PermUser) || !res.Permissions.Has(access) {
		st := t.state.Load()
		err = newFault(FaultPermissionDenied, gpa, st.vmid, res.Level,
			fmt.Errorf("%s requested, %s granted", access, res.Permissions))
		t.faults.Add(1)
		if t.NumHooks() > 0 {
			t.invoke(HookPosFault, gpa, err)
		}

		return Result{}, err
	}

	return res, nil
}

func (t *Translator) translate(st *state, gpa uint64) (Result, error) {
	if !st.geometry.IsValidGuestAddress(gpa) {
		return Result{}, newFault(FaultInvalidAddress, gpa, st.vmid, -1, nil)
	}

	if !st.geometry.IsPaged() {
		return Result{
			HostPhysAddr: gpa,
			Permissions:  vm.PermRWX | vm.PermUser,
			PageSize:     vm.PageSize,
		}, nil
	}

	if t.tlb != nil {
		if e, ok := t.tlb.LookupGStage(gpa, st.vmid); ok {
			t.tlbHits.Add(1)

			return Result{
				HostPhysAddr: e.Translate(gpa),
				Permissions:  e.Permissions,
				PageSize:     e.PageSize,
				Level:        int(e.Level),
				CacheHit:     true,
				TLBHit:       true,
			}, nil
		}
	}

	if t.cache != nil {
		if res, ok := t.cache.Lookup(gpa); ok {
			t.cacheHits.Add(1)
			return res, nil
		}
	}

	res, err := t.walk(st, gpa)
	if err != nil {
		return Result{}, err
	}

	if t.cache != nil {
		t.cache.Insert(gpa, res)
	}

	if t.tlb != nil {
		t.tlb.InsertGStage(toEntry(st.vmid, gpa, res, false))
	}

	return res, nil
}

func toEntry(vmid vm.VMID, gpa uint64, res Result, prefetched bool) tlb.Entry {
	return tlb.Entry{
		Addr:        vm.AlignDown(gpa, res.PageSize),
		PhysAddr:    vm.AlignDown(res.HostPhysAddr, res.PageSize),
		VMID:        vmid,
		PageSize:    res.PageSize,
		Permissions: res.Permissions,
		Kind:        tlb.KindGStage,
		Level:       uint8(res.Level),
		Prefetched:  prefetched,
	}
}

func (t *Translator) readPTE(g format.Geometry, addr uint64) (vm.PTE, error) {
	if g.PTESize == 4 {
		v, err := t.mem.Read32(addr)
		return vm.PTE(v), err
	}

	v, err := t.mem.Read64(addr)

	return vm.PTE(v), err
}

func (t *Translator) walk(st *state, gpa uint64) (Result, error) {
	t.walks.Add(1)

	g := st.geometry
	table := st.root

	for level := g.Levels - 1; level >= 0; level-- {
		pte, err := t.readPTE(g, table+g.VPN(gpa, level)*g.PTESize)
		if err != nil {
			return Result{}, newFault(FaultInvalidAddress, gpa, st.vmid, level, err)
		}

		if !pte.Valid() {
			return Result{}, newFault(FaultPageNotFound, gpa, st.vmid, level, nil)
		}

		if !pte.IsLeaf() {
			if level == 0 {
				return Result{}, newFault(FaultInvalidPte, gpa, st.vmid, level,
					fmt.Errorf("pointer entry 0x%x at the last level", uint64(pte)))
			}

			table = pte.PhysAddr()

			continue
		}

		if pte.IsReserved() {
			return Result{}, newFault(FaultInvalidPte, gpa, st.vmid, level,
				fmt.Errorf("reserved encoding 0x%x", uint64(pte)))
		}

		size := g.PageSizeAt(level)
		if !vm.IsAligned(pte.PhysAddr(), size) {
			return Result{}, newFault(FaultInvalidPte, gpa, st.vmid, level,
				fmt.Errorf("misaligned superpage 0x%x", pte.PhysAddr()))
		}

		hpa := pte.PhysAddr() | (gpa & g.OffsetMask(level))
		if !g.IsValidHostAddress(hpa) {
			return Result{}, newFault(FaultInvalidAddress, gpa, st.vmid, level,
				fmt.Errorf("host address 0x%x out of range", hpa))
		}

		return Result{
			HostPhysAddr: hpa,
			Permissions:  pte.Permissions(),
			PageSize:     size,
			Level:        level,
		}, nil
	}

	return Result{}, newFault(FaultInvalidPte, gpa, st.vmid, 0, nil)
}

// Configure points the translator at a new page table and programs the
// root pointer register. Cached translations of both the old and the new
// VMID are dropped. One fence is issued: a VMID fence when the VMID is kept
// and a fence of every VMID when it changes.
func (t *Translator) Configure(vmid vm.VMID, root uint64, mode format.Mode) {
	next := newState(vmid, root, mode)
	prev := t.state.Swap(next)

	t.hw.WriteRootPointer(next.rootPointer)

	if t.cache != nil {
		t.cache.InvalidateAll()
	}

	if t.tlb != nil {
		t.tlb.PurgeVMID(prev.vmid)
		if vmid != prev.vmid {
			t.tlb.PurgeVMID(vmid)
		}
	}

	if vmid == prev.vmid {
		t.hw.FlushGStageVMID(vmid)
	} else {
		t.hw.FlushGStageAll()
	}

	t.log.WithFields(logrus.Fields{
		"vmid": vmid,
		"root": fmt.Sprintf("0x%x", root),
		"mode": mode,
	}).Info("g-stage reconfigured")

	if t.NumHooks() > 0 {
		t.invoke(HookPosConfigure, next.rootPointer, nil)
	}
}

// Activate writes the root pointer of the translator to the hardware.
func (t *Translator) Activate() {
	t.hw.WriteRootPointer(t.state.Load().rootPointer)
}

// Invalidate drops the translations of [gpa, gpa+size) and fences the
// hardware. A size of zero means one page. The fence is issued even when
// nothing was cached.
func (t *Translator) Invalidate(gpa, size uint64) int {
	if size == 0 {
		size = vm.PageSize
	}

	st := t.state.Load()
	removed := 0

	if t.cache != nil {
		removed += t.cache.InvalidateRange(gpa, size)
	}

	if t.tlb != nil {
		removed += t.tlb.PurgeGStage(gpa, size, st.vmid)
	}

	if vm.AlignDown(gpa, vm.PageSize) == vm.AlignDown(gpa+size-1, vm.PageSize) {
		t.hw.FlushGStageAddr(gpa, st.vmid)
	} else {
		t.hw.FlushGStageVMID(st.vmid)
	}

	t.invalidations.Add(1)
	if t.NumHooks() > 0 {
		t.invoke(HookPosInvalidate, InvalidateEvent{
			VMID:    st.vmid,
			Addr:    gpa,
			Size:    size,
			Removed: removed,
		}, nil)
	}

	return removed
}

// InvalidateAll drops every translation of the VM and fences the VMID.
func (t *Translator) InvalidateAll() int {
	st := t.state.Load()
	removed := 0

	if t.cache != nil {
		removed += t.cache.InvalidateAll()
	}

	if t.tlb != nil {
		removed += t.tlb.PurgeVMID(st.vmid)
	}

	t.hw.FlushGStageVMID(st.vmid)

	t.invalidations.Add(1)
	if t.NumHooks() > 0 {
		t.invoke(HookPosInvalidate, InvalidateEvent{
			VMID:    st.vmid,
			All:     true,
			Removed: removed,
		}, nil)
	}

	return removed
}

// Prefetch walks gpa and installs the result in the software TLB as a
// prefetched entry. Faults are dropped.
func (t *Translator) Prefetch(gpa uint64) bool {
	st := t.state.Load()
	if t.tlb == nil || !st.geometry.IsPaged() ||
		!st.geometry.IsValidGuestAddress(gpa) {
		return false
	}

	res, err := t.walk(st, gpa)
	if err != nil {
		return false
	}

	t.tlb.InsertGStage(toEntry(st.vmid, gpa, res, true))
	t.prefetches.Add(1)

	return true
}

// ProcessPrefetches serves the prefetch requests the software TLB queued
// for this VM. It returns the number of requests drained.
func (t *Translator) ProcessPrefetches() int {
	if t.tlb == nil {
		return 0
	}

	return t.tlb.DrainPrefetches(t.VMID(), func(gpa uint64) {
		t.Prefetch(gpa)
	})
}

// Stats returns a snapshot of the counters.
func (t *Translator) Stats() Stats {
	s := Stats{
		Translations:  t.translations.Load(),
		Walks:         t.walks.Load(),
		Faults:        t.faults.Load(),
		TLBHits:       t.tlbHits.Load(),
		CacheHits:     t.cacheHits.Load(),
		Prefetches:    t.prefetches.Load(),
		Invalidations: t.invalidations.Load(),
	}

	if t.cache != nil {
		s.Cache = t.cache.Stats()
	}

	return s
}

// invoke must only be called with hooks registered, so that the hot path
// does not box its arguments.
func (t *Translator) invoke(pos *hooking.HookPos, item, detail any) {
	t.InvokeHook(hooking.HookCtx{
		Domain: t,
		Pos:    pos,
		Item:   item,
		Detail: detail,
	})
}

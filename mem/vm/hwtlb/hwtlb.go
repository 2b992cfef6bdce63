// Package hwtlb issues the fence primitives that keep the hardware TLB
// coherent with the software translation caches.
package hwtlb

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/mem/vm"
)

// Registers gives access to the privileged state of the local hart. Each
// method maps to a single instruction or CSR access.
type Registers interface {
	ReadHGATP() uint64
	WriteHGATP(value uint64)

	// SFenceVMAAll is sfence.vma x0, x0.
	SFenceVMAAll()
	// SFenceVMAASID is sfence.vma x0, asid.
	SFenceVMAASID(asid vm.ASID)
	// SFenceVMAAddr is sfence.vma vaddr, asid.
	SFenceVMAAddr(vaddr uint64, asid vm.ASID)

	// HFenceGVMAAll is hfence.gvma x0, x0.
	HFenceGVMAAll()
	// HFenceGVMAVMID is hfence.gvma x0, vmid.
	HFenceGVMAVMID(vmid vm.VMID)
	// HFenceGVMAAddr is hfence.gvma rs1, vmid. The rs1 operand holds the
	// guest physical address shifted right by 2.
	HFenceGVMAAddr(gpaShifted uint64, vmid vm.VMID)
}

// Stats counts the fences issued per scope.
type Stats struct {
	StageOneAll   uint64
	StageOneASID  uint64
	StageOneAddr  uint64
	GStageAll     uint64
	GStageVMID    uint64
	GStageAddr    uint64
	RootPtrWrites uint64
}

// Total returns the number of fences issued.
func (s Stats) Total() uint64 {
	return s.StageOneAll + s.StageOneASID + s.StageOneAddr +
		s.GStageAll + s.GStageVMID + s.GStageAddr
}

// HardwareTLB is a thin wrapper over the fence primitives.
type HardwareTLB struct {
	regs Registers
	log  logrus.FieldLogger

	s1All, s1ASID, s1Addr atomic.Uint64
	gAll, gVMID, gAddr    atomic.Uint64
	rootPtrWrites         atomic.Uint64
}

// New creates a HardwareTLB that issues fences through regs.
func New(regs Registers, log logrus.FieldLogger) *HardwareTLB {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &HardwareTLB{regs: regs, log: log}
}

// FlushAll invalidates every stage-1 translation on the local hart.
func (h *HardwareTLB) FlushAll() {
	h.log.Debug("sfence.vma all")
	h.s1All.Add(1)
	h.regs.SFenceVMAAll()
}

// FlushASID invalidates the stage-1 translations of an address space.
func (h *HardwareTLB) FlushASID(asid vm.ASID) {
	h.log.WithField("asid", asid).Debug("sfence.vma asid")
	h.s1ASID.Add(1)
	h.regs.SFenceVMAASID(asid)
}

// FlushAddr invalidates the stage-1 translation of one virtual address.
func (h *HardwareTLB) FlushAddr(vaddr uint64, asid vm.ASID) {
	h.log.WithFields(logrus.Fields{
		"vaddr": vaddr,
		"asid":  asid,
	}).Debug("sfence.vma addr")
	h.s1Addr.Add(1)
	h.regs.SFenceVMAAddr(vaddr, asid)
}

// FlushGStageAll invalidates every G-stage translation.
func (h *HardwareTLB) FlushGStageAll() {
	h.log.Debug("hfence.gvma all")
	h.gAll.Add(1)
	h.regs.HFenceGVMAAll()
}

// FlushGStageVMID invalidates the G-stage translations of a VM.
func (h *HardwareTLB) FlushGStageVMID(vmid vm.VMID) {
	h.log.WithField("vmid", vmid).Debug("hfence.gvma vmid")
	h.gVMID.Add(1)
	h.regs.HFenceGVMAVMID(vmid)
}

// FlushGStageAddr invalidates the G-stage translation of one guest physical
// address of a VM.
func (h *HardwareTLB) FlushGStageAddr(gpa uint64, vmid vm.VMID) {
	h.log.WithFields(logrus.Fields{
		"gpa":  gpa,
		"vmid": vmid,
	}).Debug("hfence.gvma addr")
	h.gAddr.Add(1)
	h.regs.HFenceGVMAAddr(gpa>>2, vmid)
}

// ReadRootPointer returns the current HGATP value.
func (h *HardwareTLB) ReadRootPointer() uint64 {
	return h.regs.ReadHGATP()
}

// WriteRootPointer programs HGATP.
func (h *HardwareTLB) WriteRootPointer(value uint64) {
	h.log.WithField("hgatp", value).Debug("hgatp write")
	h.rootPtrWrites.Add(1)
	h.regs.WriteHGATP(value)
}

// Stats returns the fence counters. The counters are relaxed and may be
// slightly stale under concurrency.
func (h *HardwareTLB) Stats() Stats {
	return Stats{
		StageOneAll:   h.s1All.Load(),
		StageOneASID:  h.s1ASID.Load(),
		StageOneAddr:  h.s1Addr.Load(),
		GStageAll:     h.gAll.Load(),
		GStageVMID:    h.gVMID.Load(),
		GStageAddr:    h.gAddr.Load(),
		RootPtrWrites: h.rootPtrWrites.Load(),
	}
}

package hwtlb

import (
	"fmt"
	"sync"

	"github.com/sarchlab/hvmmu/mem/vm"
)

// FenceKind names a fence primitive.
type FenceKind int

// The fence primitives.
const (
	SFenceVMAAll FenceKind = iota
	SFenceVMAASID
	SFenceVMAAddr
	HFenceGVMAAll
	HFenceGVMAVMID
	HFenceGVMAAddr
)

func (k FenceKind) String() string {
	switch k {
	case SFenceVMAAll:
		return "sfence.vma"
	case SFenceVMAASID:
		return "sfence.vma.asid"
	case SFenceVMAAddr:
		return "sfence.vma.addr"
	case HFenceGVMAAll:
		return "hfence.gvma"
	case HFenceGVMAVMID:
		return "hfence.gvma.vmid"
	case HFenceGVMAAddr:
		return "hfence.gvma.addr"
	default:
		return fmt.Sprintf("FenceKind(%d)", int(k))
	}
}

// A Fence is one recorded primitive. Addr holds the raw operand, which for
// HFenceGVMAAddr is the guest physical address shifted right by 2.
type Fence struct {
	Kind FenceKind
	Addr uint64
	ASID vm.ASID
	VMID vm.VMID
}

// RecordingRegisters is a Registers implementation for hosts without the
// privileged instructions. It remembers HGATP and records every fence.
type RecordingRegisters struct {
	lock   sync.Mutex
	hgatp  uint64
	fences []Fence
}

// NewRecordingRegisters creates an empty recorder.
func NewRecordingRegisters() *RecordingRegisters {
	return &RecordingRegisters{}
}

func (r *RecordingRegisters) record(f Fence) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.fences = append(r.fences, f)
}

// ReadHGATP returns the last written value.
func (r *RecordingRegisters) ReadHGATP() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.hgatp
}

// WriteHGATP stores the value.
func (r *RecordingRegisters) WriteHGATP(value uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.hgatp = value
}

// SFenceVMAAll records a global stage-1 fence.
func (r *RecordingRegisters) SFenceVMAAll() {
	r.record(Fence{Kind: SFenceVMAAll})
}

// SFenceVMAASID records an ASID-scoped stage-1 fence.
func (r *RecordingRegisters) SFenceVMAASID(asid vm.ASID) {
	r.record(Fence{Kind: SFenceVMAASID, ASID: asid})
}

// SFenceVMAAddr records an address-scoped stage-1 fence.
func (r *RecordingRegisters) SFenceVMAAddr(vaddr uint64, asid vm.ASID) {
	r.record(Fence{Kind: SFenceVMAAddr, Addr: vaddr, ASID: asid})
}

// HFenceGVMAAll records a global G-stage fence.
func (r *RecordingRegisters) HFenceGVMAAll() {
	r.record(Fence{Kind: HFenceGVMAAll})
}

// HFenceGVMAVMID records a VMID-scoped G-stage fence.
func (r *RecordingRegisters) HFenceGVMAVMID(vmid vm.VMID) {
	r.record(Fence{Kind: HFenceGVMAVMID, VMID: vmid})
}

// HFenceGVMAAddr records an address-scoped G-stage fence.
func (r *RecordingRegisters) HFenceGVMAAddr(gpaShifted uint64, vmid vm.VMID) {
	r.record(Fence{Kind: HFenceGVMAAddr, Addr: gpaShifted, VMID: vmid})
}

// Fences returns a copy of the recorded fences.
func (r *RecordingRegisters) Fences() []Fence {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]Fence(nil), r.fences...)
}

// Reset forgets the recorded fences.
func (r *RecordingRegisters) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.fences = nil
}

// Discard is a Registers implementation that does nothing.
type Discard struct{}

// ReadHGATP returns zero.
func (Discard) ReadHGATP() uint64 { return 0 }

// WriteHGATP does nothing.
func (Discard) WriteHGATP(uint64) {}

// SFenceVMAAll does nothing.
func (Discard) SFenceVMAAll() {}

// SFenceVMAASID does nothing.
func (Discard) SFenceVMAASID(vm.ASID) {}

// SFenceVMAAddr does nothing.
func (Discard) SFenceVMAAddr(uint64, vm.ASID) {}

// HFenceGVMAAll does nothing.
func (Discard) HFenceGVMAAll() {}

// HFenceGVMAVMID does nothing.
func (Discard) HFenceGVMAVMID(vm.VMID) {}

// HFenceGVMAAddr does nothing.
func (Discard) HFenceGVMAAddr(uint64, vm.VMID) {}

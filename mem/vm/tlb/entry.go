package tlb

import (
	"fmt"

	"github.com/sarchlab/hvmmu/mem/vm"
)

// EntryKind tells which translation an entry caches.
type EntryKind uint8

// The entry kinds.
const (
	// KindRegular caches a stage-1 translation.
	KindRegular EntryKind = iota
	// KindGStage caches a GPA to HPA translation.
	KindGStage
	// KindNested caches a combined GVA to HPA translation.
	KindNested
)

func (k EntryKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindGStage:
		return "gstage"
	case KindNested:
		return "nested"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
}

// An Entry is a cached translation.
type Entry struct {
	// Addr is the input address aligned to PageSize.
	Addr uint64
	// PhysAddr is the output address aligned to PageSize.
	PhysAddr uint64
	// IntermediateAddr is the guest physical address a nested entry went
	// through, aligned to PageSize.
	IntermediateAddr uint64

	ASID        vm.ASID
	VMID        vm.VMID
	PageSize    uint64
	Permissions vm.Permissions
	Kind        EntryKind
	// Level is the table level of the leaf. A merged entry takes the level
	// of the largest leaf that fits in its PageSize.
	Level uint8

	// Prefetched is set when the entry was installed ahead of demand.
	Prefetched bool

	LastAccess  uint64
	AccessCount uint64
	CreatedAt   uint64
}

// Matches reports if the entry translates addr in the given address space,
// whatever its kind.
func (e *Entry) Matches(addr uint64, asid vm.ASID, vmid vm.VMID) bool {
	return e.VMID == vmid &&
		e.ASID == asid &&
		vm.AlignDown(addr, e.PageSize) == e.Addr
}

// Translate returns the output address of addr, which must be covered by the
// entry.
func (e *Entry) Translate(addr uint64) uint64 {
	return e.PhysAddr | (addr & (e.PageSize - 1))
}

// Overlaps reports if the entry covers any byte of [start, start+size).
func (e *Entry) Overlaps(start, size uint64) bool {
	return rangesOverlap(e.Addr, e.PageSize, start, size)
}

// IntermediateOverlaps reports if a nested entry went through any byte of
// [start, start+size).
func (e *Entry) IntermediateOverlaps(start, size uint64) bool {
	return e.Kind == KindNested &&
		rangesOverlap(e.IntermediateAddr, e.PageSize, start, size)
}

func rangesOverlap(aStart, aSize, bStart, bSize uint64) bool {
	if aSize == 0 || bSize == 0 {
		return false
	}

	aLast := aStart + (aSize - 1)
	bLast := bStart + (bSize - 1)

	return aStart <= bLast && bStart <= aLast
}

func (e *Entry) sameKey(o *Entry) bool {
	return e.Kind == o.Kind &&
		e.Addr == o.Addr &&
		e.PageSize == o.PageSize &&
		e.ASID == o.ASID &&
		e.VMID == o.VMID
}

// Package vm defines the types shared by the address translation packages:
// address-space identifiers, page-table entries and permission sets.
package vm

// PageShift is the log2 of the base page size.
const PageShift = 12

// PageSize is the base page size of every paged format.
const PageSize uint64 = 1 << PageShift

// VMID identifies a guest physical address space.
type VMID uint16

// ASID identifies a guest virtual address space inside a VM.
type ASID uint16

// MaxVMID is the largest VMID the HGATP VMID field can hold.
const MaxVMID VMID = 1<<14 - 1

// AlignDown aligns addr down to a multiple of size. The size must be a power
// of two.
func AlignDown(addr, size uint64) uint64 {
	return addr &^ (size - 1)
}

// IsAligned reports if addr is a multiple of size. The size must be a power
// of two.
func IsAligned(addr, size uint64) bool {
	return addr&(size-1) == 0
}

// IsPowerOfTwo reports if n is a non-zero power of two.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

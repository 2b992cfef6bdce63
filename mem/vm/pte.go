package vm

// PTE is a RISC-V page-table entry. Sv32 entries are 32 bits wide and are
// zero-extended into a PTE.
type PTE uint64

// Flag bits of a page-table entry.
const (
	PTEValid    PTE = 1 << 0
	PTERead     PTE = 1 << 1
	PTEWrite    PTE = 1 << 2
	PTEExecute  PTE = 1 << 3
	PTEUser     PTE = 1 << 4
	PTEGlobal   PTE = 1 << 5
	PTEAccessed PTE = 1 << 6
	PTEDirty    PTE = 1 << 7
)

const (
	ptePPNShift = 10
	ptePPNBits  = 44
	ptePPNMask  = (PTE(1)<<ptePPNBits - 1) << ptePPNShift
	pteFlagMask = PTE(0xff)
)

// MakeLeafPTE creates a valid leaf entry mapping the physical page ppn.
func MakeLeafPTE(ppn uint64, perms Permissions) PTE {
	return PTE(ppn)<<ptePPNShift&ptePPNMask |
		PTE(perms)&pteFlagMask |
		PTEValid
}

// MakeBranchPTE creates a valid non-leaf entry that points to the next-level
// table at physical page ppn.
func MakeBranchPTE(ppn uint64) PTE {
	return PTE(ppn)<<ptePPNShift&ptePPNMask | PTEValid
}

// Valid reports if the V bit is set.
func (e PTE) Valid() bool {
	return e&PTEValid != 0
}

// IsLeaf reports if any of R, W or X is set.
func (e PTE) IsLeaf() bool {
	return e&(PTERead|PTEWrite|PTEExecute) != 0
}

// IsReserved reports the W-without-R encoding, which is reserved.
func (e PTE) IsReserved() bool {
	return e&PTEWrite != 0 && e&PTERead == 0
}

// PPN returns the physical page number field.
func (e PTE) PPN() uint64 {
	return uint64(e&ptePPNMask) >> ptePPNShift
}

// PhysAddr returns the physical address the entry points to.
func (e PTE) PhysAddr() uint64 {
	return e.PPN() << PageShift
}

// Permissions returns the R, W, X, U, G, A and D bits.
func (e PTE) Permissions() Permissions {
	return Permissions(e & pteFlagMask &^ PTEValid)
}

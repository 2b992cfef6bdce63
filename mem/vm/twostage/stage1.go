package twostage

import (
	"fmt"

	"github.com/sarchlab/hvmmu/mem/vm"
)

// vsatp field layout.
const (
	vsatpModeShift = 60
	vsatpModeMask  = 0xf
	vsatpASIDShift = 44
	vsatpASIDMask  = 0xffff
	vsatpPPNMask   = 1<<44 - 1
)

// Stage1Result is a successful guest virtual to guest physical translation.
type Stage1Result struct {
	GPA         uint64
	Permissions vm.Permissions
	// PageSize is the size of the guest page. Zero means 4 KiB.
	PageSize uint64
}

// A Stage1Translator walks the page tables the guest manages.
type Stage1Translator interface {
	TranslateGVA(gva, guestRootPtr uint64) (Stage1Result, error)
}

// ASIDOf returns the ASID field of a vsatp value.
func ASIDOf(vsatp uint64) vm.ASID {
	return vm.ASID((vsatp >> vsatpASIDShift) & vsatpASIDMask)
}

// ModeOf returns the raw MODE field of a vsatp value.
func ModeOf(vsatp uint64) uint64 {
	return (vsatp >> vsatpModeShift) & vsatpModeMask
}

// MakeVSATP encodes a vsatp value.
func MakeVSATP(mode uint64, asid vm.ASID, ppn uint64) uint64 {
	return (mode&vsatpModeMask)<<vsatpModeShift |
		(uint64(asid)&vsatpASIDMask)<<vsatpASIDShift |
		ppn&vsatpPPNMask
}

// BareStage1 is the stage 1 of a guest that runs with translation off: a
// guest virtual address is its guest physical address.
type BareStage1 struct{}

// TranslateGVA returns gva unchanged, or fails if the guest enabled paging.
func (BareStage1) TranslateGVA(gva, guestRootPtr uint64) (Stage1Result, error) {
	if mode := ModeOf(guestRootPtr); mode != 0 {
		return Stage1Result{}, fmt.Errorf("guest paging mode %d is not handled", mode)
	}

	return Stage1Result{
		GPA:         gva,
		Permissions: vm.PermRWX | vm.PermUser,
		PageSize:    vm.PageSize,
	}, nil
}

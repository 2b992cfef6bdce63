package gstage

import (
	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
)

// HGATP field layout.
const (
	hgatpModeShift = 60
	hgatpModeMask  = 0xf
	hgatpVMIDShift = 44
	hgatpVMIDMask  = 0x3fff
	hgatpPPNMask   = 1<<44 - 1
)

// MakeRootPointer encodes an HGATP value. The root table is given by its
// physical page number.
func MakeRootPointer(vmid vm.VMID, ppn uint64, mode format.Mode) uint64 {
	return (mode.Bits()&hgatpModeMask)<<hgatpModeShift |
		(uint64(vmid)&hgatpVMIDMask)<<hgatpVMIDShift |
		ppn&hgatpPPNMask
}

// ExtractVMID returns the VMID field of an HGATP value.
func ExtractVMID(ptr uint64) vm.VMID {
	return vm.VMID((ptr >> hgatpVMIDShift) & hgatpVMIDMask)
}

// ExtractPPN returns the root table page number of an HGATP value.
func ExtractPPN(ptr uint64) uint64 {
	return ptr & hgatpPPNMask
}

// ExtractModeBits returns the raw MODE field of an HGATP value.
func ExtractModeBits(ptr uint64) uint64 {
	return (ptr >> hgatpModeShift) & hgatpModeMask
}

// ExtractMode decodes the MODE field of an HGATP value. With a detector,
// an unknown or unsupported mode resolves through the fallback order.
// Without one, it resolves to Bare.
func ExtractMode(ptr uint64, d *format.Detector) format.Mode {
	bits := ExtractModeBits(ptr)
	if d != nil {
		return d.ModeFromBits(bits)
	}

	m, _ := format.ModeFromBits(bits)

	return m
}

// Package format catalogs the page-table formats a G-stage translator can
// walk and detects which of them the platform supports.
package format

import (
	"fmt"

	"github.com/sarchlab/hvmmu/mem/vm"
)

// Format names a page-table format.
type Format uint8

// The supported formats.
const (
	Bare Format = iota
	Sv32
	Sv39
	Sv48
	Sv57
	numFormats
)

// FallbackOrder is the order in which formats are preferred when the
// requested one is not available.
var FallbackOrder = []Format{Sv57, Sv48, Sv39, Sv32, Bare}

// All returns every known format, Bare first.
func All() []Format {
	return []Format{Bare, Sv32, Sv39, Sv48, Sv57}
}

func (f Format) String() string {
	switch f {
	case Bare:
		return "Bare"
	case Sv32:
		return "Sv32"
	case Sv39:
		return "Sv39"
	case Sv48:
		return "Sv48"
	case Sv57:
		return "Sv57"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// Parse converts a format name as printed by String back into a Format.
func Parse(s string) (Format, error) {
	for _, f := range All() {
		if f.String() == s {
			return f, nil
		}
	}

	return Bare, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Valid reports if f is one of the known formats.
func (f Format) Valid() bool {
	return f < numFormats
}

// Geometry describes the shape of the page tables of a format.
type Geometry struct {
	// AddressBits is the width of a translatable guest address. Zero means
	// unbounded.
	AddressBits uint
	// HostAddressBits is the width of a host physical address a leaf can
	// produce. Zero means unbounded.
	HostAddressBits   uint
	Levels            int
	VPNBitsPerLevel   uint
	EntriesPerTable   uint64
	PTESize           uint64
	MaxPageSize       uint64
	SupportsHugePages bool
}

var geometries = [numFormats]Geometry{
	Bare: {
		PTESize:     8,
		MaxPageSize: vm.PageSize,
	},
	Sv32: {
		AddressBits:       32,
		HostAddressBits:   34,
		Levels:            2,
		VPNBitsPerLevel:   10,
		EntriesPerTable:   1 << 10,
		PTESize:           4,
		MaxPageSize:       4 << 20,
		SupportsHugePages: true,
	},
	Sv39: {
		AddressBits:       39,
		HostAddressBits:   56,
		Levels:            3,
		VPNBitsPerLevel:   9,
		EntriesPerTable:   1 << 9,
		PTESize:           8,
		MaxPageSize:       1 << 30,
		SupportsHugePages: true,
	},
	Sv48: {
		AddressBits:       48,
		HostAddressBits:   56,
		Levels:            4,
		VPNBitsPerLevel:   9,
		EntriesPerTable:   1 << 9,
		PTESize:           8,
		MaxPageSize:       1 << 39,
		SupportsHugePages: true,
	},
	Sv57: {
		AddressBits:       57,
		HostAddressBits:   56,
		Levels:            5,
		VPNBitsPerLevel:   9,
		EntriesPerTable:   1 << 9,
		PTESize:           8,
		MaxPageSize:       1 << 48,
		SupportsHugePages: true,
	},
}

// Geometry returns the geometry of the format. Unknown formats get the Bare
// geometry.
func (f Format) Geometry() Geometry {
	if !f.Valid() {
		return geometries[Bare]
	}

	return geometries[f]
}

// IsPaged reports if the format walks page tables.
func (g Geometry) IsPaged() bool {
	return g.Levels > 0
}

// IsValidGuestAddress reports if addr fits in the guest address range.
func (g Geometry) IsValidGuestAddress(addr uint64) bool {
	return fitsIn(addr, g.AddressBits)
}

// IsValidHostAddress reports if addr fits in the host address range.
func (g Geometry) IsValidHostAddress(addr uint64) bool {
	return fitsIn(addr, g.HostAddressBits)
}

func fitsIn(addr uint64, bits uint) bool {
	if bits == 0 || bits >= 64 {
		return true
	}

	return addr>>bits == 0
}

// VPN returns the table index used at the given level. Level 0 is the last
// level of the walk.
func (g Geometry) VPN(addr uint64, level int) uint64 {
	shift := vm.PageShift + uint(level)*g.VPNBitsPerLevel
	return (addr >> shift) & (g.EntriesPerTable - 1)
}

// PageSizeAt returns the size of the region a leaf at the given level maps.
func (g Geometry) PageSizeAt(level int) uint64 {
	return 1 << (vm.PageShift + uint(level)*g.VPNBitsPerLevel)
}

// OffsetMask returns the mask of the address bits that pass through a leaf at
// the given level untranslated.
func (g Geometry) OffsetMask(level int) uint64 {
	return g.PageSizeAt(level) - 1
}

// TableSize returns the number of bytes a single page table occupies.
func (g Geometry) TableSize() uint64 {
	return g.EntriesPerTable * g.PTESize
}

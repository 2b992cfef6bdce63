package format

import "fmt"

// Mode is the HGATP MODE field value that selects a G-stage format.
type Mode uint8

// The G-stage modes. The values are the architectural MODE encodings.
const (
	ModeBare   Mode = 0
	ModeSv32x4 Mode = 1
	ModeSv39x4 Mode = 8
	ModeSv48x4 Mode = 9
	ModeSv57x4 Mode = 10
)

// ModeOf returns the mode that selects the format.
func ModeOf(f Format) Mode {
	switch f {
	case Sv32:
		return ModeSv32x4
	case Sv39:
		return ModeSv39x4
	case Sv48:
		return ModeSv48x4
	case Sv57:
		return ModeSv57x4
	default:
		return ModeBare
	}
}

// ModeFromBits decodes a raw MODE field. The boolean is false if the value is
// not a known encoding.
func ModeFromBits(bits uint64) (Mode, bool) {
	m := Mode(bits)
	if uint64(m) != bits {
		return ModeBare, false
	}

	switch m {
	case ModeBare, ModeSv32x4, ModeSv39x4, ModeSv48x4, ModeSv57x4:
		return m, true
	default:
		return ModeBare, false
	}
}

// Format returns the format the mode selects.
func (m Mode) Format() Format {
	switch m {
	case ModeSv32x4:
		return Sv32
	case ModeSv39x4:
		return Sv39
	case ModeSv48x4:
		return Sv48
	case ModeSv57x4:
		return Sv57
	default:
		return Bare
	}
}

// Bits returns the raw MODE field value.
func (m Mode) Bits() uint64 {
	return uint64(m)
}

func (m Mode) String() string {
	switch m {
	case ModeBare:
		return "Bare"
	case ModeSv32x4:
		return "Sv32x4"
	case ModeSv39x4:
		return "Sv39x4"
	case ModeSv48x4:
		return "Sv48x4"
	case ModeSv57x4:
		return "Sv57x4"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

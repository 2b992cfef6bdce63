package format

import (
	"errors"
	"strings"
)

// ErrUnknownFormat is returned when a format name cannot be parsed.
var ErrUnknownFormat = errors.New("unknown page-table format")

// ErrUnsupportedFormat is returned when switching to a format the platform
// does not support.
var ErrUnsupportedFormat = errors.New("page-table format not supported")

// Mask is a set of formats, one bit per format.
type Mask uint32

// MaskOf builds a mask from a list of formats.
func MaskOf(formats ...Format) Mask {
	var m Mask
	for _, f := range formats {
		if f.Valid() {
			m |= 1 << f
		}
	}

	return m
}

// Has reports if f is in the mask.
func (m Mask) Has(f Format) bool {
	return f.Valid() && m&(1<<f) != 0
}

// Formats lists the formats in the mask, Bare first.
func (m Mask) Formats() []Format {
	var out []Format
	for _, f := range All() {
		if m.Has(f) {
			out = append(out, f)
		}
	}

	return out
}

func (m Mask) String() string {
	names := make([]string, 0, numFormats)
	for _, f := range m.Formats() {
		names = append(names, f.String())
	}

	return "{" + strings.Join(names, ",") + "}"
}

// Capabilities reports what the platform can translate.
type Capabilities interface {
	// SupportedFormats returns the formats that the hardware can walk.
	SupportedFormats() Mask

	// CurrentFormat returns the format currently programmed, if any.
	CurrentFormat() (Format, bool)
}

// StaticCapabilities is a fixed Capabilities value.
type StaticCapabilities struct {
	Supported  Mask
	Current    Format
	HasCurrent bool
}

// SupportedFormats returns the configured mask.
func (c StaticCapabilities) SupportedFormats() Mask {
	return c.Supported
}

// CurrentFormat returns the configured current format.
func (c StaticCapabilities) CurrentFormat() (Format, bool) {
	return c.Current, c.HasCurrent
}

// RV64Capabilities describes a typical RV64 core with the H extension that
// implements Sv39x4 and Sv48x4.
func RV64Capabilities() StaticCapabilities {
	return StaticCapabilities{
		Supported: MaskOf(Bare, Sv39, Sv48),
	}
}

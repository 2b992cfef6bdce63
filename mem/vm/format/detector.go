package format

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DetectionStats counts the detector activity.
type DetectionStats struct {
	Probes                 uint64
	SuccessfulDetections   uint64
	FormatSwitches         uint64
	FallbackResolutions    uint64
	UnsupportedSwitchTries uint64
}

// A Detector picks the page-table format to use on the running platform.
type Detector struct {
	caps Capabilities
	log  logrus.FieldLogger

	lock    sync.RWMutex
	current Format
	hasCur  bool

	probes      atomic.Uint64
	detections  atomic.Uint64
	switches    atomic.Uint64
	fallbacks   atomic.Uint64
	badSwitches atomic.Uint64
}

// NewDetector creates a detector on top of the given capabilities.
func NewDetector(caps Capabilities) *Detector {
	d := &Detector{
		caps: caps,
		log:  logrus.StandardLogger(),
	}

	d.current, d.hasCur = caps.CurrentFormat()

	return d
}

// WithLogger replaces the logger of the detector.
func (d *Detector) WithLogger(l logrus.FieldLogger) *Detector {
	d.log = l
	return d
}

// SupportedFormats returns the formats the platform supports. Bare is always
// included.
func (d *Detector) SupportedFormats() Mask {
	d.probes.Add(1)
	return d.caps.SupportedFormats() | MaskOf(Bare)
}

// IsSupported reports if the platform can walk the format.
func (d *Detector) IsSupported(f Format) bool {
	return d.SupportedFormats().Has(f)
}

// CurrentFormat returns the format in use, if one has been selected.
func (d *Detector) CurrentFormat() (Format, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.current, d.hasCur
}

// Best returns the most capable supported format following FallbackOrder.
func (d *Detector) Best() Format {
	supported := d.SupportedFormats()
	for _, f := range FallbackOrder {
		if supported.Has(f) {
			d.detections.Add(1)
			return f
		}
	}

	return Bare
}

// Switch selects f as the current format.
func (d *Detector) Switch(f Format) error {
	if !d.IsSupported(f) {
		d.badSwitches.Add(1)
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}

	d.lock.Lock()
	old, hadOld := d.current, d.hasCur
	d.current, d.hasCur = f, true
	d.lock.Unlock()

	if !hadOld || old != f {
		d.switches.Add(1)
		d.log.WithFields(logrus.Fields{
			"from": old,
			"to":   f,
		}).Info("page-table format switched")
	}

	return nil
}

// AutoDetect returns a format that can translate a guest range of guestRange
// bytes into a host range of hostRange bytes. The current format is kept if
// it is large enough. Otherwise the smallest supported paged format that
// covers both ranges is chosen, falling back to Best.
func (d *Detector) AutoDetect(guestRange, hostRange uint64) Format {
	maxGuest := lastAddr(guestRange)
	maxHost := lastAddr(hostRange)

	if cur, ok := d.CurrentFormat(); ok && covers(cur, maxGuest, maxHost) {
		return cur
	}

	supported := d.SupportedFormats()
	for _, f := range []Format{Sv32, Sv39, Sv48, Sv57} {
		if supported.Has(f) && covers(f, maxGuest, maxHost) {
			d.detections.Add(1)
			return f
		}
	}

	return d.Best()
}

func lastAddr(size uint64) uint64 {
	if size == 0 {
		return 0
	}

	return size - 1
}

func covers(f Format, guest, host uint64) bool {
	g := f.Geometry()
	return g.IsValidGuestAddress(guest) && g.IsValidHostAddress(host)
}

// ModeFromBits decodes a raw MODE field. Unknown encodings and formats the
// platform does not support resolve to the mode of Best.
func (d *Detector) ModeFromBits(bits uint64) Mode {
	m, ok := ModeFromBits(bits)
	if ok && d.IsSupported(m.Format()) {
		return m
	}

	d.fallbacks.Add(1)
	best := ModeOf(d.Best())
	d.log.WithFields(logrus.Fields{
		"bits":     bits,
		"fallback": best,
	}).Debug("unrecognized translation mode")

	return best
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() DetectionStats {
	return DetectionStats{
		Probes:                 d.probes.Load(),
		SuccessfulDetections:   d.detections.Load(),
		FormatSwitches:         d.switches.Load(),
		FallbackResolutions:    d.fallbacks.Load(),
		UnsupportedSwitchTries: d.badSwitches.Load(),
	}
}

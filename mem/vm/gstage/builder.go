package gstage

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/mem/vm/hwtlb"
)

// A Builder can build G-stage translators.
type Builder struct {
	mem       PhysicalMemory
	hw        *hwtlb.HardwareTLB
	tlb       TLB
	detector  *format.Detector
	cacheSize int
	log       logrus.FieldLogger
}

// MakeBuilder creates a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		cacheSize: DefaultCacheSize,
	}
}

// WithMemory sets the memory page tables are read from.
func (b Builder) WithMemory(mem PhysicalMemory) Builder {
	b.mem = mem
	return b
}

// WithHardware sets the hardware TLB that root pointers are written to and
// fences are issued through.
func (b Builder) WithHardware(hw *hwtlb.HardwareTLB) Builder {
	b.hw = hw
	return b
}

// WithTLB sets the software TLB consulted before the legacy cache.
func (b Builder) WithTLB(t TLB) Builder {
	b.tlb = t
	return b
}

// WithDetector sets the format detector used by BuildWithAutoDetection.
func (b Builder) WithDetector(d *format.Detector) Builder {
	b.detector = d
	return b
}

// WithCacheSize sets the number of legacy cache slots. Zero disables the
// legacy cache.
func (b Builder) WithCacheSize(n int) Builder {
	b.cacheSize = n
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logrus.FieldLogger) Builder {
	b.log = l
	return b
}

// Build creates a translator. Nothing is written to the hardware until
// Activate or Configure is called.
func (b Builder) Build(vmid vm.VMID, root uint64, mode format.Mode) *Translator {
	if b.mem == nil {
		panic("physical memory is not set")
	}

	if b.cacheSize < 0 {
		panic("cache size must not be negative")
	}

	if b.log == nil {
		b.log = logrus.StandardLogger()
	}

	if b.hw == nil {
		b.hw = hwtlb.New(hwtlb.Discard{}, b.log)
	}

	t := &Translator{
		name: fmt.Sprintf("GStage[%d]", vmid),
		mem:  b.mem,
		tlb:  b.tlb,
		hw:   b.hw,
		log:  b.log,
	}
	t.state.Store(newState(vmid, root, mode))

	if b.cacheSize > 0 {
		t.cache = NewCache(b.cacheSize)
	}

	return t
}

// BuildWithAutoDetection creates a translator in the best mode the
// detector reports. Without a detector, the RV64 defaults are assumed.
func (b Builder) BuildWithAutoDetection(vmid vm.VMID, root uint64) *Translator {
	d := b.detector
	if d == nil {
		d = format.NewDetector(format.RV64Capabilities())
	}

	return b.Build(vmid, root, format.ModeOf(d.Best()))
}

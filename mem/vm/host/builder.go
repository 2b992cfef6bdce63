package host

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/mem/vm/gstage"
	"github.com/sarchlab/hvmmu/mem/vm/hwtlb"
	"github.com/sarchlab/hvmmu/mem/vm/tlbmgr"
	"github.com/sarchlab/hvmmu/mem/vm/twostage"
)

// A Builder can build hosts.
type Builder struct {
	mem       gstage.PhysicalMemory
	regs      hwtlb.Registers
	caps      format.Capabilities
	maxVMID   vm.VMID
	tlbConfig tlbmgr.Config
	stage1    twostage.Stage1Translator
	cacheSize int
	log       logrus.FieldLogger
}

// MakeBuilder creates a Builder with the RV64 defaults.
func MakeBuilder() Builder {
	return Builder{
		regs:      hwtlb.Discard{},
		caps:      format.RV64Capabilities(),
		maxVMID:   DefaultMaxVMID,
		tlbConfig: tlbmgr.DefaultConfig(),
		stage1:    twostage.BareStage1{},
		cacheSize: gstage.DefaultCacheSize,
	}
}

// WithMemory sets the memory that holds the G-stage tables.
func (b Builder) WithMemory(mem gstage.PhysicalMemory) Builder {
	b.mem = mem
	return b
}

// WithRegisters sets the CSR and fence interface of the hart.
func (b Builder) WithRegisters(r hwtlb.Registers) Builder {
	b.regs = r
	return b
}

// WithCapabilities sets the formats the platform can walk.
func (b Builder) WithCapabilities(c format.Capabilities) Builder {
	b.caps = c
	return b
}

// WithMaxVMID sets the largest VMID handed out. It is capped at MaxVMID.
func (b Builder) WithMaxVMID(id vm.VMID) Builder {
	b.maxVMID = id
	return b
}

// WithTLBConfig sets the configuration of the TLB manager.
func (b Builder) WithTLBConfig(c tlbmgr.Config) Builder {
	b.tlbConfig = c
	return b
}

// WithStage1 sets the guest stage-1 walker shared by all VMs.
func (b Builder) WithStage1(s twostage.Stage1Translator) Builder {
	b.stage1 = s
	return b
}

// WithCacheSize sets the number of legacy cache slots per VM. Zero disables
// the cache.
func (b Builder) WithCacheSize(n int) Builder {
	b.cacheSize = n
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logrus.FieldLogger) Builder {
	b.log = l
	return b
}

// Build creates a host with no VM.
func (b Builder) Build(name string) *Host {
	if b.mem == nil {
		panic("physical memory is not set")
	}

	if b.maxVMID == 0 {
		panic("max vmid must be at least 1")
	}

	if b.log == nil {
		b.log = logrus.StandardLogger()
	}

	if b.regs == nil {
		b.regs = hwtlb.Discard{}
	}

	if b.caps == nil {
		b.caps = format.RV64Capabilities()
	}

	b.maxVMID = min(b.maxVMID, MaxVMID)

	hw := hwtlb.New(b.regs, b.log)

	return &Host{
		mem:      b.mem,
		hw:       hw,
		detector: format.NewDetector(b.caps).WithLogger(b.log),
		tlb: tlbmgr.MakeBuilder().
			WithConfig(b.tlbConfig).
			WithHardware(hw).
			WithLogger(b.log).
			Build(name + ".TLB"),
		stage1:    b.stage1,
		cacheSize: b.cacheSize,
		log:       b.log.WithField("host", name),
		vmids:     newVMIDPool(b.maxVMID),
		vms:       make(map[vm.VMID]*VM),
	}
}

package tlbmgr

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sarchlab/hvmmu/mem/vm/hwtlb"
	"github.com/sarchlab/hvmmu/mem/vm/tlb"
)

// A Builder can build TLB managers.
type Builder struct {
	config Config
	hw     *hwtlb.HardwareTLB
	log    logrus.FieldLogger
}

// MakeBuilder creates a Builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		config: DefaultConfig(),
	}
}

// WithConfig sets the configuration. Invalid values are clamped when the
// manager is built.
func (b Builder) WithConfig(c Config) Builder {
	b.config = c
	return b
}

// WithHardware sets the hardware TLB that invalidations fence.
func (b Builder) WithHardware(hw *hwtlb.HardwareTLB) Builder {
	b.hw = hw
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logrus.FieldLogger) Builder {
	b.log = l
	return b
}

// Build creates a new Manager.
func (b Builder) Build(name string) *Manager {
	if b.log == nil {
		b.log = logrus.StandardLogger()
	}

	if b.hw == nil {
		b.hw = hwtlb.New(hwtlb.Discard{}, b.log)
	}

	cfg := b.config.validated(b.log)
	clock := new(tlb.Clock)

	m := &Manager{
		name: name,
		hw:   b.hw,
		log:  b.log,
		regular: tlb.MakeBuilder().
			WithNumSets(cfg.Regular.Sets).
			WithNumWays(cfg.Regular.Ways).
			WithClock(clock).
			Build(name + ".Regular"),
		gstage: tlb.MakeBuilder().
			WithNumSets(cfg.GStage.Sets).
			WithNumWays(cfg.GStage.Ways).
			WithClock(clock).
			Build(name + ".GStage"),
		prefetchQ: make(chan PrefetchRequest, cfg.Prefetch.QueueSize),
		periodic: rate.Sometimes{
			Every:    cfg.Monitor.OptimizeEvery,
			Interval: cfg.Monitor.OptimizeInterval,
		},
		warnLimit: rate.NewLimiter(rate.Every(time.Minute), 1),
	}

	m.cfg.Store(&cfg)
	m.monitor.init(cfg.Monitor.History)

	return m
}

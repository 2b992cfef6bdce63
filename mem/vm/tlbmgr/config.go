package tlbmgr

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/mem/vm"
)

// Strategy selects how optimisation passes pick entries to drop.
type Strategy uint8

// The optimisation strategies.
const (
	StrategyNone Strategy = iota
	StrategyLRU
	StrategyMRU
	StrategyLFU
	StrategyRandom
	StrategyAdaptive
)

var strategyNames = []string{"none", "lru", "mru", "lfu", "random", "adaptive"}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}

	return fmt.Sprintf("Strategy(%d)", uint8(s))
}

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return Strategy(i), nil
		}
	}

	return StrategyNone, fmt.Errorf("unknown TLB strategy %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	v, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}

	*s = v

	return nil
}

// Geometry is the shape of one software TLB.
type Geometry struct {
	Sets int `toml:"sets"`
	Ways int `toml:"ways"`
}

// PrefetchConfig controls the prefetch of G-stage translations.
type PrefetchConfig struct {
	Enabled bool `toml:"enabled"`
	// Distance is the number of following pages requested.
	Distance int `toml:"distance"`
	// Threshold is the access count an entry must exceed before its
	// neighbours are requested.
	Threshold uint64 `toml:"threshold"`
	// QueueSize bounds the requests waiting to be served.
	QueueSize int `toml:"queue_size"`
}

// CoalescingConfig controls the merge of contiguous entries.
type CoalescingConfig struct {
	Enabled bool `toml:"enabled"`
	// MinEntries is the number of entries a TLB must hold before merging.
	MinEntries int `toml:"min_entries"`
	// MaxCoalescedSize bounds the size of a merged entry.
	MaxCoalescedSize uint64 `toml:"max_coalesced_size"`
	// MaxMergeFraction bounds the share of entries merged in one pass.
	MaxMergeFraction float64 `toml:"max_merge_fraction"`
	// TargetUtilization is the occupancy percentage passes evict down to.
	TargetUtilization float64 `toml:"target_utilization"`
}

// MonitorConfig controls sampling and the optimisation triggers.
type MonitorConfig struct {
	// SampleEvery is the number of translations Maintain waits for between
	// samples.
	SampleEvery uint64 `toml:"sample_every"`
	// Window is the number of recent samples the reactive trigger looks at.
	Window int `toml:"window"`
	// History is the capacity of the sample ring.
	History int `toml:"history"`
	// OptimizeEvery runs a periodic pass every that many samples.
	OptimizeEvery int `toml:"optimize_every"`
	// OptimizeInterval also runs a periodic pass when that much time has
	// passed since the last one. Zero disables it.
	OptimizeInterval time.Duration `toml:"optimize_interval"`
	// HitRateThreshold triggers a pass when the window hit rate is below it.
	HitRateThreshold float64 `toml:"hit_rate_threshold"`
	// MissRateThreshold triggers a pass when the window miss rate is above
	// it.
	MissRateThreshold float64 `toml:"miss_rate_threshold"`
	// AgeThreshold is the idle time, in TLB clock ticks, after which an
	// entry is aged out.
	AgeThreshold uint64 `toml:"age_threshold"`
}

// Config is the configuration of a Manager.
type Config struct {
	Regular    Geometry         `toml:"regular"`
	GStage     Geometry         `toml:"gstage"`
	Strategy   Strategy         `toml:"strategy"`
	Prefetch   PrefetchConfig   `toml:"prefetch"`
	Coalescing CoalescingConfig `toml:"coalescing"`
	Monitor    MonitorConfig    `toml:"monitor"`
}

// DefaultConfig returns the configuration tuned for virtualised workloads.
func DefaultConfig() Config {
	return Config{
		Regular:  Geometry{Sets: 64, Ways: 4},
		GStage:   Geometry{Sets: 32, Ways: 8},
		Strategy: StrategyAdaptive,
		Prefetch: PrefetchConfig{
			Enabled:   true,
			Distance:  8,
			Threshold: 2,
			QueueSize: 32,
		},
		Coalescing: CoalescingConfig{
			Enabled:           true,
			MinEntries:        16,
			MaxCoalescedSize:  128 << 10,
			MaxMergeFraction:  0.25,
			TargetUtilization: 90,
		},
		Monitor: MonitorConfig{
			SampleEvery:       1024,
			Window:            5,
			History:           64,
			OptimizeEvery:     16,
			HitRateThreshold:  80,
			MissRateThreshold: 20,
			AgeThreshold:      4096,
		},
	}
}

// validated returns c with out-of-range values clamped. Every clamp is
// logged.
func (c Config) validated(log logrus.FieldLogger) Config {
	d := DefaultConfig()

	clampInt := func(field string, v *int, minimum, fallback int) {
		if *v < minimum {
			log.WithFields(logrus.Fields{
				"field": field,
				"value": *v,
				"using": fallback,
			}).Warn("invalid TLB manager setting")
			*v = fallback
		}
	}

	clampInt("regular.sets", &c.Regular.Sets, 1, d.Regular.Sets)
	clampInt("regular.ways", &c.Regular.Ways, 1, d.Regular.Ways)
	clampInt("gstage.sets", &c.GStage.Sets, 1, d.GStage.Sets)
	clampInt("gstage.ways", &c.GStage.Ways, 1, d.GStage.Ways)
	clampInt("prefetch.distance", &c.Prefetch.Distance, 0, 0)
	clampInt("prefetch.queue_size", &c.Prefetch.QueueSize, 1, d.Prefetch.QueueSize)
	clampInt("coalescing.min_entries", &c.Coalescing.MinEntries, 0, 0)
	clampInt("monitor.window", &c.Monitor.Window, 1, d.Monitor.Window)
	clampInt("monitor.history", &c.Monitor.History, c.Monitor.Window, c.Monitor.Window)
	clampInt("monitor.optimize_every", &c.Monitor.OptimizeEvery, 0, 0)

	if c.Strategy > StrategyAdaptive {
		log.WithField("value", c.Strategy).Warn("invalid TLB strategy")
		c.Strategy = d.Strategy
	}

	if c.Monitor.SampleEvery == 0 {
		log.Warn("monitor.sample_every is zero, using the default")
		c.Monitor.SampleEvery = d.Monitor.SampleEvery
	}

	if f := c.Coalescing.MaxMergeFraction; f < 0 || f > 1 {
		log.WithField("value", f).Warn("coalescing.max_merge_fraction out of [0, 1]")
		c.Coalescing.MaxMergeFraction = min(max(f, 0), 1)
	}

	if s := c.Coalescing.MaxCoalescedSize; s != 0 &&
		(!vm.IsPowerOfTwo(s) || s < 2*vm.PageSize) {
		log.WithField("value", s).Warn("coalescing.max_coalesced_size is not a power of two")
		c.Coalescing.MaxCoalescedSize = d.Coalescing.MaxCoalescedSize
	}

	if u := c.Coalescing.TargetUtilization; u <= 0 || u > 100 {
		c.Coalescing.TargetUtilization = 100
	}

	return c
}

package tlbmgr

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/hooking"
	"github.com/sarchlab/hvmmu/mem/vm/tlb"
)

// Pressure is how hard an adaptive pass works.
type Pressure uint8

// The pressure levels of an adaptive pass.
const (
	PressureMild Pressure = iota
	PressureModerate
	PressureHigh
)

func (p Pressure) String() string {
	switch p {
	case PressureModerate:
		return "moderate"
	case PressureHigh:
		return "high"
	default:
		return "mild"
	}
}

// Reasons an optimisation pass runs for.
const (
	ReasonManual   = "manual"
	ReasonPeriodic = "periodic"
	ReasonReactive = "reactive"
)

// OptimizeEvent describes an optimisation pass.
type OptimizeEvent struct {
	Strategy Strategy
	Reason   string
	Pressure Pressure
	AgedOut  int
	Evicted  int
	Merged   int
	Consumed int
}

// Optimize runs an optimisation pass with the configured strategy.
func (m *Manager) Optimize() OptimizeEvent {
	return m.optimize(ReasonManual, m.monitor.window(m.cfg.Load().Monitor.Window))
}

func (m *Manager) optimize(reason string, w WindowStats) OptimizeEvent {
	cfg := m.cfg.Load()
	ev := OptimizeEvent{Strategy: cfg.Strategy, Reason: reason}

	if cfg.Strategy == StrategyNone {
		return ev
	}

	age := cfg.Monitor.AgeThreshold
	policy := policyOf(cfg.Strategy)
	evict, coalesce := true, true

	if cfg.Strategy == StrategyAdaptive {
		ev.Pressure = pressureOf(cfg, w)

		switch ev.Pressure {
		case PressureHigh:
			age /= 4
		case PressureModerate:
			age /= 2
			evict = false
		default:
			evict, coalesce = false, false
		}
	}

	for _, t := range []*tlb.SoftwareTLB{m.regular, m.gstage} {
		if age > 0 {
			m.structLock.RLock()
			ev.AgedOut += t.OptimizePerformance(age)
			m.structLock.RUnlock()
		}

		if evict {
			ev.Evicted += m.evictToTarget(t, policy, cfg.Coalescing.TargetUtilization)
		}
	}

	if coalesce {
		ev.Merged, ev.Consumed = m.Coalesce()
	}

	m.optimizations.Add(1)

	m.log.WithFields(logrus.Fields{
		"strategy": ev.Strategy,
		"reason":   ev.Reason,
		"pressure": ev.Pressure,
		"aged_out": ev.AgedOut,
		"evicted":  ev.Evicted,
		"merged":   ev.Merged,
	}).Debug("TLB optimised")

	if m.NumHooks() > 0 {
		m.InvokeHook(hooking.HookCtx{
			Domain: m,
			Pos:    HookPosOptimize,
			Item:   ev,
		})
	}

	return ev
}

func policyOf(s Strategy) tlb.Policy {
	switch s {
	case StrategyMRU:
		return tlb.PolicyMRU
	case StrategyLFU:
		return tlb.PolicyLFU
	case StrategyRandom:
		return tlb.PolicyRandom
	default:
		return tlb.PolicyLRU
	}
}

// pressureOf grades the window. Rates past either threshold are high
// pressure. With good rates, TLBs fuller than the target occupancy are
// moderate pressure.
func pressureOf(c *Config, w WindowStats) Pressure {
	switch {
	case w.Samples == 0:
		return PressureMild
	case w.HitRate < c.Monitor.HitRateThreshold ||
		w.MissRate > c.Monitor.MissRateThreshold:
		return PressureHigh
	case w.Utilization > c.Coalescing.TargetUtilization:
		return PressureModerate
	default:
		return PressureMild
	}
}

func (m *Manager) evictToTarget(
	t *tlb.SoftwareTLB,
	policy tlb.Policy,
	target float64,
) int {
	limit := int(float64(t.Capacity()) * target / 100)

	excess := t.Len() - limit
	if excess <= 0 {
		return 0
	}

	m.structLock.RLock()
	defer m.structLock.RUnlock()

	return t.EvictBy(policy, excess)
}

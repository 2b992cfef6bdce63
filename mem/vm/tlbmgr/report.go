package tlbmgr

import (
	"fmt"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/tlb"
)

// A Report summarises the performance of the TLBs.
type Report struct {
	Strategy        Strategy
	Regular         tlb.Stats
	GStage          tlb.Stats
	RegularHitRate  float64
	GStageHitRate   float64
	OverallHitRate  float64
	PeakUtilization float64
	Coalescing      CoalescingStats
	Prefetch        PrefetchStats
	// VMIDs is the number of entries each VM holds over both TLBs.
	VMIDs          map[vm.VMID]int
	Optimizations  uint64
	ReactivePasses uint64
	// Rejected counts the entries dropped for a bad page size.
	Rejected      uint64
	RecentSamples []Sample
}

// GenerateReport returns a report. It only reads counters.
func (m *Manager) GenerateReport() Report {
	cfg := m.cfg.Load()
	rs, gs := m.regular.Stats(), m.gstage.Stats()

	r := Report{
		Strategy:        cfg.Strategy,
		Regular:         rs,
		GStage:          gs,
		RegularHitRate:  rs.HitRate(),
		GStageHitRate:   gs.HitRate(),
		PeakUtilization: m.monitor.peakUtilization(),
		Coalescing:      m.coalesce.snapshot(),
		Prefetch:        m.PrefetchStats(),
		VMIDs:           m.regular.EntriesByVMID(),
		Optimizations:   m.optimizations.Load(),
		ReactivePasses:  m.reactive.Load(),
		Rejected:        m.rejected.Load(),
		RecentSamples:   m.monitor.recent(cfg.Monitor.Window),
	}

	if lookups := rs.Lookups + gs.Lookups; lookups > 0 {
		r.OverallHitRate = float64(rs.Hits+gs.Hits) * 100 / float64(lookups)
	}

	peak := float64(rs.PeakEntries+gs.PeakEntries) * 100 /
		float64(rs.Capacity+gs.Capacity)
	r.PeakUtilization = max(r.PeakUtilization, peak)

	for vmid, n := range m.gstage.EntriesByVMID() {
		r.VMIDs[vmid] += n
	}

	return r
}

// Health is an advisory assessment of the TLBs.
type Health struct {
	// Score goes from 0, worst, to 100, best.
	Score           int
	Status          string
	Recommendations []string
}

// HealthMetrics grades the TLBs and suggests configuration changes.
func (m *Manager) HealthMetrics() Health {
	cfg := m.cfg.Load()
	r := m.GenerateReport()
	h := Health{Score: 100}

	penalize := func(points int, advice string) {
		h.Score -= points
		h.Recommendations = append(h.Recommendations, advice)
	}

	lookups := r.Regular.Lookups + r.GStage.Lookups
	if lookups > 0 && r.OverallHitRate < cfg.Monitor.HitRateThreshold {
		penalize(int(cfg.Monitor.HitRateThreshold-r.OverallHitRate),
			fmt.Sprintf("hit rate %.1f%% is below %.0f%%; consider more ways or the adaptive strategy",
				r.OverallHitRate, cfg.Monitor.HitRateThreshold))
	}

	if util := r.GStage.Utilization(); util > 95 {
		penalize(10, "the G-stage TLB is nearly full; consider more sets")
	}

	if util := r.Regular.Utilization(); util > 95 {
		penalize(10, "the regular TLB is nearly full; consider more sets")
	}

	if p := r.Prefetch; p.Filled >= 16 && p.Accuracy() < 25 {
		penalize(10, fmt.Sprintf("prefetch accuracy %.1f%% is low; reduce the prefetch distance",
			p.Accuracy()))
	}

	if r.Prefetch.Dropped > 0 {
		penalize(5, "prefetch requests were dropped; enlarge the prefetch queue")
	}

	if cfg.Strategy == StrategyNone && lookups > 0 {
		penalize(5, "no optimisation strategy is active")
	}

	h.Score = min(max(h.Score, 0), 100)

	switch {
	case h.Score >= 80:
		h.Status = "healthy"
	case h.Score >= 50:
		h.Status = "degraded"
	default:
		h.Status = "poor"
	}

	if h.Score < 50 && m.warnLimit.Allow() {
		m.log.WithField("score", h.Score).Warn("TLB health is poor")
	}

	return h
}

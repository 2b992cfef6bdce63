package tlbmgr

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/hooking"
)

// A Sample is a snapshot of the TLB counters over one sampling period.
type Sample struct {
	Seq         uint64
	Time        time.Time
	Lookups     uint64
	Hits        uint64
	Misses      uint64
	HitRate     float64
	MissRate    float64
	Utilization float64
	Entries     int
}

// WindowStats summarise the most recent samples.
type WindowStats struct {
	Samples  int
	Lookups  uint64
	HitRate  float64
	MissRate float64
	// Utilization is the occupancy of the newest sample.
	Utilization float64
}

// monitor keeps a fixed-capacity ring of samples.
type monitor struct {
	lock sync.Mutex

	ring  []Sample
	next  int
	count int
	seq   uint64

	lastLookups uint64
	lastHits    uint64
	lastMisses  uint64
	peakUtil    float64
}

func (mo *monitor) init(history int) {
	mo.ring = make([]Sample, history)
}

func (mo *monitor) push(s Sample) Sample {
	mo.lock.Lock()
	defer mo.lock.Unlock()

	mo.seq++
	s.Seq = mo.seq

	s.Lookups = delta(s.Lookups, &mo.lastLookups)
	s.Hits = delta(s.Hits, &mo.lastHits)
	s.Misses = delta(s.Misses, &mo.lastMisses)

	if s.Lookups > 0 {
		s.HitRate = float64(s.Hits) * 100 / float64(s.Lookups)
		s.MissRate = float64(s.Misses) * 100 / float64(s.Lookups)
	}

	mo.peakUtil = max(mo.peakUtil, s.Utilization)

	mo.ring[mo.next] = s
	mo.next = (mo.next + 1) % len(mo.ring)
	mo.count = min(mo.count+1, len(mo.ring))

	return s
}

// delta turns a running total into the change since the last sample. A
// total older than the last one, from a racing sampler, counts as no change.
func delta(total uint64, last *uint64) uint64 {
	if total < *last {
		return 0
	}

	d := total - *last
	*last = total

	return d
}

// recent returns up to n samples, oldest first.
func (mo *monitor) recent(n int) []Sample {
	mo.lock.Lock()
	defer mo.lock.Unlock()

	n = min(n, mo.count)
	out := make([]Sample, n)

	for i := 0; i < n; i++ {
		idx := (mo.next - n + i + len(mo.ring)) % len(mo.ring)
		out[i] = mo.ring[idx]
	}

	return out
}

func (mo *monitor) window(n int) WindowStats {
	var w WindowStats
	var hits, misses uint64

	for _, s := range mo.recent(n) {
		w.Samples++
		w.Lookups += s.Lookups
		w.Utilization = s.Utilization
		hits += s.Hits
		misses += s.Misses
	}

	if w.Lookups > 0 {
		w.HitRate = float64(hits) * 100 / float64(w.Lookups)
		w.MissRate = float64(misses) * 100 / float64(w.Lookups)
	}

	return w
}

func (mo *monitor) peakUtilization() float64 {
	mo.lock.Lock()
	defer mo.lock.Unlock()

	return mo.peakUtil
}

// Sample records the counters of both TLBs and runs the periodic or the
// reactive optimisation pass when one is due.
func (m *Manager) Sample() Sample {
	cfg := m.cfg.Load()
	rs, gs := m.regular.Stats(), m.gstage.Stats()

	s := m.monitor.push(Sample{
		Time:    time.Now(),
		Lookups: rs.Lookups + gs.Lookups,
		Hits:    rs.Hits + gs.Hits,
		Misses:  rs.Misses + gs.Misses,
		Entries: rs.Entries + gs.Entries,
		Utilization: float64(rs.Entries+gs.Entries) * 100 /
			float64(rs.Capacity+gs.Capacity),
	})

	if m.NumHooks() > 0 {
		m.InvokeHook(hooking.HookCtx{
			Domain: m,
			Pos:    HookPosSample,
			Item:   s,
		})
	}

	w := m.monitor.window(cfg.Monitor.Window)
	ran := false

	if cfg.Monitor.OptimizeEvery > 0 || cfg.Monitor.OptimizeInterval > 0 {
		m.periodic.Do(func() {
			m.optimize(ReasonPeriodic, w)
			ran = true
		})
	}

	if !ran && w.Samples >= cfg.Monitor.Window && w.Lookups > 0 &&
		(w.HitRate < cfg.Monitor.HitRateThreshold ||
			w.MissRate > cfg.Monitor.MissRateThreshold) {
		m.reactive.Add(1)

		if m.warnLimit.Allow() {
			m.log.WithFields(logrus.Fields{
				"hit_rate":  w.HitRate,
				"miss_rate": w.MissRate,
			}).Warn("TLB performance below thresholds")
		}

		m.optimize(ReasonReactive, w)
	}

	return s
}

// Maintain takes a sample when at least SampleEvery translations passed
// since the last sample Maintain took. Lookups never sample on their own.
func (m *Manager) Maintain() (Sample, bool) {
	every := m.cfg.Load().Monitor.SampleEvery
	n := m.translations.Load()
	last := m.sampledAt.Load()

	if n-last < every || !m.sampledAt.CompareAndSwap(last, n) {
		return Sample{}, false
	}

	return m.Sample(), true
}

// Samples returns the recorded samples, oldest first.
func (m *Manager) Samples() []Sample {
	return m.monitor.recent(len(m.monitor.ring))
}

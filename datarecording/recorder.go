package datarecording

import (
	"errors"
	"time"

	"github.com/sarchlab/hvmmu/hooking"
	"github.com/sarchlab/hvmmu/mem/vm/gstage"
	"github.com/sarchlab/hvmmu/mem/vm/tlbmgr"
	"github.com/sarchlab/hvmmu/mem/vm/twostage"
)

// Table names used by a TranslationRecorder.
const (
	TableSamples       = "tlb_samples"
	TableOptimizations = "tlb_optimizations"
	TableFlushes       = "tlb_flushes"
	TableFaults        = "translation_faults"
)

// SampleRow is a stored tlbmgr.Sample.
type SampleRow struct {
	Domain      string
	Seq         uint64
	Time        int64
	Lookups     uint64
	Hits        uint64
	Misses      uint64
	HitRate     float64
	MissRate    float64
	Utilization float64
	Entries     int
}

// OptimizationRow is a stored tlbmgr.OptimizeEvent.
type OptimizationRow struct {
	Domain   string
	Time     int64
	Strategy string
	Reason   string
	Pressure string
	AgedOut  int
	Evicted  int
	Merged   int
	Consumed int
}

// FlushRow is a stored tlbmgr.FlushEvent.
type FlushRow struct {
	Domain  string
	Time    int64
	Scope   string
	VMID    uint16
	ASID    uint16
	Addr    uint64
	Removed int
}

// FaultRow is a failed G-stage or two-stage translation.
type FaultRow struct {
	Domain string
	Time   int64
	Addr   uint64
	VMID   uint16
	Fault  string
	Level  int
	Detail string
}

// A TranslationRecorder is a hook that stores TLB samples, optimisation
// passes, fenced invalidations and translation faults. Attach it to a
// tlbmgr.Manager, gstage.Translator or twostage.Translator.
type TranslationRecorder struct {
	recorder DataRecorder
	now      func() time.Time
}

// NewTranslationRecorder creates the tables in r and returns the hook.
func NewTranslationRecorder(r DataRecorder) *TranslationRecorder {
	r.CreateTable(TableSamples, SampleRow{})
	r.CreateTable(TableOptimizations, OptimizationRow{})
	r.CreateTable(TableFlushes, FlushRow{})
	r.CreateTable(TableFaults, FaultRow{})

	return &TranslationRecorder{
		recorder: r,
		now:      time.Now,
	}
}

// Func records the event of the hook position, if it is one it knows.
func (t *TranslationRecorder) Func(ctx hooking.HookCtx) {
	if ctx.Domain == nil || ctx.Pos == nil {
		return
	}

	domain := ctx.Domain.Name()

	switch ctx.Pos {
	case tlbmgr.HookPosSample:
		t.recordSample(domain, ctx.Item)
	case tlbmgr.HookPosOptimize:
		t.recordOptimization(domain, ctx.Item)
	case tlbmgr.HookPosFlush:
		t.recordFlush(domain, ctx.Item)
	case gstage.HookPosFault, twostage.HookPosFault:
		t.recordFault(domain, ctx.Item, ctx.Detail)
	}
}

func (t *TranslationRecorder) recordSample(domain string, item any) {
	s, ok := item.(tlbmgr.Sample)
	if !ok {
		return
	}

	t.recorder.InsertData(TableSamples, SampleRow{
		Domain:      domain,
		Seq:         s.Seq,
		Time:        s.Time.UnixNano(),
		Lookups:     s.Lookups,
		Hits:        s.Hits,
		Misses:      s.Misses,
		HitRate:     s.HitRate,
		MissRate:    s.MissRate,
		Utilization: s.Utilization,
		Entries:     s.Entries,
	})
}

func (t *TranslationRecorder) recordOptimization(domain string, item any) {
	e, ok := item.(tlbmgr.OptimizeEvent)
	if !ok {
		return
	}

	t.recorder.InsertData(TableOptimizations, OptimizationRow{
		Domain:   domain,
		Time:     t.now().UnixNano(),
		Strategy: e.Strategy.String(),
		Reason:   e.Reason,
		Pressure: e.Pressure.String(),
		AgedOut:  e.AgedOut,
		Evicted:  e.Evicted,
		Merged:   e.Merged,
		Consumed: e.Consumed,
	})
}

func (t *TranslationRecorder) recordFlush(domain string, item any) {
	e, ok := item.(tlbmgr.FlushEvent)
	if !ok {
		return
	}

	t.recorder.InsertData(TableFlushes, FlushRow{
		Domain:  domain,
		Time:    t.now().UnixNano(),
		Scope:   string(e.Scope),
		VMID:    uint16(e.VMID),
		ASID:    uint16(e.ASID),
		Addr:    e.Addr,
		Removed: e.Removed,
	})
}

func (t *TranslationRecorder) recordFault(domain string, item, detail any) {
	addr, ok := item.(uint64)
	if !ok {
		return
	}

	err, _ := detail.(error)
	row := FaultRow{
		Domain: domain,
		Time:   t.now().UnixNano(),
		Addr:   addr,
		Fault:  gstage.FaultOf(err).String(),
		Level:  -1,
	}

	var fe *gstage.FaultError
	if errors.As(err, &fe) {
		row.VMID = uint16(fe.VMID)
		row.Level = fe.Level
	}

	var te *twostage.Error
	if errors.As(err, &te) {
		row.Fault = te.Kind.String()
	}

	if err != nil {
		row.Detail = err.Error()
	}

	t.recorder.InsertData(TableFaults, row)
}

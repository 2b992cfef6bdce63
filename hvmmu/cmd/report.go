package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sarchlab/hvmmu/mem/vm/host"
	"github.com/sarchlab/hvmmu/mem/vm/tlbmgr"
)

type benchOutput struct {
	Summary summary
	Report  host.Report
	Health  tlbmgr.Health
}

func printJSON(out io.Writer, o benchOutput) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	return enc.Encode(o)
}

func printText(out io.Writer, o benchOutput) error {
	s := o.Summary
	r := o.Report

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	rate := 0.0
	if s.Elapsed > 0 {
		rate = float64(s.Translations) / s.Elapsed.Seconds()
	}

	fmt.Fprintf(w, "elapsed\t%s\n", s.Elapsed)
	fmt.Fprintf(w, "translations\t%d\t(%.0f/s)\n", s.Translations, rate)
	fmt.Fprintf(w, "nested hits\t%d\n", s.TLBHits)
	fmt.Fprintf(w, "faults\t%d\n", s.Faults)
	fmt.Fprintf(w, "prefetched\t%d\n", s.Prefetched)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "strategy\t%s\n", r.TLB.Strategy)
	fmt.Fprintf(w, "regular hit rate\t%.2f%%\n", r.TLB.RegularHitRate)
	fmt.Fprintf(w, "g-stage hit rate\t%.2f%%\n", r.TLB.GStageHitRate)
	fmt.Fprintf(w, "overall hit rate\t%.2f%%\n", r.TLB.OverallHitRate)
	fmt.Fprintf(w, "peak utilization\t%.2f%%\n", r.TLB.PeakUtilization)
	fmt.Fprintf(w, "optimizations\t%d\t(%d reactive)\n",
		r.TLB.Optimizations, r.TLB.ReactivePasses)
	fmt.Fprintf(w, "coalesced\t%d\t(%d replaced)\n",
		r.TLB.Coalescing.Merged, r.TLB.Coalescing.Consumed)
	fmt.Fprintf(w, "prefetch\t%d queued\t%d filled\t%d used\n",
		r.TLB.Prefetch.Queued, r.TLB.Prefetch.Filled, r.TLB.Prefetch.Used)
	fmt.Fprintf(w, "fences\t%d\n", r.Hardware.Total())
	fmt.Fprintf(w, "health\t%d\t%s\n", o.Health.Score, o.Health.Status)

	for _, rec := range o.Health.Recommendations {
		fmt.Fprintf(w, "\t%s\n", rec)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "VMID\tMODE\tROOT\tACTIVE\tWALKS\tTLB HITS\tCACHE HITS\tFAULTS")

	for _, v := range r.VMs {
		fmt.Fprintf(w, "%d\t%s\t0x%x\t%t\t%d\t%d\t%d\t%d\n",
			v.VMID, v.Mode, v.RootTable, v.Active,
			v.GStage.Walks, v.GStage.TLBHits, v.GStage.CacheHits,
			v.GStage.Faults)
	}

	return w.Flush()
}

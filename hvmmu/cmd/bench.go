package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sarchlab/hvmmu/config"
	"github.com/sarchlab/hvmmu/monitoring"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a fixed number of translations and print a report.",
	Long: "`bench` maps guest pages for a number of VMs and translates " +
		"random guest addresses on concurrent VCPUs.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if benchOpts.Ops == 0 {
			return fmt.Errorf("%w: bench needs a positive --ops",
				config.ErrInvalid)
		}

		return runWorkload(cmd.Context(), cmd, benchOpts, false)
	},
}

var (
	benchOpts  workloadOptions
	recordPath string
	tracePath  string
	record     bool
	jsonOutput bool
)

func addWorkloadFlags(f *pflag.FlagSet, o *workloadOptions, ops int) {
	f.IntVar(&o.VMs, "vms", 2, "number of VMs")
	f.IntVar(&o.VCPUs, "vcpus", 4, "number of translating goroutines")
	f.IntVar(&o.Pages, "pages", 4096, "guest pages mapped per VM")
	f.IntVar(&o.HotPages, "hot-pages", 256, "pages most accesses go to")
	f.IntVar(&o.Ops, "ops", ops, "translations per VCPU")
	f.IntVar(&o.MaintainEvery, "maintain-every", 4096,
		"translations between maintenance, 0 disables")
	f.IntVar(&o.InvalidateEvery, "invalidate-every", 0,
		"translations between single-page invalidations, 0 disables")
	f.Uint64Var(&o.Seed, "seed", 1, "random seed")
	f.BoolVar(&o.Mmap, "mmap", false,
		"keep page tables in an anonymous memory mapping")
	f.BoolVar(&record, "record", false, "record TLB activity to SQLite")
	f.StringVar(&recordPath, "record-path", "",
		"database name, without the .sqlite3 suffix")
	f.StringVar(&tracePath, "trace", "", "write a CSV hook trace to this file")
}

func init() {
	rootCmd.AddCommand(benchCmd)
	addWorkloadFlags(benchCmd.Flags(), &benchOpts, 100000)
	benchCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
}

// runWorkload builds the workload, runs it to the end or until ctx is done
// and prints the report. With serve set, the monitor stays up for the run.
func runWorkload(
	ctx context.Context,
	cmd *cobra.Command,
	opts workloadOptions,
	serve bool,
) error {
	w, err := newWorkload(cfg, opts, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.WithError(err).Error("closing workload")
		}
	}()

	if record || cfg.Record.Enabled {
		path := recordPath
		if path == "" {
			path = cfg.Record.Path
		}

		w.Record(path)
	}

	if tracePath != "" {
		if err := w.Trace(tracePath); err != nil {
			return err
		}
	}

	var bar *monitoring.ProgressBar

	if serve || cfg.Monitor.Enabled {
		m := monitoring.NewMonitor().
			WithLogger(log).
			WithPortNumber(cfg.Monitor.Port).
			WithBrowser(cfg.Monitor.OpenBrowser)
		m.RegisterHost(w.host)

		if _, err := m.StartServer(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			if err := m.StopServer(ctx); err != nil {
				log.WithError(err).Warn("stopping monitor")
			}
		}()

		bar = m.CreateProgressBar("translations",
			uint64(opts.Ops)*uint64(opts.VCPUs))
		defer m.CompleteProgressBar(bar)
	}

	start := time.Now()
	if err := w.Run(ctx, bar); err != nil {
		return err
	}

	out, err := w.output(time.Since(start))
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), out)
	}

	return printText(cmd.OutOrStdout(), out)
}

func (w *workload) output(elapsed time.Duration) (benchOutput, error) {
	r, err := w.host.Report()
	if err != nil {
		return benchOutput{}, err
	}

	h, err := w.host.Health()
	if err != nil {
		return benchOutput{}, err
	}

	return benchOutput{
		Summary: w.summary(elapsed),
		Report:  r,
		Health:  h,
	}, nil
}

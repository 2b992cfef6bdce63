package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/hvmmu/config"
	"github.com/sarchlab/hvmmu/datarecording"
	"github.com/sarchlab/hvmmu/hooking"
	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/mem/vm/host"
	"github.com/sarchlab/hvmmu/mem/vm/pagetable"
	"github.com/sarchlab/hvmmu/memory"
	"github.com/sarchlab/hvmmu/monitoring"
)

// Physical layout of a workload. Each VM owns a table region of vmStride
// bytes starting at tableBase and maps its guest pages to a distinct range
// above hostBase.
const (
	tableBase   = 0x80000000
	vmStride    = 0x1000000
	hostBase    = 0x100000000
	memCapacity = 1 << 36

	guestPerms = vm.PermRWX | vm.PermUser | vm.PermAccessed | vm.PermDirty
)

type workloadOptions struct {
	VMs   int
	VCPUs int
	// Pages is the number of guest pages each VM maps.
	Pages int
	// HotPages is the size of the set most accesses land in.
	HotPages int
	// Ops is the number of translations per VCPU. Zero runs until the
	// context is done.
	Ops             int
	MaintainEvery   int
	InvalidateEvery int
	Seed            uint64
	Mmap            bool
}

func (o workloadOptions) validate() error {
	switch {
	case o.VMs <= 0:
		return fmt.Errorf("%w: vms %d", config.ErrInvalid, o.VMs)
	case o.VCPUs <= 0:
		return fmt.Errorf("%w: vcpus %d", config.ErrInvalid, o.VCPUs)
	case o.Pages <= 0 || o.Pages > 1<<20:
		return fmt.Errorf("%w: pages %d", config.ErrInvalid, o.Pages)
	case o.HotPages <= 0 || o.HotPages > o.Pages:
		return fmt.Errorf("%w: hot pages %d", config.ErrInvalid, o.HotPages)
	case o.Ops < 0:
		return fmt.Errorf("%w: ops %d", config.ErrInvalid, o.Ops)
	}

	return nil
}

// A workload is a host with guest tables and the VCPUs that translate
// through it.
type workload struct {
	opts  workloadOptions
	log   logrus.FieldLogger
	host  *host.Host
	vmids []vm.VMID

	closers  []io.Closer
	recorder datarecording.DataRecorder
	tracer   *hooking.TranslationTracer

	translations atomic.Uint64
	tlbHits      atomic.Uint64
	faults       atomic.Uint64
	prefetched   atomic.Uint64
}

func newWorkload(
	c config.Config,
	opts workloadOptions,
	log logrus.FieldLogger,
) (*workload, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	w := &workload{opts: opts, log: log}

	var mem memory.Memory
	if opts.Mmap {
		r, err := memory.NewMappedRegion(tableBase, uint64(opts.VMs)*vmStride)
		if err != nil {
			return nil, err
		}

		w.closers = append(w.closers, r)
		mem = r
	} else {
		mem = memory.NewStorage(memCapacity)
	}

	b, err := c.HostBuilder(host.MakeBuilder().
		WithMemory(mem).
		WithLogger(log))
	if err != nil {
		return nil, err
	}

	w.host = b.Build("Host")

	f := w.host.Detector().Best()
	for i := range opts.VMs {
		root := tableBase + uint64(i)*vmStride

		if f != format.Bare {
			if err := w.mapGuest(mem, f, root, i); err != nil {
				w.Close()
				return nil, err
			}
		}

		vmid, err := w.host.CreateVM(root)
		if err != nil {
			w.Close()
			return nil, err
		}

		w.vmids = append(w.vmids, vmid)
	}

	log.WithFields(logrus.Fields{
		"vms":    opts.VMs,
		"pages":  opts.Pages,
		"format": f,
	}).Info("workload created")

	return w, nil
}

func (w *workload) mapGuest(
	mem memory.Memory,
	f format.Format,
	root uint64,
	index int,
) error {
	t, err := pagetable.MakeBuilder().
		WithMemory(mem).
		WithFormat(f).
		WithRoot(root).
		Build()
	if err != nil {
		return err
	}

	length := uint64(w.opts.Pages) * vm.PageSize
	hpa := hostBase + uint64(index)*length

	return t.Map(0, hpa, length, guestPerms)
}

// Record attaches a SQLite recorder to the TLB manager and every
// translator. It must be called before Run.
func (w *workload) Record(path string) {
	w.recorder = datarecording.New(path)
	rec := datarecording.NewTranslationRecorder(w.recorder)

	w.host.TLB().AcceptHook(rec)
	w.eachVM(func(v *host.VM) {
		v.GStage().AcceptHook(rec)
		v.TwoStage().AcceptHook(rec)
	})
}

// Trace writes one CSV line per translator hook to path. It must be called
// before Run.
func (w *workload) Trace(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w.closers = append(w.closers, f)
	w.tracer = hooking.NewTranslationTracer(f)

	w.host.TLB().AcceptHook(w.tracer)
	w.eachVM(func(v *host.VM) {
		v.GStage().AcceptHook(w.tracer)
		v.TwoStage().AcceptHook(w.tracer)
	})

	return nil
}

func (w *workload) eachVM(fn func(v *host.VM)) {
	for _, vmid := range w.vmids {
		v, err := w.host.VM(vmid)
		if err != nil {
			panic(err)
		}

		fn(v)
	}
}

// Run translates on every VCPU until each has done its operations or ctx is
// done. Progress is reported to bar when it is not nil.
func (w *workload) Run(ctx context.Context, bar *monitoring.ProgressBar) error {
	g, ctx := errgroup.WithContext(ctx)

	for id := range w.opts.VCPUs {
		g.Go(func() error {
			return w.vcpu(ctx, id, bar)
		})
	}

	err := g.Wait()
	stopped := errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
	if stopped && w.opts.Ops == 0 {
		err = nil
	}

	if _, mErr := w.maintain(); mErr != nil && err == nil {
		err = mErr
	}

	return err
}

const ctxCheckEvery = 256

func (w *workload) vcpu(
	ctx context.Context,
	id int,
	bar *monitoring.ProgressBar,
) error {
	rng := rand.New(rand.NewPCG(w.opts.Seed, uint64(id)))
	vmid := w.vmids[id%len(w.vmids)]
	done := uint64(0)

	for i := 0; w.opts.Ops == 0 || i < w.opts.Ops; i++ {
		if i%ctxCheckEvery == 0 {
			if bar != nil && done > 0 {
				bar.IncrementFinished(done)
				done = 0
			}

			if err := ctx.Err(); err != nil {
				return err
			}

			if id == 0 {
				w.host.TLB().Maintain()
			}
		}

		page := w.pickPage(rng)
		gpa := page<<vm.PageShift | rng.Uint64N(vm.PageSize)

		r, err := w.host.TranslateGVA(vmid, gpa, 0)
		w.translations.Add(1)
		done++

		switch {
		case err != nil:
			w.faults.Add(1)
			w.log.WithError(err).WithField("vcpu", id).Debug("translation fault")
		case r.TLBHit:
			w.tlbHits.Add(1)
		}

		if w.opts.InvalidateEvery > 0 &&
			i%w.opts.InvalidateEvery == w.opts.InvalidateEvery-1 {
			_, err := w.host.InvalidateGPA(vmid, page<<vm.PageShift, vm.PageSize)
			if err != nil {
				return err
			}
		}

		if id == 0 && w.opts.MaintainEvery > 0 &&
			i%w.opts.MaintainEvery == w.opts.MaintainEvery-1 {
			if _, err := w.maintain(); err != nil {
				return err
			}
		}
	}

	if bar != nil {
		bar.IncrementFinished(done)
	}

	return nil
}

// pickPage returns a guest page number. Nine in ten accesses go to the hot
// set.
func (w *workload) pickPage(rng *rand.Rand) uint64 {
	if rng.IntN(10) == 0 {
		return rng.Uint64N(uint64(w.opts.Pages))
	}

	return rng.Uint64N(uint64(w.opts.HotPages))
}

// maintain serves the G-stage prefetches through the host and the stage-1
// ones of each VM. The guests run with a bare vsatp.
func (w *workload) maintain() (host.Maintenance, error) {
	m, err := w.host.Maintain()
	if err != nil {
		return m, err
	}

	w.eachVM(func(v *host.VM) {
		m.Prefetched += v.TwoStage().ProcessPrefetches(0)
	})

	w.prefetched.Add(uint64(m.Prefetched))

	return m, nil
}

// Close flushes the recorder and releases the memory-mapped region and
// trace file.
func (w *workload) Close() error {
	var errs []error

	if w.recorder != nil {
		errs = append(errs, w.recorder.Close())
	}

	if w.tracer != nil {
		errs = append(errs, w.tracer.Err())
	}

	for _, c := range w.closers {
		errs = append(errs, c.Close())
	}

	return errors.Join(errs...)
}

// A summary is the outcome of a run.
type summary struct {
	Elapsed      time.Duration
	Translations uint64
	TLBHits      uint64
	Faults       uint64
	Prefetched   uint64
}

func (w *workload) summary(elapsed time.Duration) summary {
	return summary{
		Elapsed:      elapsed,
		Translations: w.translations.Load(),
		TLBHits:      w.tlbHits.Load(),
		Faults:       w.faults.Load(),
		Prefetched:   w.prefetched.Load(),
	}
}

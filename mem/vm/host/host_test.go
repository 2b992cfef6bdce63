package host_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/mem/vm/gstage"
	"github.com/sarchlab/hvmmu/mem/vm/host"
	"github.com/sarchlab/hvmmu/mem/vm/hwtlb"
	"github.com/sarchlab/hvmmu/mem/vm/pagetable"
	"github.com/sarchlab/hvmmu/mem/vm/twostage"
	"github.com/sarchlab/hvmmu/memory"
)

const (
	rootA    = uint64(0x80000000)
	rootB    = uint64(0x81000000)
	hostBase = uint64(0x90000000)
	guestRWX = vm.PermRWX | vm.PermUser
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)

	return l
}

var _ = Describe("Host", func() {
	var (
		storage *memory.Storage
		regs    *hwtlb.RecordingRegisters
		h       *host.Host
	)

	mapPages := func(root, hpa uint64, n int) {
		t, err := pagetable.MakeBuilder().
			WithMemory(storage).
			WithFormat(format.Sv39).
			WithRoot(root).
			Build()
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Map(0, hpa, uint64(n)*vm.PageSize, guestRWX)).To(Succeed())
	}

	BeforeEach(func() {
		storage = memory.NewStorage(1 << 36)
		regs = hwtlb.NewRecordingRegisters()
		h = host.MakeBuilder().
			WithMemory(storage).
			WithRegisters(regs).
			WithLogger(quietLogger()).
			Build("Host")

		mapPages(rootA, hostBase, 16)
		mapPages(rootB, hostBase+0x100000, 16)
	})

	It("should panic without memory", func() {
		Expect(func() { host.MakeBuilder().Build("Host") }).To(Panic())
	})

	It("should create VMs in the best supported mode", func() {
		vmid, err := h.CreateVM(rootA)
		Expect(err).NotTo(HaveOccurred())
		Expect(vmid).To(Equal(vm.VMID(1)))

		v, err := h.VM(vmid)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.GStage().Mode()).To(Equal(format.ModeSv48x4))
		Expect(v.GStage().Name()).To(Equal("GStage[1]"))
		Expect(v.TwoStage().GStage()).To(BeIdenticalTo(v.GStage()))
	})

	It("should reject modes the platform cannot walk", func() {
		_, err := h.CreateVMWithMode(rootA, format.ModeSv57x4)
		Expect(err).To(MatchError(format.ErrUnsupportedFormat))
		Expect(h.VMIDs()).To(BeEmpty())
	})

	It("should activate the first VM", func() {
		a, _ := h.CreateVMWithMode(rootA, format.ModeSv39x4)
		b, _ := h.CreateVMWithMode(rootB, format.ModeSv39x4)

		active, err := h.ActiveVM()
		Expect(err).NotTo(HaveOccurred())
		Expect(active).To(Equal(a))
		Expect(gstage.ExtractVMID(regs.ReadHGATP())).To(Equal(a))

		Expect(h.SetActiveVM(b)).To(Succeed())
		Expect(gstage.ExtractVMID(regs.ReadHGATP())).To(Equal(b))
		Expect(gstage.ExtractPPN(regs.ReadHGATP())).To(Equal(rootB >> 12))
	})

	It("should translate through the active VM", func() {
		_, _ = h.CreateVMWithMode(rootA, format.ModeSv39x4)
		b, _ := h.CreateVMWithMode(rootB, format.ModeSv39x4)

		r, err := h.TranslateGPA(0x3456)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.HostPhysAddr).To(Equal(hostBase + 0x3456))

		Expect(h.SetActiveVM(b)).To(Succeed())
		r, err = h.TranslateGPA(0x3456)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.HostPhysAddr).To(Equal(hostBase + 0x103456))

		_, err = h.TranslateGPA(0x100000)
		Expect(err).To(MatchError(gstage.ErrPageNotFound))
	})

	It("should fail without an active VM", func() {
		_, err := h.TranslateGPA(0x1000)
		Expect(err).To(MatchError(host.ErrNoActiveVM))

		_, err = h.ActiveVM()
		Expect(err).To(MatchError(host.ErrNoActiveVM))
	})

	It("should translate guest virtual addresses", func() {
		a, _ := h.CreateVMWithMode(rootA, format.ModeSv39x4)

		r, err := h.TranslateGVA(a, 0x2010, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.HostPhysAddr).To(Equal(hostBase + 0x2010))

		_, err = h.TranslateGVA(a, 0x2010, twostage.MakeVSATP(8, 1, 0))
		Expect(err).To(MatchError(twostage.ErrStage1Fault))

		_, err = h.TranslateGVA(9, 0x2010, 0)
		Expect(err).To(MatchError(host.ErrUnknownVM))
	})

	It("should run out of VMIDs", func() {
		h = host.MakeBuilder().
			WithMemory(storage).
			WithMaxVMID(2).
			WithLogger(quietLogger()).
			Build("Host")

		_, err := h.CreateVMWithMode(rootA, format.ModeSv39x4)
		Expect(err).NotTo(HaveOccurred())
		_, err = h.CreateVMWithMode(rootA, format.ModeSv39x4)
		Expect(err).NotTo(HaveOccurred())
		_, err = h.CreateVMWithMode(rootA, format.ModeSv39x4)
		Expect(err).To(MatchError(host.ErrVMIDExhausted))
	})

	It("should drop all state of a destroyed VM", func() {
		a, _ := h.CreateVMWithMode(rootA, format.ModeSv39x4)
		b, _ := h.CreateVMWithMode(rootB, format.ModeSv39x4)

		_, err := h.TranslateGVA(a, 0x1000, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = h.TranslateGVA(b, 0x1000, 0)
		Expect(err).NotTo(HaveOccurred())
		regs.Reset()

		Expect(h.DestroyVM(a)).To(Succeed())

		Expect(regs.Fences()).To(Equal([]hwtlb.Fence{
			{Kind: hwtlb.HFenceGVMAVMID, VMID: a},
		}))
		Expect(h.TLB().GenerateReport().VMIDs).NotTo(HaveKey(a))
		Expect(h.TLB().GenerateReport().VMIDs).To(HaveKey(b))
		Expect(regs.ReadHGATP()).To(BeZero())
		Expect(h.VMIDs()).To(Equal([]vm.VMID{b}))

		Expect(h.DestroyVM(a)).To(MatchError(host.ErrUnknownVM))

		again, err := h.CreateVMWithMode(rootA, format.ModeSv39x4)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(a))
	})

	It("should keep hgatp on the active VM when configuring another", func() {
		a, _ := h.CreateVMWithMode(rootA, format.ModeSv39x4)
		b, _ := h.CreateVMWithMode(rootB, format.ModeSv39x4)

		Expect(h.ConfigureGStage(b, rootA, format.ModeSv39x4)).To(Succeed())

		Expect(gstage.ExtractVMID(regs.ReadHGATP())).To(Equal(a))

		r, err := h.TranslateGVA(b, 0x1000, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.HostPhysAddr).To(Equal(hostBase + 0x1000))

		Expect(h.ConfigureGStage(b, rootA, format.ModeSv57x4)).
			To(MatchError(format.ErrUnsupportedFormat))
		Expect(h.ConfigureGStage(7, rootA, format.ModeSv39x4)).
			To(MatchError(host.ErrUnknownVM))
	})

	It("should issue one narrow fence per invalidation", func() {
		a, _ := h.CreateVMWithMode(rootA, format.ModeSv39x4)
		_, err := h.TranslateGPA(0x1000)
		Expect(err).NotTo(HaveOccurred())
		regs.Reset()

		n, err := h.InvalidateGPA(a, 0x1000, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeNumerically(">", 0))

		_, err = h.InvalidateGPA(a, 0x1000, 0x4000)
		Expect(err).NotTo(HaveOccurred())

		_, err = h.InvalidateVMID(a)
		Expect(err).NotTo(HaveOccurred())

		_, err = h.FlushAll()
		Expect(err).NotTo(HaveOccurred())

		Expect(regs.Fences()).To(Equal([]hwtlb.Fence{
			{Kind: hwtlb.HFenceGVMAAddr, Addr: 0x1000 >> 2, VMID: a},
			{Kind: hwtlb.HFenceGVMAVMID, VMID: a},
			{Kind: hwtlb.HFenceGVMAVMID, VMID: a},
			{Kind: hwtlb.HFenceGVMAAll},
		}))

		r, err := h.TranslateGPA(0x1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.CacheHit).To(BeFalse())
		Expect(r.TLBHit).To(BeFalse())
	})

	It("should serve queued prefetches during maintenance", func() {
		_, _ = h.CreateVMWithMode(rootA, format.ModeSv39x4)

		for i := 0; i < 4; i++ {
			_, err := h.TranslateGPA(0x1000)
			Expect(err).NotTo(HaveOccurred())
		}

		m, err := h.Maintain()
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Prefetched).To(Equal(8))
		Expect(m.Sample.Seq).To(BeNumerically(">", 0))

		r, err := h.TranslateGPA(0x2000)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.TLBHit).To(BeTrue())
	})

	It("should translate a batch with a fault in the middle", func() {
		a, _ := h.CreateVMWithMode(rootA, format.ModeSv39x4)

		out, err := h.TranslateBulk(a, []uint64{0x1000, 0x2008, 0x20000, 0x3000})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(4))

		Expect(out[0].Result.HostPhysAddr).To(Equal(hostBase + 0x1000))
		Expect(out[1].Result.HostPhysAddr).To(Equal(hostBase + 0x2008))
		Expect(out[1].Result.TLBHit).To(BeTrue())
		Expect(out[2].Err).To(MatchError(gstage.ErrPageNotFound))
		Expect(out[3].Err).NotTo(HaveOccurred())
		Expect(out[3].Result.TLBHit).To(BeTrue())

		_, err = h.TranslateBulk(9, []uint64{0x1000})
		Expect(err).To(MatchError(host.ErrUnknownVM))
	})

	It("should report every VM", func() {
		a, _ := h.CreateVMWithMode(rootA, format.ModeSv39x4)
		b, _ := h.CreateVMWithMode(rootB, format.ModeSv39x4)
		_, _ = h.TranslateGPA(0x1000)

		r, err := h.Report()
		Expect(err).NotTo(HaveOccurred())
		Expect(r.VMs).To(HaveLen(2))
		Expect(r.VMs[0].VMID).To(Equal(a))
		Expect(r.VMs[0].Active).To(BeTrue())
		Expect(r.VMs[0].GStage.Walks).To(Equal(uint64(1)))
		Expect(r.VMs[1].VMID).To(Equal(b))
		Expect(r.VMs[1].RootTable).To(Equal(rootB))
		Expect(r.Available).To(Equal(int(host.DefaultMaxVMID) - 2))

		health, err := h.Health()
		Expect(err).NotTo(HaveOccurred())
		Expect(health.Status).NotTo(BeEmpty())
	})

	It("should report an uninitialized host", func() {
		var nilHost *host.Host

		_, err := nilHost.CreateVM(rootA)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.CreateVMWithMode(rootA, format.ModeSv39x4)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		Expect(nilHost.DestroyVM(1)).To(MatchError(host.ErrNotInitialized))
		Expect(nilHost.SetActiveVM(1)).To(MatchError(host.ErrNotInitialized))
		Expect(nilHost.ConfigureGStage(1, rootA, format.ModeSv39x4)).
			To(MatchError(host.ErrNotInitialized))

		_, err = nilHost.VM(1)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.ActiveVM()
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.TranslateGPA(0x1000)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.TranslateGVA(1, 0x1000, 0)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.TranslateBulk(1, []uint64{0x1000})
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.InvalidateGPA(1, 0x1000, 0)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.InvalidateVMID(1)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.FlushAll()
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.Maintain()
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.Report()
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = nilHost.Health()
		Expect(err).To(MatchError(host.ErrNotInitialized))

		Expect(nilHost.VMIDs()).To(BeNil())
		Expect(nilHost.TLB()).To(BeNil())
	})

	It("should refuse to work as a zero value", func() {
		zero := &host.Host{}

		_, err := zero.CreateVM(rootA)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = zero.CreateVMWithMode(rootA, format.ModeSv39x4)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = zero.TranslateGPA(0x1000)
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = zero.TranslateBulk(1, []uint64{0x1000})
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = zero.Maintain()
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = zero.Report()
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = zero.Health()
		Expect(err).To(MatchError(host.ErrNotInitialized))
		_, err = zero.FlushAll()
		Expect(err).To(MatchError(host.ErrNotInitialized))

		Expect(zero.VMIDs()).To(BeNil())
		Expect(zero.TLB()).To(BeNil())
	})
})

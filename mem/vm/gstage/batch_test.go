package gstage_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/mem/vm/gstage"
	"github.com/sarchlab/hvmmu/mem/vm/hwtlb"
	"github.com/sarchlab/hvmmu/mem/vm/pagetable"
	"github.com/sarchlab/hvmmu/mem/vm/tlbmgr"
	"github.com/sarchlab/hvmmu/memory"
)

var _ = Describe("TranslateBatch", func() {
	var (
		storage *memory.Storage
		mgr     *tlbmgr.Manager
	)

	build := func(withTLB bool) *gstage.Translator {
		b := gstage.MakeBuilder().
			WithMemory(storage).
			WithHardware(hwtlb.New(hwtlb.Discard{}, quietLogger())).
			WithLogger(quietLogger())
		if withTLB {
			b = b.WithTLB(mgr)
		}

		return b.Build(1, root, format.ModeSv39x4)
	}

	BeforeEach(func() {
		storage = memory.NewStorage(1 << 36)
		table, err := pagetable.MakeBuilder().
			WithMemory(storage).
			WithFormat(format.Sv39).
			WithRoot(root).
			Build()
		Expect(err).NotTo(HaveOccurred())
		Expect(table.Map(0x1000, hostBase, 4*vm.PageSize, guestRWX)).To(Succeed())
		Expect(table.Map(0x10000, hostBase+0x10000, 12*vm.PageSize, guestRWX)).
			To(Succeed())

		mgr = tlbmgr.MakeBuilder().
			WithLogger(quietLogger()).
			Build("TLBManager")
	})

	It("should preload the following pages and keep faults per address", func() {
		t := build(true)

		out := t.TranslateBatch([]uint64{
			0x1010, 0x2020, 0x5000, 0x3030, 0x1040, 0x4000,
		})

		Expect(out).To(HaveLen(6))
		Expect(out[0].GPA).To(Equal(uint64(0x1010)))
		Expect(out[0].Err).NotTo(HaveOccurred())
		Expect(out[0].Result.HostPhysAddr).To(Equal(hostBase + 0x10))
		Expect(out[0].Result.TLBHit).To(BeFalse())

		Expect(out[2].Err).To(MatchError(gstage.ErrPageNotFound))
		Expect(gstage.FaultOf(out[2].Err)).To(Equal(gstage.FaultPageNotFound))

		for _, i := range []int{1, 3, 4, 5} {
			Expect(out[i].Err).NotTo(HaveOccurred())
			Expect(out[i].Result.TLBHit).To(BeTrue())
		}

		Expect(out[1].Result.HostPhysAddr).To(Equal(hostBase + 0x1020))
		Expect(out[3].Result.HostPhysAddr).To(Equal(hostBase + 0x2030))
		Expect(out[5].Result.HostPhysAddr).To(Equal(hostBase + 0x3000))

		s := t.Stats()
		Expect(s.Translations).To(Equal(uint64(6)))
		Expect(s.Faults).To(Equal(uint64(1)))
		Expect(s.Prefetches).To(Equal(uint64(3)))
		Expect(s.Walks).To(Equal(uint64(6)))
		Expect(mgr.PrefetchStats().Filled).To(Equal(uint64(3)))
	})

	It("should bound the preload to the lookahead", func() {
		t := build(true)

		var gpas []uint64
		for i := uint64(0); i < 12; i++ {
			gpas = append(gpas, 0x10000+i<<vm.PageShift)
		}

		out := t.TranslateBatch(gpas)

		Expect(out[0].Result.TLBHit).To(BeFalse())
		for i := 1; i <= gstage.BatchLookahead; i++ {
			Expect(out[i].Result.TLBHit).To(BeTrue())
		}
		Expect(out[gstage.BatchLookahead+1].Result.TLBHit).To(BeFalse())
		Expect(out[11].Result.TLBHit).To(BeTrue())
		Expect(out[11].Result.HostPhysAddr).To(Equal(hostBase + 0x1b000))

		Expect(t.Stats().Walks).To(Equal(uint64(12)))
	})

	It("should translate in order without a TLB", func() {
		t := build(false)

		out := t.TranslateBatch([]uint64{0x1000, 0x9000, 0x2000})

		Expect(out[0].Result.HostPhysAddr).To(Equal(hostBase))
		Expect(out[1].Err).To(MatchError(gstage.ErrPageNotFound))
		Expect(out[2].Result.HostPhysAddr).To(Equal(hostBase + 0x1000))
		Expect(t.Stats().Prefetches).To(BeZero())
	})

	It("should return nothing for an empty batch", func() {
		Expect(build(true).TranslateBatch(nil)).To(BeEmpty())
	})
})

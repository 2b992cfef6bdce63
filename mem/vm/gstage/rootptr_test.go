package gstage_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/mem/vm/gstage"
)

var _ = Describe("Root pointer", func() {
	modes := []format.Mode{
		format.ModeBare,
		format.ModeSv32x4,
		format.ModeSv39x4,
		format.ModeSv48x4,
		format.ModeSv57x4,
	}
	vmids := []vm.VMID{0, 1, 123, 0x2aaa, vm.MaxVMID}
	ppns := []uint64{0, 1, 0x80000, 0xfffffffffff}

	It("should round trip every field", func() {
		for _, mode := range modes {
			for _, vmid := range vmids {
				for _, ppn := range ppns {
					ptr := gstage.MakeRootPointer(vmid, ppn, mode)

					Expect(gstage.ExtractVMID(ptr)).To(Equal(vmid))
					Expect(gstage.ExtractPPN(ptr)).To(Equal(ppn))
					Expect(gstage.ExtractMode(ptr, nil)).To(Equal(mode))
				}
			}
		}
	})

	It("should place the fields where HGATP has them", func() {
		ptr := gstage.MakeRootPointer(123, 0x80000, format.ModeSv39x4)

		Expect(ptr).To(Equal(uint64(8)<<60 | uint64(123)<<44 | 0x80000))
	})

	It("should truncate a VMID wider than 14 bits", func() {
		ptr := gstage.MakeRootPointer(0xffff, 0, format.ModeSv39x4)

		Expect(gstage.ExtractVMID(ptr)).To(Equal(vm.VMID(0x3fff)))
		Expect(gstage.ExtractMode(ptr, nil)).To(Equal(format.ModeSv39x4))
	})

	It("should fall back through the detector on unknown modes", func() {
		d := format.NewDetector(format.RV64Capabilities())
		ptr := uint64(0xc)<<60 | 0x80000

		Expect(gstage.ExtractMode(ptr, d)).To(Equal(format.ModeSv48x4))
		Expect(gstage.ExtractMode(ptr, nil)).To(Equal(format.ModeBare))
	})

	It("should fall back on modes the platform lacks", func() {
		d := format.NewDetector(format.RV64Capabilities())
		ptr := gstage.MakeRootPointer(1, 0x80000, format.ModeSv57x4)

		Expect(gstage.ExtractMode(ptr, d)).To(Equal(format.ModeSv48x4))
	})
})

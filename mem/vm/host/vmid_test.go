package host

import (
	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hvmmu/mem/vm"
)

var _ = ginkgo.Describe("vmidPool", func() {
	ginkgo.It("should never hand out VMID 0", func() {
		p := newVMIDPool(3)

		var got []vm.VMID
		for {
			id, ok := p.alloc()
			if !ok {
				break
			}
			got = append(got, id)
		}

		Expect(got).To(Equal([]vm.VMID{1, 2, 3}))
		Expect(p.available()).To(BeZero())
	})

	ginkgo.It("should reuse freed VMIDs", func() {
		p := newVMIDPool(200)
		for i := 0; i < 130; i++ {
			_, ok := p.alloc()
			Expect(ok).To(BeTrue())
		}

		p.free(70)
		p.free(70)
		p.free(0)

		Expect(p.inUse(70)).To(BeFalse())
		Expect(p.inUse(0)).To(BeTrue())
		Expect(p.available()).To(Equal(71))

		id, ok := p.alloc()
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(vm.VMID(70)))
	})

	ginkgo.It("should stop at the word boundary of the limit", func() {
		p := newVMIDPool(64)
		for i := 0; i < 64; i++ {
			_, ok := p.alloc()
			Expect(ok).To(BeTrue())
		}

		_, ok := p.alloc()
		Expect(ok).To(BeFalse())
		Expect(p.inUse(65)).To(BeFalse())
	})
})

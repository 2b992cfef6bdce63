package memory_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hvmmu/memory"
)

var _ = Describe("Storage", func() {
	It("should read and write in single unit", func() {
		storage := memory.NewStorage(4096)
		Expect(storage.Write(0, []byte{1, 2, 3, 4})).To(Succeed())

		res, _ := storage.Read(0, 2)
		Expect(res).To(Equal([]byte{1, 2}))

		res, _ = storage.Read(1, 2)
		Expect(res).To(Equal([]byte{2, 3}))
	})

	It("should read and write across units", func() {
		storage := memory.NewStorage(8192)
		Expect(storage.Write(4094, []byte{1, 2, 3, 4})).To(Succeed())

		res, _ := storage.Read(4094, 4)
		Expect(res).To(Equal([]byte{1, 2, 3, 4}))
		Expect(storage.NumAllocatedUnits()).To(Equal(2))
	})

	It("should read zeros from untouched units without allocating", func() {
		storage := memory.NewStorage(1 << 40)

		v, err := storage.Read64(0x80000000)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeZero())
		Expect(storage.NumAllocatedUnits()).To(Equal(0))
	})

	It("should store little-endian words", func() {
		storage := memory.NewStorage(1 << 20)
		Expect(storage.Write64(0x1000, 0x0102030405060708)).To(Succeed())

		b, _ := storage.Read(0x1000, 2)
		Expect(b).To(Equal([]byte{0x08, 0x07}))

		w, err := storage.Read32(0x1004)
		Expect(err).NotTo(HaveOccurred())
		Expect(w).To(Equal(uint32(0x01020304)))
	})

	It("should return error if accessing over the capacity", func() {
		storage := memory.NewStorage(4096)
		err := storage.Write(4096, []byte{1})
		Expect(err).To(MatchError(memory.ErrOutOfRange))

		_, err = storage.Read(4095, 2)
		Expect(err).To(MatchError(memory.ErrOutOfRange))

		_, err = storage.Read64(^uint64(0) - 3)
		Expect(err).To(MatchError(memory.ErrOutOfRange))
	})
})

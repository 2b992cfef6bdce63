package internal

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Set", func() {
	var s *Set[uint64]

	BeforeEach(func() {
		s = NewSet[uint64](4)
	})

	It("should fill empty ways first", func() {
		for i := 0; i < 4; i++ {
			way, occupied := s.Victim()
			Expect(occupied).To(BeFalse())
			s.Update(way, uint64(i))
			s.Visit(way)
		}

		way, occupied := s.Victim()
		Expect(occupied).To(BeTrue())
		Expect(way).To(Equal(0))
		Expect(s.Len()).To(Equal(4))
	})

	It("should keep a total LRU order", func() {
		for i := 0; i < 4; i++ {
			s.Update(i, uint64(i))
			s.Visit(i)
		}

		s.Visit(1)
		s.Visit(0)

		Expect(s.LRUOrder()).To(Equal([]int{2, 3, 1, 0}))
		Expect(s.LastVisit(0)).To(BeNumerically(">", s.LastVisit(1)))
	})

	It("should move invalidated ways to the LRU end", func() {
		for i := 0; i < 4; i++ {
			s.Update(i, uint64(i))
			s.Visit(i)
		}

		s.Invalidate(2)

		Expect(s.LRUOrder()).To(Equal([]int{2, 0, 1, 3}))
		way, occupied := s.Victim()
		Expect(way).To(Equal(2))
		Expect(occupied).To(BeFalse())

		_, valid := s.Item(2)
		Expect(valid).To(BeFalse())
	})

	It("should reset", func() {
		s.Update(3, 9)
		s.Visit(3)
		s.Reset()

		Expect(s.Len()).To(Equal(0))
		Expect(s.LRUOrder()).To(Equal([]int{0, 1, 2, 3}))
	})
})

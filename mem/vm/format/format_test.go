package format_test

import (
	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/hvmmu/mem/vm/format"
)

var _ = Describe("Geometry", func() {
	It("should cover the address width with its levels", func() {
		for _, f := range format.All() {
			g := f.Geometry()
			if !g.IsPaged() {
				continue
			}

			Expect(uint(g.Levels)*g.VPNBitsPerLevel + 12).
				To(Equal(g.AddressBits), f.String())
			Expect(g.PageSizeAt(g.Levels - 1)).To(Equal(g.MaxPageSize))
		}
	})

	It("should describe Sv39", func() {
		want := format.Geometry{
			AddressBits:       39,
			HostAddressBits:   56,
			Levels:            3,
			VPNBitsPerLevel:   9,
			EntriesPerTable:   512,
			PTESize:           8,
			MaxPageSize:       1 << 30,
			SupportsHugePages: true,
		}

		Expect(cmp.Diff(want, format.Sv39.Geometry())).To(BeEmpty())
	})

	It("should use 4-byte entries for Sv32", func() {
		g := format.Sv32.Geometry()
		Expect(g.PTESize).To(Equal(uint64(4)))
		Expect(g.TableSize()).To(Equal(uint64(4096)))
		Expect(g.MaxPageSize).To(Equal(uint64(4 << 20)))
	})

	It("should treat bare as unbounded", func() {
		g := format.Bare.Geometry()
		Expect(g.Levels).To(Equal(0))
		Expect(g.IsValidGuestAddress(^uint64(0))).To(BeTrue())
	})

	It("should bound guest addresses", func() {
		g := format.Sv39.Geometry()
		Expect(g.IsValidGuestAddress(1<<39 - 1)).To(BeTrue())
		Expect(g.IsValidGuestAddress(1 << 39)).To(BeFalse())
	})

	It("should extract VPNs", func() {
		g := format.Sv39.Geometry()
		addr := uint64(0x1)<<30 | uint64(0x2)<<21 | uint64(0x3)<<12 | 0x45
		Expect(g.VPN(addr, 2)).To(Equal(uint64(1)))
		Expect(g.VPN(addr, 1)).To(Equal(uint64(2)))
		Expect(g.VPN(addr, 0)).To(Equal(uint64(3)))
		Expect(g.OffsetMask(1)).To(Equal(uint64(1<<21 - 1)))
	})
})

var _ = Describe("Mode", func() {
	It("should convert between modes and formats", func() {
		for _, f := range format.All() {
			Expect(format.ModeOf(f).Format()).To(Equal(f))
		}
	})

	It("should use the architectural encodings", func() {
		Expect(format.ModeOf(format.Sv39).Bits()).To(Equal(uint64(8)))
		Expect(format.ModeOf(format.Sv48).Bits()).To(Equal(uint64(9)))
	})

	It("should reject unknown encodings", func() {
		_, ok := format.ModeFromBits(5)
		Expect(ok).To(BeFalse())

		_, ok = format.ModeFromBits(0x108)
		Expect(ok).To(BeFalse())

		m, ok := format.ModeFromBits(10)
		Expect(ok).To(BeTrue())
		Expect(m).To(Equal(format.ModeSv57x4))
	})

	It("should parse names", func() {
		f, err := format.Parse("Sv48")
		Expect(err).NotTo(HaveOccurred())
		Expect(f).To(Equal(format.Sv48))

		_, err = format.Parse("Sv64")
		Expect(err).To(MatchError(format.ErrUnknownFormat))
	})
})

var _ = Describe("Detector", func() {
	var (
		mockCtrl *gomock.Controller
		caps     *MockCapabilities
		detector *format.Detector
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		caps = NewMockCapabilities(mockCtrl)
		caps.EXPECT().CurrentFormat().Return(format.Bare, false)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should pick the most capable format", func() {
		caps.EXPECT().SupportedFormats().
			Return(format.MaskOf(format.Sv39, format.Sv48)).AnyTimes()
		detector = format.NewDetector(caps)

		Expect(detector.Best()).To(Equal(format.Sv48))
	})

	It("should fall back to bare", func() {
		caps.EXPECT().SupportedFormats().Return(format.Mask(0)).AnyTimes()
		detector = format.NewDetector(caps)

		Expect(detector.Best()).To(Equal(format.Bare))
		Expect(detector.IsSupported(format.Bare)).To(BeTrue())
	})

	It("should refuse to switch to unsupported formats", func() {
		caps.EXPECT().SupportedFormats().
			Return(format.MaskOf(format.Sv39)).AnyTimes()
		detector = format.NewDetector(caps)

		err := detector.Switch(format.Sv57)
		Expect(err).To(MatchError(format.ErrUnsupportedFormat))

		_, ok := detector.CurrentFormat()
		Expect(ok).To(BeFalse())

		Expect(detector.Switch(format.Sv39)).To(Succeed())
		cur, ok := detector.CurrentFormat()
		Expect(ok).To(BeTrue())
		Expect(cur).To(Equal(format.Sv39))
		Expect(detector.Stats().FormatSwitches).To(Equal(uint64(1)))
	})

	It("should auto detect the smallest covering format", func() {
		caps.EXPECT().SupportedFormats().
			Return(format.MaskOf(format.Sv32, format.Sv39, format.Sv48)).
			AnyTimes()
		detector = format.NewDetector(caps)

		Expect(detector.AutoDetect(1<<32, 1<<34)).To(Equal(format.Sv32))
		Expect(detector.AutoDetect(1<<36, 1<<40)).To(Equal(format.Sv39))
		Expect(detector.AutoDetect(1<<47, 1<<40)).To(Equal(format.Sv48))
		Expect(detector.AutoDetect(1<<56, 1<<40)).To(Equal(format.Sv48))
	})

	It("should resolve unknown mode bits through the fallback order", func() {
		caps.EXPECT().SupportedFormats().
			Return(format.MaskOf(format.Sv39)).AnyTimes()
		detector = format.NewDetector(caps)

		Expect(detector.ModeFromBits(3)).To(Equal(format.ModeSv39x4))
		Expect(detector.ModeFromBits(10)).To(Equal(format.ModeSv39x4))
		Expect(detector.ModeFromBits(8)).To(Equal(format.ModeSv39x4))
		Expect(detector.Stats().FallbackResolutions).To(Equal(uint64(2)))
	})
})

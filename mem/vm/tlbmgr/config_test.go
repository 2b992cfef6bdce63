package tlbmgr_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/sarchlab/hvmmu/mem/vm/tlbmgr"
)

var _ = Describe("Config", func() {
	It("should parse strategy names", func() {
		for _, name := range []string{"none", "LRU", "mru", "lfu", "Random", "adaptive"} {
			s, err := tlbmgr.ParseStrategy(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.String()).To(Equal(strings.ToLower(name)))
		}

		_, err := tlbmgr.ParseStrategy("fifo")
		Expect(err).To(HaveOccurred())
	})

	It("should decode strategies from text", func() {
		var s tlbmgr.Strategy

		Expect(s.UnmarshalText([]byte("lfu"))).To(Succeed())
		Expect(s).To(Equal(tlbmgr.StrategyLFU))

		text, err := s.MarshalText()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(text)).To(Equal("lfu"))
	})

	It("should clamp and log invalid settings", func() {
		logger, hook := logtest.NewNullLogger()

		cfg := tlbmgr.DefaultConfig()
		cfg.GStage.Sets = 0
		cfg.Prefetch.QueueSize = -1
		cfg.Coalescing.MaxMergeFraction = 3
		cfg.Coalescing.MaxCoalescedSize = 3000
		cfg.Monitor.SampleEvery = 0

		m := tlbmgr.MakeBuilder().
			WithConfig(cfg).
			WithLogger(logger).
			Build("TLBManager")

		got := m.Config()
		Expect(got.GStage.Sets).To(Equal(32))
		Expect(got.Prefetch.QueueSize).To(Equal(32))
		Expect(got.Coalescing.MaxMergeFraction).To(Equal(1.0))
		Expect(got.Coalescing.MaxCoalescedSize).To(Equal(uint64(128 << 10)))
		Expect(got.Monitor.SampleEvery).To(Equal(uint64(1024)))
		Expect(m.GStage().NumSets()).To(Equal(32))

		Expect(hook.AllEntries()).To(HaveLen(5))
		for _, e := range hook.AllEntries() {
			Expect(e.Level).To(Equal(logrus.WarnLevel))
		}
	})

	It("should switch strategies at run time", func() {
		m := tlbmgr.MakeBuilder().WithLogger(quietLogger()).Build("TLBManager")

		m.SetStrategy(tlbmgr.StrategyMRU)

		Expect(m.Config().Strategy).To(Equal(tlbmgr.StrategyMRU))
	})
})

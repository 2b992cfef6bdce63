package hooking_test

import (
	"bytes"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hvmmu/hooking"
)

type domain struct {
	hooking.HookableBase
}

func (d *domain) Name() string { return "Domain" }

var (
	posA = &hooking.HookPos{Name: "A"}
	posB = &hooking.HookPos{Name: "B"}
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

var _ = Describe("HookableBase", func() {
	It("should invoke hooks in registration order", func() {
		d := &domain{}
		var order []int

		d.AcceptHook(hooking.NewHookFunc(func(hooking.HookCtx) {
			order = append(order, 1)
		}))
		d.AcceptHook(hooking.NewHookFunc(func(hooking.HookCtx) {
			order = append(order, 2)
		}))

		d.InvokeHook(hooking.HookCtx{Domain: d, Pos: posA})

		Expect(order).To(Equal([]int{1, 2}))
		Expect(d.NumHooks()).To(Equal(2))
	})

	It("should reject duplicated hooks", func() {
		d := &domain{}
		h := hooking.NewCountTracer()
		d.AcceptHook(h)

		Expect(func() { d.AcceptHook(h) }).To(Panic())
	})
})

var _ = Describe("CountTracer", func() {
	It("should count positions", func() {
		d := &domain{}
		t := hooking.NewCountTracer()
		d.AcceptHook(t)

		d.InvokeHook(hooking.HookCtx{Domain: d, Pos: posA})
		d.InvokeHook(hooking.HookCtx{Domain: d, Pos: posB})
		d.InvokeHook(hooking.HookCtx{Domain: d, Pos: posA})

		Expect(t.Names()).To(Equal([]string{"A", "B"}))
		Expect(t.Count("A")).To(Equal(uint64(2)))
		Expect(t.Count("C")).To(BeZero())
	})
})

var _ = Describe("TranslationTracer", func() {
	It("should write one line per invocation", func() {
		d := &domain{}
		buf := bytes.NewBuffer(nil)
		t := hooking.NewTranslationTracer(buf)
		d.AcceptHook(t)

		d.InvokeHook(hooking.HookCtx{Domain: d, Pos: posA, Item: 0x1000})

		fields := strings.Split(strings.TrimSpace(buf.String()), ",")
		Expect(fields).To(HaveLen(4))
		Expect(fields[1:]).To(Equal([]string{"Domain", "A", "4096"}))
	})

	It("should stop after a write error", func() {
		d := &domain{}
		t := hooking.NewTranslationTracer(failingWriter{})
		d.AcceptHook(t)

		d.InvokeHook(hooking.HookCtx{Domain: d, Pos: posA})
		d.InvokeHook(hooking.HookCtx{Domain: d, Pos: posA})

		Expect(t.Err()).To(MatchError("disk full"))
	})
})

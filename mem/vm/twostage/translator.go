// Package twostage composes the guest's stage-1 translation with the
// G-stage translation of its VM.
package twostage

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/hooking"
	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/gstage"
	"github.com/sarchlab/hvmmu/mem/vm/tlb"
)

// Hook positions of a Translator.
var (
	// HookPosTranslate is hit after a successful translation. The item is
	// the GVA and the detail is the Result.
	HookPosTranslate = &hooking.HookPos{Name: "TwoStage Translate"}
	// HookPosFault is hit when either stage fails. The item is the GVA and
	// the detail is the *Error.
	HookPosFault = &hooking.HookPos{Name: "TwoStage Fault"}
)

// A NestedTLB caches combined translations.
type NestedTLB interface {
	LookupNested(gva uint64, asid vm.ASID, vmid vm.VMID) (tlb.Entry, bool)
	InsertRegular(e tlb.Entry)
	DrainGuestPrefetches(vmid vm.VMID, asid vm.ASID, fill func(gva uint64)) int
}

// Result is a successful two-stage translation.
type Result struct {
	Stage1 Stage1Result
	GStage gstage.Result

	HostPhysAddr uint64
	// Permissions is what both stages grant.
	Permissions vm.Permissions
	PageSize    uint64
	// TLBHit is set when a cached nested translation served the request.
	// Stage1 and GStage are then rebuilt from the cached entry.
	TLBHit bool
}

// A Translator translates guest virtual addresses of one VM to host
// physical addresses.
type Translator struct {
	hooking.HookableBase

	name   string
	stage1 Stage1Translator
	gstage *gstage.Translator
	tlb    NestedTLB
	log    logrus.FieldLogger
}

// Name returns the name of the translator.
func (t *Translator) Name() string {
	return t.name
}

// GStage returns the G-stage translator of the VM.
func (t *Translator) GStage() *gstage.Translator {
	return t.gstage
}

// Translate translates gva in the address space of guestRootPtr, a vsatp
// value. A failure is an *Error.
func (t *Translator) Translate(gva, guestRootPtr uint64) (Result, error) {
	res, err := t.translate(gva, guestRootPtr)
	if err != nil {
		t.log.WithError(err).Debug("two-stage translation failed")

		if t.NumHooks() > 0 {
			t.invoke(HookPosFault, gva, err)
		}

		return Result{}, err
	}

	if t.NumHooks() > 0 {
		t.invoke(HookPosTranslate, gva, res)
	}

	return res, nil
}

func (t *Translator) translate(gva, guestRootPtr uint64) (Result, error) {
	asid := ASIDOf(guestRootPtr)
	vmid := t.gstage.VMID()

	if t.tlb != nil {
		if e, ok := t.tlb.LookupNested(gva, asid, vmid); ok {
			return fromEntry(gva, &e), nil
		}
	}

	r1, err := t.stage1.TranslateGVA(gva, guestRootPtr)
	if err != nil {
		return Result{}, &Error{Kind: KindStage1Fault, GVA: gva, Err: err}
	}

	if r1.PageSize == 0 {
		r1.PageSize = vm.PageSize
	}

	if !vm.IsPowerOfTwo(r1.PageSize) || r1.PageSize < vm.PageSize {
		return Result{}, &Error{
			Kind: KindInvalidAddress,
			GVA:  gva,
			GPA:  r1.GPA,
			Err:  fmt.Errorf("stage-1 page size 0x%x", r1.PageSize),
		}
	}

	r2, err := t.gstage.Translate(r1.GPA)
	if err != nil {
		kind := KindGStageFault

		var fe *gstage.FaultError
		if errors.As(err, &fe) &&
			fe.Fault == gstage.FaultInvalidAddress && fe.Level < 0 {
			kind = KindInvalidAddress
		}

		return Result{}, &Error{
			Kind:  kind,
			GVA:   gva,
			GPA:   r1.GPA,
			Fault: gstage.FaultOf(err),
			Err:   err,
		}
	}

	res := Result{
		Stage1:       r1,
		GStage:       r2,
		HostPhysAddr: r2.HostPhysAddr,
		Permissions:  r1.Permissions & r2.Permissions,
		PageSize:     min(r1.PageSize, r2.PageSize),
	}

	if t.tlb != nil {
		t.tlb.InsertRegular(tlb.Entry{
			Addr:             vm.AlignDown(gva, res.PageSize),
			PhysAddr:         vm.AlignDown(res.HostPhysAddr, res.PageSize),
			IntermediateAddr: vm.AlignDown(r1.GPA, res.PageSize),
			ASID:             asid,
			VMID:             vmid,
			PageSize:         res.PageSize,
			Permissions:      res.Permissions,
			Kind:             tlb.KindNested,
		})
	}

	return res, nil
}

func fromEntry(gva uint64, e *tlb.Entry) Result {
	off := gva & (e.PageSize - 1)

	return Result{
		Stage1: Stage1Result{
			GPA:         e.IntermediateAddr | off,
			Permissions: e.Permissions,
			PageSize:    e.PageSize,
		},
		GStage: gstage.Result{
			HostPhysAddr: e.PhysAddr | off,
			Permissions:  e.Permissions,
			PageSize:     e.PageSize,
			CacheHit:     true,
			TLBHit:       true,
		},
		HostPhysAddr: e.Translate(gva),
		Permissions:  e.Permissions,
		PageSize:     e.PageSize,
		TLBHit:       true,
	}
}

// ProcessPrefetches serves the queued stage-1 prefetch requests of the
// address space of guestRootPtr. Faults are dropped.
func (t *Translator) ProcessPrefetches(guestRootPtr uint64) int {
	if t.tlb == nil {
		return 0
	}

	return t.tlb.DrainGuestPrefetches(t.gstage.VMID(), ASIDOf(guestRootPtr),
		func(gva uint64) {
			_, _ = t.translate(gva, guestRootPtr)
		})
}

func (t *Translator) invoke(pos *hooking.HookPos, item, detail any) {
	t.InvokeHook(hooking.HookCtx{
		Domain: t,
		Pos:    pos,
		Item:   item,
		Detail: detail,
	})
}

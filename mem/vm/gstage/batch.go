package gstage

import "github.com/sarchlab/hvmmu/mem/vm"

// BatchLookahead is the number of distinct pages a batch walk preloads
// ahead of the address that missed.
const BatchLookahead = 8

// A BatchResult is the outcome of one address of a batch. Err is a
// *FaultError when the translation failed.
type BatchResult struct {
	GPA    uint64
	Result Result
	Err    error
}

// TranslateBatch translates gpas in order. When an address has to be walked,
// the next BatchLookahead distinct pages of the batch are installed in the
// software TLB first, so that they hit when their turn comes. A fault only
// affects its own address.
func (t *Translator) TranslateBatch(gpas []uint64) []BatchResult {
	out := make([]BatchResult, len(gpas))
	preloaded := make(map[uint64]struct{})

	for i, gpa := range gpas {
		res, err := t.Translate(gpa)
		out[i] = BatchResult{GPA: gpa, Result: res, Err: err}

		if err == nil && !res.CacheHit {
			t.preload(gpa, res.PageSize, gpas[i+1:], preloaded)
		}
	}

	return out
}

// preload skips the addresses the walked page of gpa already covers.
func (t *Translator) preload(
	gpa, size uint64,
	next []uint64,
	preloaded map[uint64]struct{},
) {
	if t.tlb == nil {
		return
	}

	walked := vm.AlignDown(gpa, size)

	n := 0
	for _, addr := range next {
		if n == BatchLookahead {
			return
		}

		if vm.AlignDown(addr, size) == walked {
			continue
		}

		page := vm.AlignDown(addr, vm.PageSize)
		if _, ok := preloaded[page]; ok {
			continue
		}

		preloaded[page] = struct{}{}
		t.Prefetch(page)
		n++
	}
}

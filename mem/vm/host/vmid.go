package host

import (
	"math/bits"

	"github.com/sarchlab/hvmmu/mem/vm"
)

// MaxVMID is the largest VMID hgatp can hold.
const MaxVMID = vm.VMID(1<<14 - 1)

// DefaultMaxVMID is the number of VMIDs handed out when not configured.
const DefaultMaxVMID = vm.VMID(4095)

// vmidPool hands out VMIDs 1 to max. VMID 0 belongs to the host.
type vmidPool struct {
	words []uint64
	max   vm.VMID
	used  int
}

func newVMIDPool(max vm.VMID) *vmidPool {
	p := &vmidPool{
		words: make([]uint64, int(max)/64+1),
		max:   max,
	}
	p.words[0] = 1

	return p
}

func (p *vmidPool) alloc() (vm.VMID, bool) {
	for i, w := range p.words {
		if w == ^uint64(0) {
			continue
		}

		id := vm.VMID(i*64 + bits.TrailingZeros64(^w))
		if id > p.max {
			return 0, false
		}

		p.words[i] |= 1 << (id % 64)
		p.used++

		return id, true
	}

	return 0, false
}

func (p *vmidPool) free(id vm.VMID) {
	if id == 0 || id > p.max || !p.inUse(id) {
		return
	}

	p.words[id/64] &^= 1 << (id % 64)
	p.used--
}

func (p *vmidPool) inUse(id vm.VMID) bool {
	if id > p.max {
		return false
	}

	return p.words[id/64]&(1<<(id%64)) != 0
}

// available returns the number of VMIDs that can still be handed out.
func (p *vmidPool) available() int {
	return int(p.max) - p.used
}

package pagetable

import (
	"fmt"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/memory"
)

// A Builder can build page tables.
type Builder struct {
	mem        memory.Memory
	format     format.Format
	root       uint64
	frameBase  uint64
	frameLimit uint64
}

// MakeBuilder returns a Builder with an Sv39 layout.
func MakeBuilder() Builder {
	return Builder{
		format: format.Sv39,
	}
}

// WithMemory sets the memory the tables are written to.
func (b Builder) WithMemory(m memory.Memory) Builder {
	b.mem = m
	return b
}

// WithFormat sets the layout of the tables.
func (b Builder) WithFormat(f format.Format) Builder {
	b.format = f
	return b
}

// WithRoot sets the physical address of the root table.
func (b Builder) WithRoot(addr uint64) Builder {
	b.root = addr
	return b
}

// WithFrameRange sets the physical range [base, limit) that non-root tables
// are allocated from. By default the range starts right after the root table
// and spans 1024 tables.
func (b Builder) WithFrameRange(base, limit uint64) Builder {
	b.frameBase = base
	b.frameLimit = limit

	return b
}

// Build creates the table and clears the root.
func (b Builder) Build() (*Table, error) {
	if b.mem == nil {
		panic("page table memory is not set")
	}

	g := b.format.Geometry()
	if !g.IsPaged() {
		return nil, fmt.Errorf("%w: %s", ErrNotPaged, b.format)
	}

	if !vm.IsAligned(b.root, vm.PageSize) {
		return nil, fmt.Errorf("%w: root 0x%x", ErrMisaligned, b.root)
	}

	t := &Table{
		mem:       b.mem,
		format:    b.format,
		geometry:  g,
		root:      b.root,
		numTables: 1,
	}

	t.nextFrame, t.lastFrame = b.frameBase, b.frameLimit
	if t.lastFrame == 0 {
		t.nextFrame = b.root + g.TableSize()
		t.lastFrame = t.nextFrame + 1024*g.TableSize()
	}

	if err := t.clearTable(t.root); err != nil {
		return nil, err
	}

	return t, nil
}

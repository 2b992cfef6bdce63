// Package pagetable writes radix page tables into physical memory so that the
// G-stage walker has real tables to translate with.
package pagetable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/memory"
)

// Errors returned when editing a table.
var (
	ErrNotPaged       = errors.New("format does not use page tables")
	ErrMisaligned     = errors.New("address is not aligned to the page size")
	ErrBadPageSize    = errors.New("page size is not supported by the format")
	ErrAlreadyMapped  = errors.New("address is already mapped")
	ErrNotMapped      = errors.New("address is not mapped")
	ErrOutOfFrames    = errors.New("no free frame for a page table")
	ErrAddressInvalid = errors.New("address outside of the format range")
	ErrNoLeafAccess   = errors.New("leaf must grant read, write or execute")
)

// A Table is the page table of one guest physical address space.
type Table struct {
	lock sync.Mutex

	mem       memory.Memory
	format    format.Format
	geometry  format.Geometry
	root      uint64
	nextFrame uint64
	lastFrame uint64
	numTables int
}

// Root returns the physical address of the root table.
func (t *Table) Root() uint64 {
	return t.root
}

// Format returns the format the table is laid out in.
func (t *Table) Format() format.Format {
	return t.format
}

// NumTables returns the number of table pages in use, root included.
func (t *Table) NumTables() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.numTables
}

func (t *Table) readPTE(addr uint64) (vm.PTE, error) {
	if t.geometry.PTESize == 4 {
		v, err := t.mem.Read32(addr)
		return vm.PTE(v), err
	}

	v, err := t.mem.Read64(addr)

	return vm.PTE(v), err
}

func (t *Table) writePTE(addr uint64, pte vm.PTE) error {
	if t.geometry.PTESize == 4 {
		return t.mem.Write32(addr, uint32(pte))
	}

	return t.mem.Write64(addr, uint64(pte))
}

func (t *Table) clearTable(addr uint64) error {
	return t.mem.Write(addr, make([]byte, t.geometry.TableSize()))
}

func (t *Table) allocTable() (uint64, error) {
	size := t.geometry.TableSize()
	if t.nextFrame+size > t.lastFrame || t.nextFrame+size < t.nextFrame {
		return 0, ErrOutOfFrames
	}

	frame := t.nextFrame
	if err := t.clearTable(frame); err != nil {
		return 0, err
	}

	t.nextFrame += size
	t.numTables++

	return frame, nil
}

func (t *Table) levelOf(pageSize uint64) (int, error) {
	for level := 0; level < t.geometry.Levels; level++ {
		if t.geometry.PageSizeAt(level) != pageSize {
			continue
		}

		if level > 0 && !t.geometry.SupportsHugePages {
			break
		}

		return level, nil
	}

	return 0, fmt.Errorf("%w: 0x%x in %s", ErrBadPageSize, pageSize, t.format)
}

func (t *Table) checkAddresses(gpa, hpa, pageSize uint64) error {
	if !vm.IsAligned(gpa, pageSize) || !vm.IsAligned(hpa, pageSize) {
		return fmt.Errorf("%w: gpa 0x%x hpa 0x%x size 0x%x",
			ErrMisaligned, gpa, hpa, pageSize)
	}

	if !t.geometry.IsValidGuestAddress(gpa+pageSize-1) ||
		!t.geometry.IsValidHostAddress(hpa+pageSize-1) {
		return fmt.Errorf("%w: gpa 0x%x hpa 0x%x", ErrAddressInvalid, gpa, hpa)
	}

	return nil
}

// Insert maps a single page of pageSize bytes at gpa to hpa.
func (t *Table) Insert(gpa, hpa, pageSize uint64, perms vm.Permissions) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.insert(gpa, hpa, pageSize, perms)
}

func (t *Table) insert(gpa, hpa, pageSize uint64, perms vm.Permissions) error {
	target, err := t.levelOf(pageSize)
	if err != nil {
		return err
	}

	if err := t.checkAddresses(gpa, hpa, pageSize); err != nil {
		return err
	}

	if !perms.IsLeaf() {
		return ErrNoLeafAccess
	}

	table := t.root
	for level := t.geometry.Levels - 1; level > target; level-- {
		entryAddr := table + t.geometry.VPN(gpa, level)*t.geometry.PTESize

		pte, err := t.readPTE(entryAddr)
		if err != nil {
			return err
		}

		if !pte.Valid() {
			frame, err := t.allocTable()
			if err != nil {
				return err
			}

			err = t.writePTE(entryAddr, vm.MakeBranchPTE(frame>>vm.PageShift))
			if err != nil {
				return err
			}

			table = frame

			continue
		}

		if pte.IsLeaf() {
			return fmt.Errorf("%w: 0x%x inside a level %d page",
				ErrAlreadyMapped, gpa, level)
		}

		table = pte.PhysAddr()
	}

	entryAddr := table + t.geometry.VPN(gpa, target)*t.geometry.PTESize

	existing, err := t.readPTE(entryAddr)
	if err != nil {
		return err
	}

	if existing.Valid() {
		return fmt.Errorf("%w: 0x%x", ErrAlreadyMapped, gpa)
	}

	return t.writePTE(entryAddr, vm.MakeLeafPTE(hpa>>vm.PageShift, perms))
}

// Map maps length bytes at gpa to hpa, using the largest page that fits at
// every step.
func (t *Table) Map(gpa, hpa, length uint64, perms vm.Permissions) error {
	if !vm.IsAligned(gpa|hpa|length, vm.PageSize) {
		return fmt.Errorf("%w: gpa 0x%x hpa 0x%x length 0x%x",
			ErrMisaligned, gpa, hpa, length)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	for mapped := uint64(0); mapped < length; {
		size := t.largestPage(gpa+mapped, hpa+mapped, length-mapped)

		if err := t.insert(gpa+mapped, hpa+mapped, size, perms); err != nil {
			return err
		}

		mapped += size
	}

	return nil
}

func (t *Table) largestPage(gpa, hpa, remaining uint64) uint64 {
	if !t.geometry.SupportsHugePages {
		return vm.PageSize
	}

	for level := t.geometry.Levels - 1; level > 0; level-- {
		size := t.geometry.PageSizeAt(level)
		if size <= remaining && vm.IsAligned(gpa|hpa, size) {
			return size
		}
	}

	return vm.PageSize
}

// leaf walks to the leaf covering gpa and returns the address of its entry.
func (t *Table) leaf(gpa uint64) (entryAddr uint64, pte vm.PTE, level int, err error) {
	if !t.geometry.IsValidGuestAddress(gpa) {
		return 0, 0, 0, fmt.Errorf("%w: 0x%x", ErrAddressInvalid, gpa)
	}

	table := t.root
	for level = t.geometry.Levels - 1; level >= 0; level-- {
		entryAddr = table + t.geometry.VPN(gpa, level)*t.geometry.PTESize

		pte, err = t.readPTE(entryAddr)
		if err != nil {
			return 0, 0, 0, err
		}

		if !pte.Valid() {
			break
		}

		if pte.IsLeaf() {
			return entryAddr, pte, level, nil
		}

		table = pte.PhysAddr()
	}

	return 0, 0, 0, fmt.Errorf("%w: 0x%x", ErrNotMapped, gpa)
}

// Remove unmaps the page that covers gpa and returns its size.
func (t *Table) Remove(gpa uint64) (uint64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	entryAddr, _, level, err := t.leaf(gpa)
	if err != nil {
		return 0, err
	}

	if err := t.writePTE(entryAddr, 0); err != nil {
		return 0, err
	}

	return t.geometry.PageSizeAt(level), nil
}

// Unmap removes every page in [gpa, gpa+length). Holes are skipped one base
// page at a time.
func (t *Table) Unmap(gpa, length uint64) (int, error) {
	removed := 0

	for addr := gpa; addr < gpa+length; {
		size, err := t.Remove(addr)
		if errors.Is(err, ErrNotMapped) {
			addr += vm.PageSize
			continue
		}

		if err != nil {
			return removed, err
		}

		removed++
		addr = vm.AlignDown(addr, size) + size
	}

	return removed, nil
}

// Update replaces the permissions of the page that covers gpa.
func (t *Table) Update(gpa uint64, perms vm.Permissions) error {
	if !perms.IsLeaf() {
		return ErrNoLeafAccess
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	entryAddr, pte, _, err := t.leaf(gpa)
	if err != nil {
		return err
	}

	return t.writePTE(entryAddr, vm.MakeLeafPTE(pte.PPN(), perms))
}

//go:build unix

package memory

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var _ Memory = (*MappedRegion)(nil)

// A MappedRegion is a window of host physical memory [Base, Base+Size)
// backed by an anonymous memory mapping of the host process.
type MappedRegion struct {
	lock sync.RWMutex
	base uint64
	mem  []byte
}

// NewMappedRegion maps size bytes that appear at physical address base. The
// size is rounded up to the host page size.
func NewMappedRegion(base, size uint64) (*MappedRegion, error) {
	pageSize := uint64(unix.Getpagesize())
	size = (size + pageSize - 1) / pageSize * pageSize

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes: %w", size, err)
	}

	return &MappedRegion{base: base, mem: mem}, nil
}

// Base returns the first physical address of the region.
func (r *MappedRegion) Base() uint64 {
	return r.base
}

// Size returns the number of mapped bytes.
func (r *MappedRegion) Size() uint64 {
	return uint64(len(r.mem))
}

// Close unmaps the region. Any later access fails.
func (r *MappedRegion) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil

	return err
}

func (r *MappedRegion) slice(address, length uint64) ([]byte, error) {
	if address < r.base {
		return nil, fmt.Errorf("%w: 0x%x below region base 0x%x",
			ErrOutOfRange, address, r.base)
	}

	off := address - r.base
	end := off + length
	if end < off || end > uint64(len(r.mem)) {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x)",
			ErrOutOfRange, address, address+length)
	}

	return r.mem[off:end], nil
}

// Read returns a copy of length bytes starting at address.
func (r *MappedRegion) Read(address, length uint64) ([]byte, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	b, err := r.slice(address, length)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), b...), nil
}

// Write copies data to address.
func (r *MappedRegion) Write(address uint64, data []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	b, err := r.slice(address, uint64(len(data)))
	if err != nil {
		return err
	}

	copy(b, data)

	return nil
}

// Read32 reads a little-endian 32-bit word.
func (r *MappedRegion) Read32(address uint64) (uint32, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	b, err := r.slice(address, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// Read64 reads a little-endian 64-bit word.
func (r *MappedRegion) Read64(address uint64) (uint64, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	b, err := r.slice(address, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// Write32 writes a little-endian 32-bit word.
func (r *MappedRegion) Write32(address uint64, v uint32) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	b, err := r.slice(address, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b, v)

	return nil
}

// Write64 writes a little-endian 64-bit word.
func (r *MappedRegion) Write64(address uint64, v uint64) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	b, err := r.slice(address, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(b, v)

	return nil
}

// Package memory provides byte-addressable physical memory backings that the
// page-table walker can read page-table entries from.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned when an access falls outside of a backing.
var ErrOutOfRange = errors.New(
	"accessing physical address beyond the storage capacity")

// A Storage keeps the data of the host physical memory.
//
// The storage implementation manages the storage in units. The unit is
// similar to the concept of page in memory management. For the units that
// are not touched by Write, no memory will be allocated and reads return
// zeros.
type Storage struct {
	lock     sync.RWMutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity.
func NewStorage(capacity uint64) *Storage {
	storage := new(Storage)

	storage.unitSize = 4096
	storage.capacity = capacity
	storage.data = make(map[uint64][]byte)

	return storage
}

// Capacity returns the number of addressable bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) checkRange(address, length uint64) error {
	end := address + length
	if end < address || end > s.capacity {
		return fmt.Errorf("%w: [0x%x, 0x%x)", ErrOutOfRange, address, end)
	}

	return nil
}

// getStorageUnit retrieves a storage unit. With create set, a missing unit
// is allocated, otherwise nil is returned for it.
func (s *Storage) getStorageUnit(address uint64, create bool) []byte {
	baseAddr, _ := s.parseAddress(address)

	unit, ok := s.data[baseAddr]
	if !ok && create {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr

	return
}

// Read returns length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	res := make([]byte, length)
	if err := s.ReadInto(address, res); err != nil {
		return nil, err
	}

	return res, nil
}

// ReadInto fills buf with the bytes starting at address.
func (s *Storage) ReadInto(address uint64, buf []byte) error {
	length := uint64(len(buf))
	if err := s.checkRange(address, length); err != nil {
		return err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	currAddr := address
	dataOffset := uint64(0)

	for dataOffset < length {
		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenLeftInUnit := baseAddr + s.unitSize - currAddr
		lenToRead := min(length-dataOffset, lenLeftInUnit)

		unit := s.getStorageUnit(currAddr, false)
		if unit == nil {
			clear(buf[dataOffset : dataOffset+lenToRead])
		} else {
			copy(buf[dataOffset:dataOffset+lenToRead],
				unit[inUnitAddr:inUnitAddr+lenToRead])
		}

		dataOffset += lenToRead
		currAddr += lenToRead
	}

	return nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	if err := s.checkRange(address, uint64(len(data))); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	currAddr := address
	dataOffset := uint64(0)

	for dataOffset < uint64(len(data)) {
		unit := s.getStorageUnit(currAddr, true)

		_, inUnitAddr := s.parseAddress(currAddr)
		lenLeftInData := uint64(len(data)) - dataOffset
		lenLeftInUnit := s.unitSize - inUnitAddr
		lenToWrite := min(lenLeftInData, lenLeftInUnit)

		copy(unit[inUnitAddr:inUnitAddr+lenToWrite],
			data[dataOffset:dataOffset+lenToWrite])
		dataOffset += lenToWrite
		currAddr += lenToWrite
	}

	return nil
}

// Read32 reads a little-endian 32-bit word.
func (s *Storage) Read32(address uint64) (uint32, error) {
	var buf [4]byte
	if err := s.ReadInto(address, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Read64 reads a little-endian 64-bit word.
func (s *Storage) Read64(address uint64) (uint64, error) {
	var buf [8]byte
	if err := s.ReadInto(address, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write32 writes a little-endian 32-bit word.
func (s *Storage) Write32(address uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)

	return s.Write(address, buf[:])
}

// Write64 writes a little-endian 64-bit word.
func (s *Storage) Write64(address uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)

	return s.Write(address, buf[:])
}

// NumAllocatedUnits returns how many units have been touched by writes.
func (s *Storage) NumAllocatedUnits() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.data)
}

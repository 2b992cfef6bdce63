package memory

// A Memory is a physical memory backing. The page-table walker only needs
// the word readers, while page-table construction also writes.
type Memory interface {
	Read(address uint64, length uint64) ([]byte, error)
	Write(address uint64, data []byte) error
	Read32(address uint64) (uint32, error)
	Read64(address uint64) (uint64, error)
	Write32(address uint64, v uint32) error
	Write64(address uint64, v uint64) error
}

var _ Memory = (*Storage)(nil)

// Package internal provides the per-set bookkeeping of a software TLB.
package internal

// A Set holds a fixed number of ways and keeps them in least-recently-used
// order. Empty ways always sit at the LRU end so that they are filled before
// any valid way is evicted.
type Set[T any] struct {
	blocks     []block[T]
	visitList  []int
	visitCount uint64
}

type block[T any] struct {
	valid     bool
	lastVisit uint64
	item      T
}

// NewSet creates a new set with numWays empty ways.
func NewSet[T any](numWays int) *Set[T] {
	s := &Set[T]{
		blocks:    make([]block[T], numWays),
		visitList: make([]int, numWays),
	}

	for i := range s.visitList {
		s.visitList[i] = i
	}

	return s
}

// NumWays returns the associativity of the set.
func (s *Set[T]) NumWays() int {
	return len(s.blocks)
}

// Item returns the item stored in a way. The boolean is false for an empty
// way.
func (s *Set[T]) Item(wayID int) (*T, bool) {
	b := &s.blocks[wayID]
	return &b.item, b.valid
}

// Update stores an item in a way and marks it valid. It does not change the
// LRU order.
func (s *Set[T]) Update(wayID int, item T) {
	b := &s.blocks[wayID]
	b.item = item
	b.valid = true
}

// Victim returns the way that the next fill should use, which is the least
// recently used one.
func (s *Set[T]) Victim() (wayID int, occupied bool) {
	wayID = s.visitList[0]
	return wayID, s.blocks[wayID].valid
}

// Visit makes a way the most recently used one.
func (s *Set[T]) Visit(wayID int) {
	s.visitCount++
	s.blocks[wayID].lastVisit = s.visitCount

	i := s.position(wayID)
	copy(s.visitList[i:], s.visitList[i+1:])
	s.visitList[len(s.visitList)-1] = wayID
}

// Invalidate empties a way and moves it to the LRU end.
func (s *Set[T]) Invalidate(wayID int) {
	var zero T

	b := &s.blocks[wayID]
	b.valid = false
	b.item = zero
	b.lastVisit = 0

	i := s.position(wayID)
	copy(s.visitList[1:i+1], s.visitList[:i])
	s.visitList[0] = wayID
}

func (s *Set[T]) position(wayID int) int {
	for i, w := range s.visitList {
		if w == wayID {
			return i
		}
	}

	panic("way not found in visit list")
}

// LRUOrder returns the way IDs from least to most recently used.
func (s *Set[T]) LRUOrder() []int {
	return append([]int(nil), s.visitList...)
}

// LastVisit returns the visit stamp of a way. Zero means never visited since
// the way was last filled or emptied.
func (s *Set[T]) LastVisit(wayID int) uint64 {
	return s.blocks[wayID].lastVisit
}

// Len returns the number of valid ways.
func (s *Set[T]) Len() int {
	n := 0
	for i := range s.blocks {
		if s.blocks[i].valid {
			n++
		}
	}

	return n
}

// Reset empties every way.
func (s *Set[T]) Reset() {
	clear(s.blocks)
	for i := range s.visitList {
		s.visitList[i] = i
	}

	s.visitCount = 0
}

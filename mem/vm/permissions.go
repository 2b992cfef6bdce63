package vm

import "strings"

// Permissions is a set of access rights. The bit layout matches the flag
// bits of a RISC-V page-table entry so that a PTE can be converted with a
// mask.
type Permissions uint8

// The permission bits.
const (
	PermRead Permissions = 1 << (iota + 1)
	PermWrite
	PermExecute
	PermUser
	PermGlobal
	PermAccessed
	PermDirty
)

// PermRWX grants read, write and execute.
const PermRWX = PermRead | PermWrite | PermExecute

// PermAll is every permission bit.
const PermAll = PermRWX | PermUser | PermGlobal | PermAccessed | PermDirty

// Has reports if every bit in q is also in p.
func (p Permissions) Has(q Permissions) bool {
	return p&q == q
}

// Intersect returns the permissions granted by both p and q.
func (p Permissions) Intersect(q Permissions) Permissions {
	return p & q
}

// SubsetOf reports if p grants nothing that q does not grant.
func (p Permissions) SubsetOf(q Permissions) bool {
	return p&^q == 0
}

// IsLeaf reports if any of R, W or X is set.
func (p Permissions) IsLeaf() bool {
	return p&PermRWX != 0
}

func (p Permissions) String() string {
	var sb strings.Builder

	flags := []struct {
		bit Permissions
		c   byte
	}{
		{PermRead, 'r'},
		{PermWrite, 'w'},
		{PermExecute, 'x'},
		{PermUser, 'u'},
		{PermGlobal, 'g'},
		{PermAccessed, 'a'},
		{PermDirty, 'd'},
	}

	for _, f := range flags {
		if p&f.bit != 0 {
			sb.WriteByte(f.c)
		} else {
			sb.WriteByte('-')
		}
	}

	return sb.String()
}

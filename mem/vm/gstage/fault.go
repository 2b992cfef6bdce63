package gstage

import (
	"errors"
	"fmt"

	"github.com/sarchlab/hvmmu/mem/vm"
)

// Fault classifies a failed G-stage translation.
type Fault uint8

// The G-stage faults.
const (
	FaultNone Fault = iota
	FaultPageNotFound
	FaultInvalidPte
	FaultPermissionDenied
	FaultInvalidAddress
)

// Sentinel errors, one per fault. A *FaultError matches its sentinel with
// errors.Is.
var (
	ErrPageNotFound     = errors.New("guest page not found")
	ErrInvalidPte       = errors.New("invalid page-table entry")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidAddress   = errors.New("invalid address")
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultPageNotFound:
		return "page not found"
	case FaultInvalidPte:
		return "invalid pte"
	case FaultPermissionDenied:
		return "permission denied"
	case FaultInvalidAddress:
		return "invalid address"
	default:
		return fmt.Sprintf("Fault(%d)", uint8(f))
	}
}

func (f Fault) sentinel() error {
	switch f {
	case FaultPageNotFound:
		return ErrPageNotFound
	case FaultInvalidPte:
		return ErrInvalidPte
	case FaultPermissionDenied:
		return ErrPermissionDenied
	case FaultInvalidAddress:
		return ErrInvalidAddress
	default:
		return nil
	}
}

// A FaultError reports where a G-stage translation failed.
type FaultError struct {
	Fault Fault
	Addr  uint64
	VMID  vm.VMID
	// Level is the walk level the fault was found at, or -1 when the walk
	// did not start.
	Level int
	// Err is the underlying cause, such as a memory read error.
	Err error
}

func (e *FaultError) Error() string {
	msg := fmt.Sprintf("gstage %s at gpa 0x%x (vmid %d", e.Fault, e.Addr, e.VMID)
	if e.Level >= 0 {
		msg += fmt.Sprintf(", level %d", e.Level)
	}

	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap returns the fault sentinel and the underlying cause.
func (e *FaultError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Fault.sentinel(); s != nil {
		errs = append(errs, s)
	}

	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}

// FaultOf returns the fault carried by err, or FaultNone.
func FaultOf(err error) Fault {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe.Fault
	}

	return FaultNone
}

func newFault(f Fault, gpa uint64, vmid vm.VMID, level int, cause error) error {
	return &FaultError{
		Fault: f,
		Addr:  gpa,
		VMID:  vmid,
		Level: level,
		Err:   cause,
	}
}

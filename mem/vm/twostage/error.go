package twostage

import (
	"errors"
	"fmt"

	"github.com/sarchlab/hvmmu/mem/vm/gstage"
)

// Kind tells which stage a translation failed in.
type Kind uint8

// The error kinds.
const (
	KindStage1Fault Kind = iota + 1
	KindGStageFault
	KindInvalidAddress
)

func (k Kind) String() string {
	switch k {
	case KindStage1Fault:
		return "stage-1 fault"
	case KindGStageFault:
		return "g-stage fault"
	case KindInvalidAddress:
		return "invalid address"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Sentinel errors, one per kind.
var (
	ErrStage1Fault    = errors.New("stage-1 fault")
	ErrGStageFault    = errors.New("g-stage fault")
	ErrInvalidAddress = errors.New("invalid guest address")
)

// An Error reports a failed two-stage translation. The guest sees a
// different trap depending on Kind.
type Error struct {
	Kind Kind
	GVA  uint64
	// GPA is set when stage 1 succeeded.
	GPA uint64
	// Fault is the G-stage fault, if the G-stage failed.
	Fault gstage.Fault
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s at gva 0x%x", e.Kind, e.GVA)
	if e.Kind != KindStage1Fault {
		msg += fmt.Sprintf(" (gpa 0x%x)", e.GPA)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap returns the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	var s error

	switch e.Kind {
	case KindStage1Fault:
		s = ErrStage1Fault
	case KindGStageFault:
		s = ErrGStageFault
	case KindInvalidAddress:
		s = ErrInvalidAddress
	}

	errs := make([]error, 0, 2)
	if s != nil {
		errs = append(errs, s)
	}

	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}

// Package kerr defines the error taxonomy that crosses the syscall
// boundary. Kernel-internal code passes these around as plain values the
// way biscuit's defs.Err_t does -- no wrapping, no error interface.
package kerr

import "fmt"

// Kind is the low-byte discriminant of a syscall error word (spec §4.7).
type Kind uint8

const (
	// Ok is the zero value: success.
	Ok Kind = 0

	InsufficientRights Kind = 1
	InvalidOperation   Kind = 2
	InvalidArgument    Kind = 3
	InvalidAccess      Kind = 4
	WouldBlock         Kind = 5
	UnknownSyscall     Kind = 6
	InvalidRecipient   Kind = 7
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case InsufficientRights:
		return "insufficient rights"
	case InvalidOperation:
		return "invalid operation"
	case InvalidArgument:
		return "invalid argument"
	case InvalidAccess:
		return "invalid access"
	case WouldBlock:
		return "would block"
	case UnknownSyscall:
		return "unknown syscall"
	case InvalidRecipient:
		return "invalid recipient"
	default:
		return "unknown error kind"
	}
}

// AccessMode distinguishes a failed read from a failed write when reporting
// InvalidAccess.
type AccessMode uint8

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// Err is a syscall-boundary error: a Kind plus a context word. For
// InsufficientRights/InvalidOperation/InvalidArgument the context is the
// offending argument index; for InvalidAccess it is the faulting address
// and mode packed by Context().
type Err struct {
	Kind    Kind
	Context uint64
}

// None is the zero value representing success.
var None = Err{Kind: Ok}

// IsOk reports whether e represents success.
func (e Err) IsOk() bool {
	return e.Kind == Ok
}

func (e Err) Error() string {
	if e.IsOk() {
		return "ok"
	}
	return fmt.Sprintf("%s (context=%#x)", e.Kind, e.Context)
}

// Arg builds an error for a bad argument at the given index.
func Arg(kind Kind, index int) Err {
	return Err{Kind: kind, Context: uint64(index)}
}

// Access builds an InvalidAccess error for the given mode and address.
func Access(mode AccessMode, addr uint64) Err {
	ctx := addr << 1
	if mode == AccessWrite {
		ctx |= 1
	}
	return Err{Kind: InvalidAccess, Context: ctx}
}

// DecodeAccess recovers the mode and address packed by Access.
func DecodeAccess(ctx uint64) (AccessMode, uint64) {
	mode := AccessRead
	if ctx&1 != 0 {
		mode = AccessWrite
	}
	return mode, ctx >> 1
}

// Word packs Err into the 64-bit error word returned in a0: low 8 bits are
// the Kind, the remaining 56 bits are Context truncated to fit.
func (e Err) Word() uint64 {
	return (uint64(e.Kind) & 0xff) | (e.Context << 8)
}

// FromWord unpacks a 64-bit error word back into an Err.
func FromWord(w uint64) Err {
	return Err{Kind: Kind(w & 0xff), Context: w >> 8}
}

package memory

import (
	"fmt"
	"strings"
)

// PageFaultErrorCode mirrors the error code pushed by the CPU on a page fault.
type PageFaultErrorCode uint64

const (
	// ProtectionViolation is set when the page was present but access was denied.
	ProtectionViolation PageFaultErrorCode = 1 << iota
	// CausedByWrite is set when the faulting access was a write.
	CausedByWrite
	// UserMode is set when the fault happened in user mode.
	UserMode
	// MalformedTable is set when a reserved bit was found in a table entry.
	MalformedTable
	// InstructionFetch is set when the fault was caused by an instruction fetch.
	InstructionFetch
)

// Has reports whether all bits in c are set.
func (e PageFaultErrorCode) Has(c PageFaultErrorCode) bool {
	return e&c == c
}

func (e PageFaultErrorCode) String() string {
	var parts []string
	if e.Has(ProtectionViolation) {
		parts = append(parts, "protection violation")
	} else {
		parts = append(parts, "non-present page")
	}
	if e.Has(CausedByWrite) {
		parts = append(parts, "write")
	} else {
		parts = append(parts, "read")
	}
	if e.Has(UserMode) {
		parts = append(parts, "user")
	}
	if e.Has(MalformedTable) {
		parts = append(parts, "reserved bit")
	}
	if e.Has(InstructionFetch) {
		parts = append(parts, "instruction fetch")
	}
	return strings.Join(parts, ", ")
}

// FaultError is returned when an access through an address space would
// fault on real hardware.
type FaultError struct {
	Addr   uint64
	Code   PageFaultErrorCode
	Reason string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("page fault at %#x (%s): %s", e.Addr, e.Code, e.Reason)
}

func newFault(addr uint64, code PageFaultErrorCode, reason string) *FaultError {
	return &FaultError{Addr: addr, Code: code, Reason: reason}
}

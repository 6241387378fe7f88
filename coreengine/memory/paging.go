package memory

import (
	"fmt"
	"strings"
)

const (
	// KernelBase is the first address of the shared kernel half.
	KernelBase uint64 = 0xffff_8000_0000_0000
	// UserTop is one past the last canonical user-half address.
	UserTop uint64 = 0x0000_8000_0000_0000

	pageLevels   = 4
	tableEntries = 512
	kernelIndex  = tableEntries / 2
)

// pageLevelShifts selects the table index bits for each level, top first.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// PageTableFlags describes the access rights of a mapping.
type PageTableFlags uint64

const (
	// Present is set on every live mapping.
	Present PageTableFlags = 1 << iota
	// Writable allows writes to the page.
	Writable
	// UserAccessible allows user-mode access to the page.
	UserAccessible
	// NoExecute forbids instruction fetches from the page.
	NoExecute PageTableFlags = 1 << 63
)

// Has reports whether all bits in f are set.
func (p PageTableFlags) Has(f PageTableFlags) bool {
	return p&f == f
}

func (p PageTableFlags) String() string {
	var parts []string
	if p.Has(Present) {
		parts = append(parts, "P")
	}
	if p.Has(Writable) {
		parts = append(parts, "W")
	}
	if p.Has(UserAccessible) {
		parts = append(parts, "U")
	}
	if p.Has(NoExecute) {
		parts = append(parts, "NX")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// pageTableEntry points either at the next table (levels 0-2) or at a frame.
type pageTableEntry struct {
	next  *pageTable
	frame Frame
	flags PageTableFlags
}

func (e *pageTableEntry) present() bool {
	return e.flags.Has(Present)
}

type pageTable struct {
	entries [tableEntries]pageTableEntry
}

// PageOf rounds addr down to its page.
func PageOf(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// IsCanonical reports whether addr falls in either half of the address space.
func IsCanonical(addr uint64) bool {
	return addr < UserTop || addr >= KernelBase
}

func tableIndex(addr uint64, level int) int {
	return int((addr >> pageLevelShifts[level]) & (tableEntries - 1))
}

// PageRange is a run of contiguous pages.
type PageRange struct {
	Start uint64 `json:"start"`
	Pages uint64 `json:"pages"`
}

// NewPageRange builds the smallest page range covering [start, end).
func NewPageRange(start, end uint64) PageRange {
	first := PageOf(start)
	if end <= start {
		return PageRange{Start: first}
	}
	last := PageOf(end - 1)
	return PageRange{Start: first, Pages: (last-first)/PageSize + 1}
}

// End returns one past the last address of the range.
func (r PageRange) End() uint64 {
	return r.Start + r.Pages*PageSize
}

// Bytes returns the size of the range.
func (r PageRange) Bytes() uint64 {
	return r.Pages * PageSize
}

// Contains reports whether addr lies in the range.
func (r PageRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Overlaps reports whether two ranges share a page.
func (r PageRange) Overlaps(o PageRange) bool {
	return r.Start < o.End() && o.Start < r.End()
}

func (r PageRange) String() string {
	return fmt.Sprintf("%#x-%#x (%d pages)", r.Start, r.End(), r.Pages)
}

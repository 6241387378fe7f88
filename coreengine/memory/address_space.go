package memory

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPageAlreadyMapped is returned when a map request hits a live mapping.
	ErrPageAlreadyMapped = errors.New("page already mapped")
	// ErrPageNotMapped is returned when a required mapping is missing.
	ErrPageNotMapped = errors.New("page not mapped")
	// ErrNonCanonical is returned for ranges outside both halves or spanning them.
	ErrNonCanonical = errors.New("non-canonical address range")
	// ErrReleased is returned when mapping into a released address space.
	ErrReleased = errors.New("address space released")
)

// kernelHalf guards the tables behind the upper 256 top-level entries.
// Every address space cloned from the same boot table points at one kernelHalf.
type kernelHalf struct {
	mu sync.RWMutex
}

// AddressSpace owns a top-level page table. The upper half is shared by
// reference with every other address space cloned from the same boot table;
// the lower half is private.
type AddressSpace struct {
	mem      *PhysicalMemory
	root     *pageTable
	kernel   *kernelHalf
	mu       sync.RWMutex
	released bool
}

// NewKernelAddressSpace creates the boot page table. All kernel-half
// second-level tables are created up front so that clones share them.
func NewKernelAddressSpace(mem *PhysicalMemory) *AddressSpace {
	root := &pageTable{}
	for i := kernelIndex; i < tableEntries; i++ {
		root.entries[i] = pageTableEntry{next: &pageTable{}, flags: Present | Writable}
	}
	return &AddressSpace{mem: mem, root: root, kernel: &kernelHalf{}}
}

// Memory returns the physical memory backing this address space.
func (as *AddressSpace) Memory() *PhysicalMemory {
	return as.mem
}

// CloneTopLevel returns a new address space with an independent top-level
// table that maps the kernel half identically and has an empty user half.
func (as *AddressSpace) CloneTopLevel() *AddressSpace {
	root := &pageTable{}
	as.kernel.mu.RLock()
	copy(root.entries[kernelIndex:], as.root.entries[kernelIndex:])
	as.kernel.mu.RUnlock()
	return &AddressSpace{mem: as.mem, root: root, kernel: as.kernel}
}

// SharesKernelWith reports whether both address spaces map the same kernel half.
func (as *AddressSpace) SharesKernelWith(other *AddressSpace) bool {
	return other != nil && as.kernel == other.kernel
}

func (as *AddressSpace) lockFor(addr uint64) *sync.RWMutex {
	if addr >= KernelBase {
		return &as.kernel.mu
	}
	return &as.mu
}

func checkRange(r PageRange) error {
	if r.Pages == 0 {
		return nil
	}
	end := r.End()
	if end <= r.Start {
		return fmt.Errorf("%w: %s wraps", ErrNonCanonical, r)
	}
	last := end - 1
	if r.Start < UserTop && last < UserTop {
		return nil
	}
	if r.Start >= KernelBase {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNonCanonical, r)
}

// walk returns the leaf entry for addr, creating intermediate tables when
// create is set. The caller holds the lock for addr's half.
func (as *AddressSpace) walk(addr uint64, create bool) *pageTableEntry {
	table := as.root
	for level := 0; level < pageLevels-1; level++ {
		e := &table.entries[tableIndex(addr, level)]
		if e.next == nil {
			if !create {
				return nil
			}
			e.next = &pageTable{}
			e.flags = Present | Writable | UserAccessible
		}
		table = e.next
	}
	return &table.entries[tableIndex(addr, pageLevels-1)]
}

// =============================================================================
// Mapping
// =============================================================================

// MapRange backs pages starting at start with freshly allocated frames.
// Fails with ErrPageAlreadyMapped if any page in the range is live, and
// leaves no partial mapping behind on any failure.
func (as *AddressSpace) MapRange(start, pages uint64, flags PageTableFlags) (PageRange, error) {
	r := PageRange{Start: PageOf(start), Pages: pages}
	if err := checkRange(r); err != nil {
		return r, err
	}

	mu := as.lockFor(r.Start)
	mu.Lock()
	defer mu.Unlock()

	if as.released && r.Start < UserTop {
		return r, ErrReleased
	}

	for va := r.Start; va < r.End(); va += PageSize {
		if e := as.walk(va, false); e != nil && e.present() {
			return r, fmt.Errorf("%w: %#x", ErrPageAlreadyMapped, va)
		}
	}

	mapped := make([]uint64, 0, pages)
	for va := r.Start; va < r.End(); va += PageSize {
		f, err := as.mem.AllocateFrame()
		if err != nil {
			as.unmapLocked(mapped)
			return r, fmt.Errorf("map %s: %w", r, err)
		}
		e := as.walk(va, true)
		*e = pageTableEntry{frame: f, flags: flags | Present}
		mapped = append(mapped, va)
	}
	return r, nil
}

func (as *AddressSpace) unmapLocked(pages []uint64) int {
	n := 0
	for _, va := range pages {
		e := as.walk(va, false)
		if e == nil || !e.present() {
			continue
		}
		as.mem.DeallocateFrame(e.frame)
		*e = pageTableEntry{}
		n++
	}
	return n
}

// UnmapRange removes every live mapping in r and frees its frames.
// Returns the number of pages unmapped.
func (as *AddressSpace) UnmapRange(r PageRange) int {
	if checkRange(r) != nil {
		return 0
	}
	mu := as.lockFor(r.Start)
	mu.Lock()
	defer mu.Unlock()

	pages := make([]uint64, 0, r.Pages)
	for va := r.Start; va < r.End(); va += PageSize {
		pages = append(pages, va)
	}
	return as.unmapLocked(pages)
}

// Translate returns the frame and flags mapped at addr.
func (as *AddressSpace) Translate(addr uint64) (Frame, PageTableFlags, bool) {
	if !IsCanonical(addr) {
		return 0, 0, false
	}
	mu := as.lockFor(addr)
	mu.RLock()
	defer mu.RUnlock()

	e := as.walk(addr, false)
	if e == nil || !e.present() {
		return 0, 0, false
	}
	return e.frame, e.flags, true
}

// IsMapped reports whether addr has a live mapping.
func (as *AddressSpace) IsMapped(addr uint64) bool {
	_, _, ok := as.Translate(addr)
	return ok
}

// =============================================================================
// Data Access
// =============================================================================

// access walks [addr, addr+n) page by page, checking that every page carries
// need, and hands each chunk to fn.
func (as *AddressSpace) access(addr uint64, n int, need PageTableFlags, code PageFaultErrorCode, fn func(f Frame, off, lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	if addr+uint64(n) < addr || !IsCanonical(addr) || !IsCanonical(addr+uint64(n)-1) {
		return newFault(addr, code, "address range is not canonical")
	}

	for done := 0; done < n; {
		va := addr + uint64(done)
		page := PageOf(va)
		off := int(va - page)
		chunk := min(PageSize-off, n-done)

		f, flags, ok := as.Translate(page)
		if !ok {
			return newFault(va, code, "page not mapped")
		}
		if !flags.Has(need) {
			return newFault(va, code|ProtectionViolation, fmt.Sprintf("page flags %s lack %s", flags, need))
		}
		if err := fn(f, off, done, done+chunk); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// ReadAt reads through the page table with kernel privileges.
func (as *AddressSpace) ReadAt(addr uint64, buf []byte) error {
	return as.access(addr, len(buf), Present, 0, func(f Frame, off, lo, hi int) error {
		return as.mem.ReadFrame(f, off, buf[lo:hi])
	})
}

// WriteAt writes through the page table with kernel privileges.
func (as *AddressSpace) WriteAt(addr uint64, data []byte) error {
	return as.access(addr, len(data), Present, CausedByWrite, func(f Frame, off, lo, hi int) error {
		return as.mem.WriteFrame(f, off, data[lo:hi])
	})
}

// CopyIn validates a user pointer and copies n bytes into a kernel buffer.
func (as *AddressSpace) CopyIn(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, newFault(addr, UserMode, "negative length")
	}
	if addr >= UserTop || addr+uint64(n) > UserTop {
		return nil, newFault(addr, UserMode, "pointer outside user space")
	}
	buf := make([]byte, n)
	err := as.access(addr, n, Present|UserAccessible, UserMode, func(f Frame, off, lo, hi int) error {
		return as.mem.ReadFrame(f, off, buf[lo:hi])
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// CheckUserWritable reports the fault a CopyOut of n bytes to addr would
// raise, without writing anything.
func (as *AddressSpace) CheckUserWritable(addr uint64, n int) error {
	if n < 0 {
		return newFault(addr, UserMode|CausedByWrite, "negative length")
	}
	if addr >= UserTop || addr+uint64(n) > UserTop {
		return newFault(addr, UserMode|CausedByWrite, "pointer outside user space")
	}
	return as.access(addr, n, Present|UserAccessible|Writable, UserMode|CausedByWrite, func(Frame, int, int, int) error {
		return nil
	})
}

// CopyOut validates a writable user pointer and copies data to it.
func (as *AddressSpace) CopyOut(addr uint64, data []byte) error {
	if addr >= UserTop || addr+uint64(len(data)) > UserTop {
		return newFault(addr, UserMode|CausedByWrite, "pointer outside user space")
	}
	return as.access(addr, len(data), Present|UserAccessible|Writable, UserMode|CausedByWrite, func(f Frame, off, lo, hi int) error {
		return as.mem.WriteFrame(f, off, data[lo:hi])
	})
}

// CopyPagesFrom copies the contents of pages mapped in src into pages
// already mapped here.
func (as *AddressSpace) CopyPagesFrom(src *AddressSpace, srcStart, dstStart, pages uint64) error {
	for i := uint64(0); i < pages; i++ {
		from := PageOf(srcStart) + i*PageSize
		to := PageOf(dstStart) + i*PageSize

		sf, _, ok := src.Translate(from)
		if !ok {
			return fmt.Errorf("copy source: %w: %#x", ErrPageNotMapped, from)
		}
		df, _, ok := as.Translate(to)
		if !ok {
			return fmt.Errorf("copy destination: %w: %#x", ErrPageNotMapped, to)
		}
		if err := as.mem.CopyFrame(df, sf); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Fork / Release
// =============================================================================

// visitUser calls fn for every live user-half leaf entry. The caller holds as.mu.
func (as *AddressSpace) visitUser(fn func(va uint64, e *pageTableEntry)) {
	for i := 0; i < kernelIndex; i++ {
		e := &as.root.entries[i]
		if e.next != nil {
			visitTable(e.next, 1, uint64(i)<<pageLevelShifts[0], fn)
		}
	}
}

func visitTable(t *pageTable, level int, base uint64, fn func(va uint64, e *pageTableEntry)) {
	for i := range t.entries {
		e := &t.entries[i]
		va := base | uint64(i)<<pageLevelShifts[level]
		if level == pageLevels-1 {
			if e.present() {
				fn(va, e)
			}
			continue
		}
		if e.next != nil {
			visitTable(e.next, level+1, va, fn)
		}
	}
}

// Fork returns a new address space that shares the kernel half and holds a
// private copy of every user page outside skip.
func (as *AddressSpace) Fork(skip ...PageRange) (*AddressSpace, error) {
	child := as.CloneTopLevel()

	as.mu.RLock()
	defer as.mu.RUnlock()

	if as.released {
		return nil, ErrReleased
	}

	var err error
	child.mu.Lock()
	as.visitUser(func(va uint64, e *pageTableEntry) {
		if err != nil {
			return
		}
		for _, r := range skip {
			if r.Contains(va) {
				return
			}
		}
		var f Frame
		if f, err = as.mem.AllocateFrame(); err != nil {
			err = fmt.Errorf("fork page %#x: %w", va, err)
			return
		}
		if err = as.mem.CopyFrame(f, e.frame); err != nil {
			as.mem.DeallocateFrame(f)
			return
		}
		*child.walk(va, true) = pageTableEntry{frame: f, flags: e.flags}
	})
	child.mu.Unlock()

	if err != nil {
		child.Release()
		return nil, err
	}
	return child, nil
}

// UserPages returns the number of mapped user-half pages.
func (as *AddressSpace) UserPages() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()

	var n uint64
	as.visitUser(func(uint64, *pageTableEntry) { n++ })
	return n
}

// Release frees every user-half frame and table. Safe to call repeatedly;
// returns the number of frames freed by this call.
func (as *AddressSpace) Release() int {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.released {
		return 0
	}
	n := 0
	as.visitUser(func(_ uint64, e *pageTableEntry) {
		as.mem.DeallocateFrame(e.frame)
		n++
	})
	for i := 0; i < kernelIndex; i++ {
		as.root.entries[i] = pageTableEntry{}
	}
	as.released = true
	return n
}

// Released reports whether Release has been called.
func (as *AddressSpace) Released() bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.released
}

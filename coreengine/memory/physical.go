// Package memory implements the address-space primitive driven by the
// process core.
//
// Physical memory is a fixed pool of 4 KiB frames whose contents are
// materialised on first write. Page tables are 4-level radix trees laid out
// the way amd64 hardware walks them (PML4, PDPT, PD, PT with 9 index bits per
// level). Every AddressSpace shares the kernel half of its top-level table by
// reference and owns its user half.
package memory

import (
	"errors"
	"fmt"
	"sync"
)

// PageSize is the size of a page and of a physical frame.
const PageSize = 4096

var (
	// ErrFramesExhausted is returned when no free physical frame is left.
	ErrFramesExhausted = errors.New("physical frames exhausted")
	// ErrInvalidFrame is returned for frames outside the pool.
	ErrInvalidFrame = errors.New("invalid physical frame")
)

// Frame is a physical frame number. Frame 0 is never handed out.
type Frame uint64

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() uint64 {
	return uint64(f) * PageSize
}

// FrameAllocator hands out and takes back physical frames.
type FrameAllocator interface {
	AllocateFrame() (Frame, error)
	DeallocateFrame(Frame)
}

// MemoryStats is a snapshot of frame usage.
type MemoryStats struct {
	TotalFrames int `json:"total_frames"`
	UsedFrames  int `json:"used_frames"`
	FreeFrames  int `json:"free_frames"`
}

// PhysicalMemory is a simulated pool of physical frames.
// Thread-safe; frames come back zeroed from AllocateFrame.
type PhysicalMemory struct {
	mu       sync.Mutex
	total    int
	next     Frame
	free     []Frame
	inUse    map[Frame]struct{}
	contents map[Frame][]byte
}

// NewPhysicalMemory creates a pool with the given number of frames.
func NewPhysicalMemory(frames int) *PhysicalMemory {
	if frames < 0 {
		frames = 0
	}
	return &PhysicalMemory{
		total:    frames,
		next:     1,
		free:     []Frame{},
		inUse:    make(map[Frame]struct{}),
		contents: make(map[Frame][]byte),
	}
}

// AllocateFrame returns a zeroed frame, reusing freed frames first.
func (pm *PhysicalMemory) AllocateFrame() (Frame, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var f Frame
	switch {
	case len(pm.free) > 0:
		f = pm.free[len(pm.free)-1]
		pm.free = pm.free[:len(pm.free)-1]
	case int(pm.next) <= pm.total:
		f = pm.next
		pm.next++
	default:
		return 0, ErrFramesExhausted
	}

	pm.inUse[f] = struct{}{}
	return f, nil
}

// DeallocateFrame returns a frame to the pool. Freeing a frame that is not
// allocated is ignored.
func (pm *PhysicalMemory) DeallocateFrame(f Frame) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.inUse[f]; !ok {
		return
	}
	delete(pm.inUse, f)
	delete(pm.contents, f)
	pm.free = append(pm.free, f)
}

// ReadFrame copies len(buf) bytes starting at offset within the frame.
func (pm *PhysicalMemory) ReadFrame(f Frame, offset int, buf []byte) error {
	if offset < 0 || offset+len(buf) > PageSize {
		return fmt.Errorf("read of %d bytes at offset %d exceeds frame", len(buf), offset)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.inUse[f]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidFrame, f)
	}
	data := pm.contents[f]
	if data == nil {
		clear(buf)
		return nil
	}
	copy(buf, data[offset:offset+len(buf)])
	return nil
}

// WriteFrame copies data into the frame starting at offset.
func (pm *PhysicalMemory) WriteFrame(f Frame, offset int, data []byte) error {
	if offset < 0 || offset+len(data) > PageSize {
		return fmt.Errorf("write of %d bytes at offset %d exceeds frame", len(data), offset)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.inUse[f]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidFrame, f)
	}
	page := pm.contents[f]
	if page == nil {
		page = make([]byte, PageSize)
		pm.contents[f] = page
	}
	copy(page[offset:], data)
	return nil
}

// CopyFrame copies the full contents of src into dst.
func (pm *PhysicalMemory) CopyFrame(dst, src Frame) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.inUse[src]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidFrame, src)
	}
	if _, ok := pm.inUse[dst]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidFrame, dst)
	}

	data := pm.contents[src]
	if data == nil {
		delete(pm.contents, dst)
		return nil
	}
	page := make([]byte, PageSize)
	copy(page, data)
	pm.contents[dst] = page
	return nil
}

// Stats returns current frame usage.
func (pm *PhysicalMemory) Stats() MemoryStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	used := len(pm.inUse)
	return MemoryStats{
		TotalFrames: pm.total,
		UsedFrames:  used,
		FreeFrames:  pm.total - used,
	}
}

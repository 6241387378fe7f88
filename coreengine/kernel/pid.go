package kernel

import (
	"math"
	"sync/atomic"
)

// PIDAllocator hands out process ids in increasing order starting at 2.
// Ids are never reused.
type PIDAllocator struct {
	next atomic.Uint32
}

// NewPIDAllocator creates an allocator whose first id is KernelPID+1.
func NewPIDAllocator() *PIDAllocator {
	a := &PIDAllocator{}
	a.next.Store(uint32(KernelPID) + 1)
	return a
}

// Next returns a fresh id.
func (a *PIDAllocator) Next() (ProcessID, error) {
	id := a.next.Add(1) - 1
	if id > math.MaxUint16 {
		return 0, ErrPIDExhausted
	}
	return ProcessID(id), nil
}

// Peek returns the id the next call to Next would return.
func (a *PIDAllocator) Peek() ProcessID {
	id := a.next.Load()
	if id > math.MaxUint16 {
		return 0
	}
	return ProcessID(id)
}

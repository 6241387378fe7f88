// Package kernel provides the interrupt-mask guard.
//
// Every scheduler-affecting operation runs between Disable and the returned
// restore function. Masks nest; timer interrupts raised while masked are
// latched and delivered once the outermost guard is released.
package kernel

import "sync"

// InterruptFlag models the CPU interrupt-enable flag of a single core.
type InterruptFlag struct {
	mu      sync.Mutex
	depth   int
	pending int
}

// NewInterruptFlag creates an enabled flag.
func NewInterruptFlag() *InterruptFlag {
	return &InterruptFlag{}
}

// Disable masks interrupts and returns the function that restores the
// previous state. Calling the restore function more than once is a no-op.
func (f *InterruptFlag) Disable() (restore func()) {
	f.mu.Lock()
	f.depth++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.depth--
			f.mu.Unlock()
		})
	}
}

// WithoutInterrupts runs fn with interrupts masked, restoring them on every
// exit path including a panic.
func (f *InterruptFlag) WithoutInterrupts(fn func()) {
	restore := f.Disable()
	defer restore()
	fn()
}

// Enabled reports whether interrupts are currently unmasked.
func (f *InterruptFlag) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth == 0
}

// Raise latches an interrupt if masked. Returns true when it may be
// delivered immediately.
func (f *InterruptFlag) Raise() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depth > 0 {
		f.pending++
		return false
	}
	return true
}

// TakePending returns and clears the number of latched interrupts. Always
// zero while masked.
func (f *InterruptFlag) TakePending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depth > 0 {
		return 0
	}
	n := f.pending
	f.pending = 0
	return n
}

package memory

import "sync"

// MMU holds the active top-level page table, the simulated CR3.
type MMU struct {
	mu     sync.RWMutex
	active *AddressSpace
	loads  uint64
}

// NewMMU creates an MMU with the given boot table active.
func NewMMU(boot *AddressSpace) *MMU {
	return &MMU{active: boot}
}

// Load switches translation to as.
func (m *MMU) Load(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = as
	m.loads++
}

// Active returns the address space currently used for translation.
func (m *MMU) Active() *AddressSpace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Loads returns how many times a table has been loaded.
func (m *MMU) Loads() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loads
}

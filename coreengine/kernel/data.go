package kernel

import (
	"maps"
	"sync"

	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
)

// Environment holds a process's environment variables. Forked children
// share their parent's environment.
type Environment struct {
	vars map[string]string
	mu   sync.RWMutex
}

// NewEnvironment creates an empty environment.
func NewEnvironment() *Environment {
	return &Environment{vars: make(map[string]string)}
}

// Get returns the value of key.
func (e *Environment) Get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[key]
	return v, ok
}

// Set assigns key.
func (e *Environment) Set(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[key] = value
}

// All returns a copy of every variable.
func (e *Environment) All() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.vars)
}

// ProcessData is the process-local resource state: environment, open
// descriptors, semaphores and the bookkeeping of mapped stack and code.
//
// The environment, descriptor table and semaphore table are shared by
// reference with forked children; the segment bookkeeping is copied.
type ProcessData struct {
	env        *Environment
	resources  *ResourceSet
	semaphores *SemaphoreSet

	stackSegment memory.PageRange
	codeSegments []memory.PageRange
	stackPages   uint64
	codePages    uint64
}

// NewProcessData creates process data with stdio bound to console.
func NewProcessData(console Console) *ProcessData {
	return &ProcessData{
		env:        NewEnvironment(),
		resources:  NewResourceSet(console),
		semaphores: NewSemaphoreSet(),
	}
}

// Clone returns a copy for a forked child. The child starts with zero
// code pages; the image stays accounted to the process that loaded it.
func (d *ProcessData) Clone() *ProcessData {
	return &ProcessData{
		env:          d.env,
		resources:    d.resources,
		semaphores:   d.semaphores,
		stackSegment: d.stackSegment,
		codeSegments: append([]memory.PageRange(nil), d.codeSegments...),
		stackPages:   d.stackPages,
	}
}

// Env returns the environment.
func (d *ProcessData) Env() *Environment {
	return d.env
}

// Resources returns the descriptor table.
func (d *ProcessData) Resources() *ResourceSet {
	return d.resources
}

// Semaphores returns the semaphore table.
func (d *ProcessData) Semaphores() *SemaphoreSet {
	return d.semaphores
}

// SetStack records the stack segment.
func (d *ProcessData) SetStack(start, pages uint64) {
	d.stackSegment = memory.PageRange{Start: memory.PageOf(start), Pages: pages}
	d.stackPages = pages
}

// StackSegment returns the recorded stack segment.
func (d *ProcessData) StackSegment() memory.PageRange {
	return d.stackSegment
}

// AddCodeSegment records one mapped image segment.
func (d *ProcessData) AddCodeSegment(r memory.PageRange) {
	d.codeSegments = append(d.codeSegments, r)
	d.codePages += r.Pages
}

// CodeSegments returns the recorded image segments.
func (d *ProcessData) CodeSegments() []memory.PageRange {
	return append([]memory.PageRange(nil), d.codeSegments...)
}

// IsOnStack reports whether addr lies in the same stack slot as the stack.
func (d *ProcessData) IsOnStack(addr uint64) bool {
	if d.stackSegment.Pages == 0 {
		return false
	}
	return addr&StackStartMask == d.stackSegment.Start&StackStartMask
}

// MemoryUsage returns the bytes accounted to stack and code.
func (d *ProcessData) MemoryUsage() uint64 {
	return (d.stackPages + d.codePages) * PageSize
}

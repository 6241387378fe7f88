// Package kernel implements the process-management core of the kernel.
//
// This package provides process lifecycle management, the ready queue and
// scheduler, counting semaphores, and the per-process resource tables that
// syscalls operate on.
//
// Key concepts:
//   - Process: shared handle around the per-process inner state (PCB)
//   - ProcessManager: process registry, ready queue and dispatch
//   - SemaphoreSet: keyed counting semaphores with FIFO wait queues
//   - Kernel: trap-facing facade running every operation with interrupts masked
package kernel

import (
	"strconv"
	"time"

	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
)

// =============================================================================
// Process Identity
// =============================================================================

// ProcessID identifies a process for the lifetime of a boot session.
type ProcessID uint16

// KernelPID is reserved for the kernel (init) process.
const KernelPID ProcessID = 1

func (p ProcessID) String() string {
	return strconv.Itoa(int(p))
}

// =============================================================================
// Memory Layout
// =============================================================================

const (
	// PageSize is the granularity of every mapping made by the core.
	PageSize = memory.PageSize

	// StackMax is the ceiling of the user stack region.
	StackMax uint64 = 0x0000_4000_0000_0000
	// StackMaxPages bounds how far a single stack may grow.
	StackMaxPages uint64 = 0x100000
	// StackMaxSize is the size of one stack slot.
	StackMaxSize = StackMaxPages * PageSize
	// StackStartMask keeps the slot bits of a stack address.
	StackStartMask = ^(StackMaxSize - 1)
	// StackDefPages is the number of pages mapped for a new stack.
	StackDefPages uint64 = 1
	// StackDefSize is the size of a new stack.
	StackDefSize = StackDefPages * PageSize
	// StackInitBot is the bottom of the first stack slot.
	StackInitBot = StackMax - StackDefSize
	// StackInitTop is the initial stack pointer of the first stack slot.
	StackInitTop = StackMax - 8
	// StackFloor is the lowest address a user stack slot may start at.
	StackFloor = StackMaxSize

	// KStackMax is the ceiling of the kernel stack.
	KStackMax uint64 = 0xffff_ff02_0000_0000
	// KStackDefPages is the size of the kernel stack in pages.
	KStackDefPages uint64 = 512
	// KStackDefSize is the size of the kernel stack.
	KStackDefSize = KStackDefPages * PageSize
	// KStackInitBot is the bottom of the kernel stack.
	KStackInitBot = KStackMax - KStackDefSize
	// KStackInitTop is the initial kernel stack pointer.
	KStackInitTop = KStackMax - 8
)

// =============================================================================
// Program Status
// =============================================================================

// ProgramStatus is the scheduling state of a process.
// State transitions:
//
//	Ready -> Running -> (Ready | Blocked | Dead)
//	Blocked -> Ready (on wake)
type ProgramStatus string

const (
	// StatusReady indicates the process is eligible for dispatch.
	StatusReady ProgramStatus = "ready"
	// StatusRunning indicates the process owns the CPU.
	StatusRunning ProgramStatus = "running"
	// StatusBlocked indicates the process waits on a semaphore or a child.
	StatusBlocked ProgramStatus = "blocked"
	// StatusDead indicates the process exited or was killed.
	StatusDead ProgramStatus = "dead"
)

// IsTerminal returns true if this is a terminal state.
func (s ProgramStatus) IsTerminal() bool {
	return s == StatusDead
}

// IsRunnable returns true if the process may be picked from the ready queue.
func (s ProgramStatus) IsRunnable() bool {
	return s == StatusReady
}

// =============================================================================
// Process Snapshot
// =============================================================================

// ProcessInfo is a point-in-time copy of a process's public state.
type ProcessInfo struct {
	PID         ProcessID        `json:"pid"`
	Parent      ProcessID        `json:"ppid"`
	Name        string           `json:"name"`
	Status      ProgramStatus    `json:"status"`
	Ticks       uint64           `json:"ticks"`
	ExitCode    *int64           `json:"exit_code,omitempty"`
	Children    []ProcessID      `json:"children"`
	MemoryBytes uint64           `json:"memory_bytes"`
	Stack       memory.PageRange `json:"stack"`
	CreatedAt   time.Time        `json:"created_at"`
	ExitedAt    *time.Time       `json:"exited_at,omitempty"`
}

// =============================================================================
// Kernel Events
// =============================================================================

// KernelEventType represents types of kernel events.
type KernelEventType string

const (
	KernelEventProcessCreated      KernelEventType = "process.created"
	KernelEventProcessForked       KernelEventType = "process.forked"
	KernelEventProcessStateChanged KernelEventType = "process.state_changed"
	KernelEventProcessExited       KernelEventType = "process.exited"
	KernelEventSemaphoreBlocked    KernelEventType = "semaphore.blocked"
	KernelEventSemaphoreWoken      KernelEventType = "semaphore.woken"
	KernelEventFaultResolved       KernelEventType = "fault.resolved"
	KernelEventFaultFatal          KernelEventType = "fault.fatal"
)

// KernelEvent represents an event emitted by the kernel.
type KernelEvent struct {
	EventType KernelEventType `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	PID       ProcessID       `json:"pid"`
	Data      map[string]any  `json:"data,omitempty"`
}

// NewKernelEvent creates a new kernel event.
func NewKernelEvent(eventType KernelEventType, pid ProcessID) *KernelEvent {
	return &KernelEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		PID:       pid,
	}
}

// ProcessCreatedEvent creates a process.created event.
func ProcessCreatedEvent(pid, parent ProcessID, name string) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessCreated, pid)
	evt.Data = map[string]any{
		"name":   name,
		"parent": int(parent),
	}
	return evt
}

// ProcessForkedEvent creates a process.forked event.
func ProcessForkedEvent(parent, child ProcessID) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessForked, parent)
	evt.Data = map[string]any{
		"child": int(child),
	}
	return evt
}

// ProcessStateChangedEvent creates a process.state_changed event.
func ProcessStateChangedEvent(pid ProcessID, oldStatus, newStatus ProgramStatus) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessStateChanged, pid)
	evt.Data = map[string]any{
		"old_state": string(oldStatus),
		"new_state": string(newStatus),
	}
	return evt
}

// ProcessExitedEvent creates a process.exited event.
func ProcessExitedEvent(pid ProcessID, code int64) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessExited, pid)
	evt.Data = map[string]any{
		"exit_code": code,
	}
	return evt
}

// SemaphoreEvent creates a semaphore.blocked or semaphore.woken event.
func SemaphoreEvent(eventType KernelEventType, pid ProcessID, key SemaphoreKey) *KernelEvent {
	evt := NewKernelEvent(eventType, pid)
	evt.Data = map[string]any{
		"key": uint32(key),
	}
	return evt
}

// FaultEvent creates a fault.resolved or fault.fatal event.
func FaultEvent(eventType KernelEventType, pid ProcessID, addr uint64, code memory.PageFaultErrorCode) *KernelEvent {
	evt := NewKernelEvent(eventType, pid)
	evt.Data = map[string]any{
		"addr":  addr,
		"error": code.String(),
	}
	return evt
}

package kernel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/kcore/coreengine/boot"
	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
)

const stackFlags = memory.Writable | memory.UserAccessible | memory.NoExecute

// Process is the shared handle of one schedulable unit. Its inner state is
// guarded by a read/write lock so interrupt-time and syscall-time access
// never observe a torn PCB.
type Process struct {
	pid   ProcessID
	mu    sync.RWMutex
	inner processInner
}

// processInner is the PCB proper. pageTable and data are non-nil exactly
// while status != StatusDead.
type processInner struct {
	name      string
	parent    ProcessID
	children  []ProcessID
	status    ProgramStatus
	ticks     uint64
	exitCode  *int64
	reaped    bool
	context   ProcessContext
	pageTable *memory.AddressSpace
	data      *ProcessData
	createdAt time.Time
	exitedAt  *time.Time
}

// NewProcess creates a Ready process with a default context. The caller
// registers and enqueues it.
func NewProcess(pid ProcessID, name string, parent ProcessID, pageTable *memory.AddressSpace, data *ProcessData) *Process {
	if data == nil {
		data = NewProcessData(nil)
	}
	return &Process{
		pid: pid,
		inner: processInner{
			name:      strings.ToLower(name),
			parent:    parent,
			children:  []ProcessID{},
			status:    StatusReady,
			pageTable: pageTable,
			data:      data,
			createdAt: time.Now().UTC(),
		},
	}
}

// =============================================================================
// Accessors
// =============================================================================

// PID returns the process id.
func (p *Process) PID() ProcessID {
	return p.pid
}

// Name returns the lower-cased process name.
func (p *Process) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inner.name
}

// Parent returns the parent pid. Zero means no parent.
func (p *Process) Parent() ProcessID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inner.parent
}

// Children returns the pids of spawned and forked children.
func (p *Process) Children() []ProcessID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ProcessID(nil), p.inner.children...)
}

// Status returns the scheduling state.
func (p *Process) Status() ProgramStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inner.status
}

// Ticks returns how many times the scheduler visited this process.
func (p *Process) Ticks() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inner.ticks
}

// ExitCode returns the exit code once the process is dead.
func (p *Process) ExitCode() (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.inner.status != StatusDead || p.inner.exitCode == nil {
		return 0, false
	}
	return *p.inner.exitCode, true
}

// Context returns a copy of the saved register context.
func (p *Process) Context() ProcessContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inner.context
}

// SetReturnValue writes the saved return-value register.
func (p *Process) SetReturnValue(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.context.SetRAX(v)
}

// AddressSpace returns the page table, or nil once dead.
func (p *Process) AddressSpace() *memory.AddressSpace {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inner.pageTable
}

// Data returns the process data, or nil once dead.
func (p *Process) Data() *ProcessData {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inner.data
}

// MemoryUsage returns bytes of stack and code accounted to the process.
func (p *Process) MemoryUsage() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.inner.data == nil {
		return 0
	}
	return p.inner.data.MemoryUsage()
}

// Info returns a snapshot of the process.
func (p *Process) Info() ProcessInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	in := &p.inner
	info := ProcessInfo{
		PID:       p.pid,
		Parent:    in.parent,
		Name:      in.name,
		Status:    in.status,
		Ticks:     in.ticks,
		Children:  append([]ProcessID(nil), in.children...),
		CreatedAt: in.createdAt,
		ExitedAt:  in.exitedAt,
	}
	if in.exitCode != nil {
		code := *in.exitCode
		info.ExitCode = &code
	}
	if in.data != nil {
		info.MemoryBytes = in.data.MemoryUsage()
		info.Stack = in.data.StackSegment()
	}
	return info
}

// String renders the process-table row.
func (p *Process) String() string {
	info := p.Info()
	size, unit := HumanizedSize(info.MemoryBytes)
	return fmt.Sprintf(" #%-3d | #%-3d | %-12s | %7d | %5.1f %s | %s",
		info.PID, info.Parent, info.Name, info.Ticks, size, unit, info.Status)
}

// HumanizedSize scales a byte count for display.
func HumanizedSize(bytes uint64) (float64, string) {
	units := []string{"B", "KiB", "MiB", "GiB"}
	size := float64(bytes)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return size, units[i]
}

func (p *Process) markWaited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.reaped = true
}

// waited reports whether the exit code was handed to a waiter.
func (p *Process) waited() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inner.reaped
}

// =============================================================================
// Scheduling State
// =============================================================================

// Tick increments the scheduler visit counter.
func (p *Process) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.ticks++
}

// Save copies the trap-time registers into the PCB and marks it Ready.
// A process that was blocked or killed while running keeps that status.
func (p *Process) Save(ctx *ProcessContext) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inner.context = *ctx
	if p.inner.status == StatusRunning {
		p.inner.status = StatusReady
	}
}

// Restore copies the saved registers out to ctx, then activates the
// process's page table. Returns false for a dead process, leaving ctx
// untouched.
func (p *Process) Restore(ctx *ProcessContext, mmu *memory.MMU) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inner.pageTable == nil {
		return false
	}
	*ctx = p.inner.context
	mmu.Load(p.inner.pageTable)
	p.inner.status = StatusRunning
	return true
}

// SetStatus moves the process to status. Dead is only reachable through Kill.
func (p *Process) SetStatus(status ProgramStatus) (ProgramStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.inner.status
	if !IsValidTransition(old, status) {
		return old, fmt.Errorf("invalid transition from %s to %s for pid %d", old, status, p.pid)
	}
	p.inner.status = status
	return old, nil
}

// addChild records a child pid.
func (p *Process) addChild(pid ProcessID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.children = append(p.inner.children, pid)
}

// takeChildren clears and returns the child list.
func (p *Process) takeChildren() []ProcessID {
	p.mu.Lock()
	defer p.mu.Unlock()
	children := p.inner.children
	p.inner.children = []ProcessID{}
	return children
}

// setParent re-links the process to a new parent.
func (p *Process) setParent(pid ProcessID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.parent = pid
}

// =============================================================================
// Image Loading
// =============================================================================

// InitStackFrame seeds the context to start at entry with stackTop.
func (p *Process) InitStackFrame(entry, stackTop uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.context.InitStackFrame(entry, stackTop)
}

// StackSlotBottom returns the bottom of the initial stack of pid.
func StackSlotBottom(pid ProcessID) (uint64, error) {
	if pid < KernelPID {
		return 0, fmt.Errorf("%w: pid %d", ErrStackSlotExhausted, pid)
	}
	offset := uint64(pid-KernelPID) * StackMaxSize
	if offset > StackInitBot-StackFloor {
		return 0, fmt.Errorf("%w: pid %d", ErrStackSlotExhausted, pid)
	}
	return StackInitBot - offset, nil
}

// LoadImage maps every loadable segment of exe and a private stack in the
// pid-indexed stack slot, recording both in the process data. Returns the
// stack base.
func (p *Process) LoadImage(exe *boot.Executable, pid ProcessID) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	in := &p.inner
	if in.pageTable == nil || in.data == nil {
		return 0, processError("load", p.pid, ErrProcessDead)
	}

	stackBot, err := StackSlotBottom(pid)
	if err != nil {
		return 0, processError("load", p.pid, err)
	}

	for _, seg := range exe.Segments {
		r := memory.NewPageRange(seg.VirtAddr, seg.VirtAddr+seg.MemSize)
		flags := memory.UserAccessible
		if seg.Writable() {
			flags |= memory.Writable
		}
		if !seg.Executable() {
			flags |= memory.NoExecute
		}
		if _, err := in.pageTable.MapRange(r.Start, r.Pages, flags); err != nil {
			return 0, processError("load segment", p.pid, err)
		}
		if err := in.pageTable.WriteAt(seg.VirtAddr, seg.Data); err != nil {
			return 0, processError("load segment", p.pid, err)
		}
		in.data.AddCodeSegment(r)
	}

	stack, err := in.pageTable.MapRange(stackBot, StackDefPages, stackFlags)
	if err != nil {
		return 0, processError("map stack", p.pid, err)
	}
	in.data.SetStack(stack.Start, stack.Pages)
	return stackBot, nil
}

// =============================================================================
// Fork
// =============================================================================

// Fork creates a child whose address space is a private copy of this
// process's user pages, with the stack moved to a fresh slot below the
// parent's. The child's saved return value is 0; the parent's is the
// child's pid. The caller registers and enqueues the child.
func (p *Process) Fork(childPID ProcessID) (*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	in := &p.inner
	if in.pageTable == nil || in.data == nil {
		return nil, processError("fork", p.pid, ErrProcessDead)
	}
	stack := in.data.StackSegment()
	if stack.Pages == 0 {
		return nil, processError("fork", p.pid, ErrNoStack)
	}

	childSpace, err := in.pageTable.Fork(stack)
	if err != nil {
		return nil, processError("fork", p.pid, err)
	}

	stride := uint64(len(in.children)+1) * StackMaxSize
	if stack.Start < StackFloor || stride > stack.Start-StackFloor {
		childSpace.Release()
		return nil, processError("fork", p.pid, ErrStackSlotExhausted)
	}
	childBot := stack.Start - stride
	for {
		_, err := childSpace.MapRange(childBot, stack.Pages, stackFlags)
		if err == nil {
			break
		}
		if !errors.Is(err, memory.ErrPageAlreadyMapped) || childBot < StackFloor+StackMaxSize {
			childSpace.Release()
			return nil, processError("fork", p.pid, err)
		}
		childBot -= StackMaxSize
	}

	if err := childSpace.CopyPagesFrom(in.pageTable, stack.Start, childBot, stack.Pages); err != nil {
		childSpace.Release()
		return nil, processError("fork", p.pid, err)
	}

	offset := childBot - stack.Start
	ctx := in.context
	ctx.SetStackOffset(offset)
	if stack.Contains(ctx.RBP) {
		ctx.RBP += offset
	}
	ctx.SetRAX(0)

	data := in.data.Clone()
	data.SetStack(childBot, stack.Pages)

	child := NewProcess(childPID, in.name, p.pid, childSpace, data)
	child.inner.context = ctx

	in.children = append(in.children, childPID)
	in.context.SetRAX(uint64(childPID))
	return child, nil
}

// =============================================================================
// Kill / Faults
// =============================================================================

// Kill marks the process dead with ret and releases its page table and
// process data. Returns false if the process was already dead.
func (p *Process) Kill(ret int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	in := &p.inner
	if in.status == StatusDead {
		return false
	}
	now := time.Now().UTC()
	in.exitCode = &ret
	in.status = StatusDead
	in.exitedAt = &now
	if in.pageTable != nil {
		in.pageTable.Release()
		in.pageTable = nil
	}
	in.data = nil
	return true
}

// IsOnStack reports whether addr is inside this process's stack slot.
func (p *Process) IsOnStack(addr uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.inner.data == nil {
		return false
	}
	return p.inner.data.IsOnStack(addr)
}

// HandleStackFault grows the stack down to cover addr. The fault must lie
// in the stack's slot and below the current stack bottom.
func (p *Process) HandleStackFault(addr uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	in := &p.inner
	if in.pageTable == nil || in.data == nil {
		return false
	}
	stack := in.data.StackSegment()
	if !in.data.IsOnStack(addr) || addr >= stack.Start {
		return false
	}

	start := memory.PageOf(addr)
	count := (stack.Start - start) / PageSize
	if _, err := in.pageTable.MapRange(start, count, stackFlags); err != nil {
		return false
	}
	in.data.SetStack(start, stack.Pages+count)
	return true
}

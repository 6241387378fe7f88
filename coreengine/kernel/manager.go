package kernel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeeves-cluster-organization/kcore/coreengine/boot"
	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
)

// =============================================================================
// Process Manager
// =============================================================================

// ProcessManager owns the process registry, the ready queue and the
// dispatch algorithm. The registry and the queue have independent locks;
// the current pid is the processor register.
type ProcessManager struct {
	processes map[ProcessID]*Process
	procMu    sync.RWMutex

	readyQueue []ProcessID
	queueMu    sync.Mutex

	exitWaiters map[ProcessID][]ProcessID
	waitMu      sync.Mutex

	current atomic.Uint32
	pids    *PIDAllocator
	mmu     *memory.MMU
	apps    *boot.AppList
	logger  Logger
}

// NewProcessManager creates a manager with init registered as the running
// process.
func NewProcessManager(init *Process, mmu *memory.MMU, apps *boot.AppList, logger Logger) *ProcessManager {
	if apps == nil {
		apps = boot.NewAppList()
	}
	m := &ProcessManager{
		processes:   map[ProcessID]*Process{init.PID(): init},
		readyQueue:  []ProcessID{},
		exitWaiters: make(map[ProcessID][]ProcessID),
		pids:        NewPIDAllocator(),
		mmu:         mmu,
		apps:        apps,
		logger:      logger,
	}
	_, _ = init.SetStatus(StatusRunning)
	m.current.Store(uint32(init.PID()))
	return m
}

// Apps returns the executable catalog.
func (m *ProcessManager) Apps() *boot.AppList {
	return m.apps
}

// MMU returns the MMU that Restore loads page tables into.
func (m *ProcessManager) MMU() *memory.MMU {
	return m.mmu
}

// PushReady appends pid to the ready queue.
func (m *ProcessManager) PushReady(pid ProcessID) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.readyQueue = append(m.readyQueue, pid)
}

func (m *ProcessManager) popReady() (ProcessID, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.readyQueue) == 0 {
		return 0, false
	}
	pid := m.readyQueue[0]
	m.readyQueue = m.readyQueue[1:]
	return pid, true
}

// ReadyQueue returns a copy of the queue, head first.
func (m *ProcessManager) ReadyQueue() []ProcessID {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return append([]ProcessID(nil), m.readyQueue...)
}

// QueueDepth returns the number of queued entries.
func (m *ProcessManager) QueueDepth() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.readyQueue)
}

func (m *ProcessManager) addProc(p *Process) {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	m.processes[p.PID()] = p
}

// Get returns the process registered under pid.
func (m *ProcessManager) Get(pid ProcessID) (*Process, bool) {
	m.procMu.RLock()
	defer m.procMu.RUnlock()
	p, ok := m.processes[pid]
	return p, ok
}

// CurrentPID returns the pid of the process owning the CPU.
func (m *ProcessManager) CurrentPID() ProcessID {
	return ProcessID(m.current.Load())
}

// Current returns the process owning the CPU.
func (m *ProcessManager) Current() *Process {
	p, _ := m.Get(m.CurrentPID())
	return p
}

// =============================================================================
// Dispatch
// =============================================================================

// SaveCurrent ticks the current process and saves ctx into it. Returns the
// pid that is about to be superseded.
func (m *ProcessManager) SaveCurrent(ctx *ProcessContext) ProcessID {
	pid := m.CurrentPID()
	if p, ok := m.Get(pid); ok {
		p.Tick()
		p.Save(ctx)
	}
	return pid
}

// SwitchNext pops the ready queue until it finds a Ready process, dropping
// blocked, dead and unknown entries, and restores it into ctx if it is not
// already current. Returns the pid now running, which is unchanged when the
// queue runs dry.
func (m *ProcessManager) SwitchNext(ctx *ProcessContext) ProcessID {
	pid := m.CurrentPID()
	for {
		next, ok := m.popReady()
		if !ok {
			break
		}
		p, ok := m.Get(next)
		if !ok {
			m.logDebug("ready_entry_unknown", "pid", next)
			continue
		}
		if status := p.Status(); !status.IsRunnable() {
			m.logDebug("ready_entry_skipped", "pid", next, "status", string(status))
			continue
		}

		if next == pid {
			_, _ = p.SetStatus(StatusRunning)
			break
		}
		if !p.Restore(ctx, m.mmu) {
			continue
		}
		m.current.Store(uint32(next))
		pid = next
		break
	}
	return pid
}

// RestoreKernel makes the kernel process current. Used as the idle fallback
// when nothing is runnable and the current process cannot continue.
func (m *ProcessManager) RestoreKernel(ctx *ProcessContext) bool {
	kproc, ok := m.Get(KernelPID)
	if !ok || !kproc.Restore(ctx, m.mmu) {
		return false
	}
	m.current.Store(uint32(KernelPID))
	return true
}

// =============================================================================
// Creation
// =============================================================================

// Spawn creates a process from exe in a fresh address space cloned from the
// kernel's, registers it and pushes it ready.
func (m *ProcessManager) Spawn(exe *boot.Executable, name string, parent ProcessID, data *ProcessData) (ProcessID, error) {
	kproc, ok := m.Get(KernelPID)
	if !ok || kproc.AddressSpace() == nil {
		return 0, processError("spawn", KernelPID, ErrProcessNotFound)
	}

	pid, err := m.pids.Next()
	if err != nil {
		return 0, err
	}

	space := kproc.AddressSpace().CloneTopLevel()
	proc := NewProcess(pid, name, parent, space, data)
	stackBot, err := proc.LoadImage(exe, pid)
	if err != nil {
		space.Release()
		return 0, err
	}
	proc.InitStackFrame(exe.Entry, stackBot+StackDefSize-8)

	m.addProc(proc)
	if pp, ok := m.Get(parent); ok {
		pp.addChild(pid)
	}
	m.PushReady(pid)

	m.logDebug("process_table", "table", m.FormatProcessList())
	return pid, nil
}

// SpawnByName looks name up in the catalog, ignoring case, and spawns it.
func (m *ProcessManager) SpawnByName(name string, parent ProcessID, data *ProcessData) (ProcessID, error) {
	app, ok := m.apps.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAppNotFound, name)
	}
	return m.Spawn(app.Executable, app.Name, parent, data)
}

// Fork forks the current process, registers the child and pushes it ready.
func (m *ProcessManager) Fork() (ProcessID, error) {
	parent := m.Current()
	if parent == nil {
		return 0, processError("fork", m.CurrentPID(), ErrProcessNotFound)
	}
	if parent.PID() == KernelPID {
		return 0, processError("fork", KernelPID, ErrKernelProcess)
	}

	pid, err := m.pids.Next()
	if err != nil {
		return 0, err
	}
	child, err := parent.Fork(pid)
	if err != nil {
		return 0, err
	}

	m.addProc(child)
	m.PushReady(pid)
	return pid, nil
}

// =============================================================================
// Blocking
// =============================================================================

// Block marks pid Blocked. The scheduler drops it from the queue on the
// next pop.
func (m *ProcessManager) Block(pid ProcessID) error {
	p, ok := m.Get(pid)
	if !ok {
		return processError("block", pid, ErrProcessNotFound)
	}
	_, err := p.SetStatus(StatusBlocked)
	return err
}

// WakeUp moves a blocked process back to Ready with rax as the result of
// the call it blocked in, and appends it to the ready queue.
func (m *ProcessManager) WakeUp(pid ProcessID, rax uint64) error {
	p, ok := m.Get(pid)
	if !ok {
		return processError("wake", pid, ErrProcessNotFound)
	}
	if p.Status() != StatusBlocked {
		return processError("wake", pid, fmt.Errorf("status is %s, expected blocked", p.Status()))
	}
	p.SetReturnValue(rax)
	if _, err := p.SetStatus(StatusReady); err != nil {
		return err
	}
	m.PushReady(pid)
	return nil
}

// WaitPID returns the exit code of pid once it is dead.
func (m *ProcessManager) WaitPID(pid ProcessID) (int64, bool) {
	p, ok := m.Get(pid)
	if !ok {
		return 0, false
	}
	code, ok := p.ExitCode()
	if ok {
		p.markWaited()
	}
	return code, ok
}

// WaitOnExit registers waiter to be woken with the exit code of target.
// Returns false if target is unknown or already dead; the caller then
// reads the code with WaitPID instead of blocking.
func (m *ProcessManager) WaitOnExit(waiter, target ProcessID) bool {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()

	p, ok := m.Get(target)
	if !ok || p.Status() == StatusDead {
		return false
	}
	m.exitWaiters[target] = append(m.exitWaiters[target], waiter)
	return true
}

func (m *ProcessManager) notifyExit(pid ProcessID, code int64) {
	m.waitMu.Lock()
	waiters := m.exitWaiters[pid]
	delete(m.exitWaiters, pid)
	m.waitMu.Unlock()

	for _, w := range waiters {
		if err := m.WakeUp(w, uint64(code)); err == nil {
			if p, ok := m.Get(pid); ok {
				p.markWaited()
			}
		}
	}
}

// StillAlive reports whether pid is registered and not dead.
func (m *ProcessManager) StillAlive(pid ProcessID) bool {
	p, ok := m.Get(pid)
	return ok && p.Status() != StatusDead
}

// =============================================================================
// Termination
// =============================================================================

// Kill terminates pid with ret. Its semaphore waits are cancelled, its
// children are handed to the kernel process, and processes waiting on its
// exit are woken. Killing an unknown or dead process is a no-op warning.
func (m *ProcessManager) Kill(pid ProcessID, ret int64) bool {
	if pid == KernelPID {
		m.logWarn("kill_kernel_refused", "exit_code", ret)
		return false
	}
	p, ok := m.Get(pid)
	if !ok {
		m.logWarn("process_not_found", "pid", pid)
		return false
	}

	data := p.Data()
	if !p.Kill(ret) {
		m.logWarn("process_already_dead", "pid", pid)
		return false
	}
	if data != nil {
		data.Semaphores().Cancel(pid)
	}
	m.reparentChildren(p)
	m.notifyExit(pid, ret)

	m.logInfo("process_killed", "pid", pid, "exit_code", ret)
	return true
}

// KillCurrent terminates the running process.
func (m *ProcessManager) KillCurrent(ret int64) bool {
	return m.Kill(m.CurrentPID(), ret)
}

func (m *ProcessManager) reparentChildren(p *Process) {
	children := p.takeChildren()
	if len(children) == 0 {
		return
	}
	kproc, ok := m.Get(KernelPID)
	for _, c := range children {
		child, found := m.Get(c)
		if !found {
			continue
		}
		child.setParent(KernelPID)
		if ok {
			kproc.addChild(c)
		}
	}
}

// HandlePageFault resolves a fault of the current process by growing its
// stack. Returns false for protection violations and for addresses
// outside the stack slot; the caller treats those as fatal.
func (m *ProcessManager) HandlePageFault(addr uint64, code memory.PageFaultErrorCode) bool {
	pid := m.CurrentPID()
	p, ok := m.Get(pid)
	if !ok {
		m.logWarn("page_fault_no_current_process", "addr", addr)
		return false
	}
	if code.Has(memory.ProtectionViolation) {
		m.logWarn("page_fault_protection_violation", "pid", pid, "addr", addr, "error", code.String())
		return false
	}
	if !p.IsOnStack(addr) {
		m.logWarn("page_fault_outside_stack", "pid", pid, "addr", addr)
		return false
	}
	return p.HandleStackFault(addr)
}

// Reap drops a dead process from the registry.
func (m *ProcessManager) Reap(pid ProcessID) error {
	if pid == KernelPID {
		return processError("reap", pid, ErrKernelProcess)
	}

	m.procMu.Lock()
	defer m.procMu.Unlock()

	p, ok := m.processes[pid]
	if !ok {
		return processError("reap", pid, ErrProcessNotFound)
	}
	if p.Status() != StatusDead {
		return processError("reap", pid, ErrProcessAlive)
	}
	delete(m.processes, pid)
	return nil
}

// CleanupDead reaps tombstones that exited more than retention ago and
// whose exit code was consumed or can no longer be waited for.
func (m *ProcessManager) CleanupDead(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)

	var victims []ProcessID
	for _, info := range m.ProcessList() {
		if info.Status != StatusDead || info.ExitedAt == nil || info.ExitedAt.After(cutoff) {
			continue
		}
		p, ok := m.Get(info.PID)
		if !ok {
			continue
		}
		if p.waited() || info.Parent == KernelPID || !m.StillAlive(info.Parent) {
			victims = append(victims, info.PID)
		}
	}

	n := 0
	for _, pid := range victims {
		if m.Reap(pid) == nil {
			n++
		}
	}
	return n
}

// =============================================================================
// Introspection
// =============================================================================

// ProcessList returns a snapshot of every registered process ordered by pid.
func (m *ProcessManager) ProcessList() []ProcessInfo {
	m.procMu.RLock()
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.procMu.RUnlock()

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// FormatProcessList renders the live processes and the ready queue.
func (m *ProcessManager) FormatProcessList() string {
	var b strings.Builder
	b.WriteString("  PID | PPID | Process Name |  Ticks  |   Memory  | Status\n")

	m.procMu.RLock()
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.procMu.RUnlock()
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID() < procs[j].PID() })

	for _, p := range procs {
		if p.Status() == StatusDead {
			continue
		}
		b.WriteString(p.String())
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Queue  : %v\n", m.ReadyQueue())
	fmt.Fprintf(&b, "CPU    : running %d\n", m.CurrentPID())
	return b.String()
}

// ProcessCount returns the count of processes by status.
func (m *ProcessManager) ProcessCount() map[ProgramStatus]int {
	counts := make(map[ProgramStatus]int)
	for _, info := range m.ProcessList() {
		counts[info.Status]++
	}
	return counts
}

// TotalProcesses returns the number of registered processes.
func (m *ProcessManager) TotalProcesses() int {
	m.procMu.RLock()
	defer m.procMu.RUnlock()
	return len(m.processes)
}

func (m *ProcessManager) logDebug(msg string, kv ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, kv...)
	}
}

func (m *ProcessManager) logInfo(msg string, kv ...any) {
	if m.logger != nil {
		m.logger.Info(msg, kv...)
	}
}

func (m *ProcessManager) logWarn(msg string, kv ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, kv...)
	}
}

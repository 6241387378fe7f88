// Package kernel provides the process core of the kcore teaching kernel.
//
// The Kernel composes:
//   - ProcessManager (registry, ready queue, round-robin dispatch)
//   - InterruptFlag (the critical-section guard every operation runs under)
//   - ForkLimiter (per-parent sliding window fork-bomb guard)
//   - FaultLog (recent fatal page faults)
//
// Trap entry points take the live trap frame and may rewrite it to switch
// processes. Callers serialize traps; the Kernel never re-enters itself.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/kcore/coreengine/boot"
	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
)

const (
	// FaultExitCode is the exit code of a process killed by a fatal fault
	// (128 + SIGSEGV).
	FaultExitCode int64 = 139
	// ShutdownExitCode is the exit code of processes killed at shutdown
	// (128 + SIGTERM).
	ShutdownExitCode int64 = 143
	// WaitPending is returned by WaitPID while the process is alive or
	// unknown. Exit codes assigned by the kernel are never negative.
	WaitPending int64 = -1
	// SyscallFailed is the all-ones return value of a failed syscall.
	SyscallFailed uint64 = math.MaxUint64
)

// ErrKernelFault is returned when a fault in the kernel process cannot be
// resolved. The machine must halt.
var ErrKernelFault = errors.New("unhandled fault in kernel context")

// =============================================================================
// Kernel Configuration
// =============================================================================

// KernelConfig configures the kernel.
type KernelConfig struct {
	// Number of simulated 4 KiB physical frames
	PhysicalFrames int `json:"physical_frames"`
	// Per-parent fork/spawn limit; nil disables it
	ForkLimit *ForkLimitConfig `json:"fork_limit"`
	// Number of fatal faults kept for inspection
	FaultLogSize int `json:"fault_log_size"`
}

// DefaultKernelConfig returns default kernel configuration.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		PhysicalFrames: 16384,
		ForkLimit:      DefaultForkLimitConfig(),
		FaultLogSize:   64,
	}
}

// Option customizes a Kernel at construction.
type Option func(*Kernel)

// WithConsole binds stdio of every process to c.
func WithConsole(c Console) Option {
	return func(k *Kernel) { k.console = c }
}

// WithFS sets the read-only filesystem Open and ListDir serve from.
func WithFS(fsys fs.FS) Option {
	return func(k *Kernel) { k.fsys = fsys }
}

// WithApps sets the executable catalog.
func WithApps(apps *boot.AppList) Option {
	return func(k *Kernel) { k.apps = apps }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) { k.clock = now }
}

// =============================================================================
// Kernel
// =============================================================================

// Kernel is the process core: it boots the kernel process, owns the
// scheduler, and implements every operation the syscall and fault layers
// call into.
//
// Usage:
//
//	k, err := NewKernel(logger, nil, WithApps(boot.DemoApps()))
//	pid, err := k.Spawn("hello", nil)
//
//	// timer interrupt
//	k.Switch(&frame)
type Kernel struct {
	config *KernelConfig
	logger Logger

	mem     *memory.PhysicalMemory
	mmu     *memory.MMU
	manager *ProcessManager
	irq     *InterruptFlag

	console Console
	fsys    fs.FS
	apps    *boot.AppList
	clock   func() time.Time

	faults      *FaultLog
	forkLimiter *ForkLimiter

	eventHandlers []KernelEventHandler
	eventMu       sync.RWMutex

	bootID    string
	startedAt time.Time
}

// KernelEventHandler handles kernel events. Handlers run inside the
// critical section and must not block.
type KernelEventHandler func(*KernelEvent)

// NewKernel boots a kernel: physical memory, the kernel address space with
// its stack, and the kernel process as pid 1.
func NewKernel(logger Logger, config *KernelConfig, opts ...Option) (*Kernel, error) {
	if config == nil {
		config = DefaultKernelConfig()
	}
	if config.PhysicalFrames <= 0 {
		return nil, fmt.Errorf("physical_frames must be positive, got %d", config.PhysicalFrames)
	}

	k := &Kernel{
		config:        config,
		logger:        logger,
		irq:           NewInterruptFlag(),
		clock:         time.Now,
		faults:        NewFaultLog(config.FaultLogSize),
		forkLimiter:   NewForkLimiter(config.ForkLimit),
		eventHandlers: []KernelEventHandler{},
		bootID:        uuid.New().String(),
		startedAt:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.console == nil {
		k.console = NewBufferConsole()
	}
	if k.apps == nil {
		k.apps = boot.NewAppList()
	}

	k.mem = memory.NewPhysicalMemory(config.PhysicalFrames)
	space := memory.NewKernelAddressSpace(k.mem)
	if _, err := space.MapRange(KStackInitBot, KStackDefPages, memory.Writable|memory.NoExecute); err != nil {
		return nil, fmt.Errorf("map kernel stack: %w", err)
	}
	k.mmu = memory.NewMMU(space)

	data := NewProcessData(k.console)
	data.SetStack(KStackInitBot, KStackDefPages)
	kproc := NewProcess(KernelPID, "kernel", 0, space, data)
	kproc.InitStackFrame(0, KStackInitTop)
	k.manager = NewProcessManager(kproc, k.mmu, k.apps, logger)

	if logger != nil {
		logger.Info("kernel_initialized",
			"boot_id", k.bootID,
			"physical_frames", config.PhysicalFrames,
			"apps", k.apps.Len(),
		)
	}
	return k, nil
}

// =============================================================================
// Subsystem Access
// =============================================================================

// Manager returns the process manager.
func (k *Kernel) Manager() *ProcessManager {
	return k.manager
}

// Interrupts returns the interrupt flag.
func (k *Kernel) Interrupts() *InterruptFlag {
	return k.irq
}

// Console returns the console stdio is bound to.
func (k *Kernel) Console() Console {
	return k.console
}

// Memory returns the physical frame pool.
func (k *Kernel) Memory() *memory.PhysicalMemory {
	return k.mem
}

// MMU returns the simulated CR3.
func (k *Kernel) MMU() *memory.MMU {
	return k.mmu
}

// Apps returns the executable catalog.
func (k *Kernel) Apps() *boot.AppList {
	return k.apps
}

// Faults returns the fatal fault log.
func (k *Kernel) Faults() *FaultLog {
	return k.faults
}

// BootID identifies this boot.
func (k *Kernel) BootID() string {
	return k.bootID
}

// CurrentPID returns the running pid.
func (k *Kernel) CurrentPID() ProcessID {
	return k.manager.CurrentPID()
}

// Now returns the kernel clock.
func (k *Kernel) Now() time.Time {
	return k.clock()
}

// =============================================================================
// Scheduling
// =============================================================================

// Switch is the timer-interrupt path: save the current process into its
// PCB, re-queue it if still Ready, and restore the next Ready process into
// ctx. Returns the pid now running.
func (k *Kernel) Switch(ctx *ProcessContext) ProcessID {
	restore := k.irq.Disable()
	defer restore()
	return k.switchLocked(ctx, true)
}

func (k *Kernel) switchLocked(ctx *ProcessContext, save bool) ProcessID {
	prev := k.manager.CurrentPID()
	if save {
		k.manager.SaveCurrent(ctx)
	}
	if p, ok := k.manager.Get(prev); ok && p.Status() == StatusReady {
		k.manager.PushReady(prev)
	}

	next := k.manager.SwitchNext(ctx)
	if next == prev {
		p, ok := k.manager.Get(prev)
		if !ok || p.Status() == StatusDead || p.Status() == StatusBlocked {
			if k.manager.RestoreKernel(ctx) {
				next = KernelPID
			}
		}
	}

	if next != prev && k.logger != nil {
		k.logger.Debug("context_switch", "from", prev, "to", next)
	}
	return next
}

// =============================================================================
// Process Creation
// =============================================================================

// Spawn starts the named app as a child of the running process. env seeds
// the child's environment.
func (k *Kernel) Spawn(name string, env map[string]string) (ProcessID, error) {
	return k.SpawnFrom(k.manager.CurrentPID(), name, env)
}

// SpawnFrom starts the named app as a child of parent.
func (k *Kernel) SpawnFrom(parent ProcessID, name string, env map[string]string) (ProcessID, error) {
	restore := k.irq.Disable()
	defer restore()

	p, ok := k.manager.Get(parent)
	if !ok {
		return 0, processError("spawn", parent, ErrProcessNotFound)
	}
	if p.Status() == StatusDead {
		return 0, processError("spawn", parent, ErrProcessDead)
	}
	if ok, retry := k.forkLimiter.Allow(parent); !ok {
		return 0, fmt.Errorf("%w: parent %d, retry in %.2fs", ErrForkRateLimited, parent, retry)
	}

	data := NewProcessData(k.console)
	for key, value := range env {
		data.Env().Set(key, value)
	}

	pid, err := k.manager.SpawnByName(name, parent, data)
	if err != nil {
		if k.logger != nil {
			k.logger.Warn("spawn_failed", "name", name, "parent", parent, "error", err.Error())
		}
		return 0, err
	}

	k.emitEvent(ProcessCreatedEvent(pid, parent, strings.ToLower(name)))
	if k.logger != nil {
		k.logger.Info("process_spawned", "pid", pid, "name", name, "parent", parent)
	}
	return pid, nil
}

// Fork forks the running process and yields: the parent and then the child
// are queued behind every other Ready process. The child observes 0 in
// RAX, the parent the child's pid, or SyscallFailed if the fork failed.
func (k *Kernel) Fork(ctx *ProcessContext) ProcessID {
	restore := k.irq.Disable()
	defer restore()

	parentPID := k.manager.CurrentPID()
	parent, ok := k.manager.Get(parentPID)
	if !ok {
		ctx.SetRAX(SyscallFailed)
		return parentPID
	}
	if allowed, _ := k.forkLimiter.Allow(parentPID); !allowed {
		if k.logger != nil {
			k.logger.Warn("fork_rate_limited", "pid", parentPID)
		}
		ctx.SetRAX(SyscallFailed)
		return parentPID
	}

	k.manager.SaveCurrent(ctx)
	child, err := k.manager.Fork()
	if err != nil {
		parent.SetReturnValue(SyscallFailed)
		ctx.SetRAX(SyscallFailed)
		if k.logger != nil {
			k.logger.Warn("fork_failed", "pid", parentPID, "error", err.Error())
		}
	} else {
		ctx.SetRAX(uint64(child))
		k.emitEvent(ProcessForkedEvent(parentPID, child))
		if k.logger != nil {
			k.logger.Debug("process_forked", "parent", parentPID, "child", child)
		}
	}
	return k.switchLocked(ctx, false)
}

// =============================================================================
// Termination
// =============================================================================

// Exit terminates the running process with code and switches away from it.
func (k *Kernel) Exit(code int64, ctx *ProcessContext) ProcessID {
	restore := k.irq.Disable()
	defer restore()

	pid := k.manager.CurrentPID()
	if pid == KernelPID {
		if k.logger != nil {
			k.logger.Warn("kernel_exit_ignored", "exit_code", code)
		}
		return pid
	}
	k.killLocked(pid, code)
	return k.switchLocked(ctx, false)
}

// Kill terminates pid with code. If pid is running, ctx is switched to the
// next process.
func (k *Kernel) Kill(pid ProcessID, code int64, ctx *ProcessContext) error {
	restore := k.irq.Disable()
	defer restore()

	if pid == KernelPID {
		return processError("kill", pid, ErrKernelProcess)
	}
	p, ok := k.manager.Get(pid)
	if !ok {
		return processError("kill", pid, ErrProcessNotFound)
	}
	if p.Status() == StatusDead {
		return processError("kill", pid, ErrProcessDead)
	}

	k.killLocked(pid, code)
	if pid == k.manager.CurrentPID() && ctx != nil {
		k.switchLocked(ctx, false)
	}
	return nil
}

func (k *Kernel) killLocked(pid ProcessID, code int64) {
	old := StatusDead
	if p, ok := k.manager.Get(pid); ok {
		old = p.Status()
	}
	if !k.manager.Kill(pid, code) {
		return
	}
	k.forkLimiter.Forget(pid)
	k.emitEvent(ProcessStateChangedEvent(pid, old, StatusDead))
	k.emitEvent(ProcessExitedEvent(pid, code))
}

// WaitPID polls the exit code of pid. Returns WaitPending while pid is
// alive or if it does not exist.
func (k *Kernel) WaitPID(pid ProcessID) int64 {
	restore := k.irq.Disable()
	defer restore()

	if code, ok := k.manager.WaitPID(pid); ok {
		return code
	}
	return WaitPending
}

// WaitPIDBlocking returns the exit code of pid in RAX, blocking the running
// process until pid exits when it is still alive.
func (k *Kernel) WaitPIDBlocking(pid ProcessID, ctx *ProcessContext) ProcessID {
	restore := k.irq.Disable()
	defer restore()

	cur := k.manager.CurrentPID()
	if code, ok := k.manager.WaitPID(pid); ok {
		ctx.SetRAX(uint64(code))
		return cur
	}
	if cur == KernelPID || pid == cur || !k.manager.WaitOnExit(cur, pid) {
		ctx.SetRAX(SyscallFailed)
		return cur
	}

	k.manager.SaveCurrent(ctx)
	k.blockLocked(cur)
	return k.switchLocked(ctx, false)
}

func (k *Kernel) blockLocked(pid ProcessID) {
	if err := k.manager.Block(pid); err != nil {
		if k.logger != nil {
			k.logger.Error("block_failed", "pid", pid, "error", err.Error())
		}
		return
	}
	k.emitEvent(ProcessStateChangedEvent(pid, StatusReady, StatusBlocked))
}

// =============================================================================
// Semaphores
// =============================================================================

func (k *Kernel) currentData() (ProcessID, *ProcessData) {
	pid := k.manager.CurrentPID()
	p, ok := k.manager.Get(pid)
	if !ok {
		return pid, nil
	}
	return pid, p.Data()
}

// SemNew creates key with value in the running process's semaphore table.
// Returns 1 on success and 0 if key exists.
func (k *Kernel) SemNew(key SemaphoreKey, value int64) uint64 {
	restore := k.irq.Disable()
	defer restore()

	_, data := k.currentData()
	if data == nil || !data.Semaphores().Insert(key, value) {
		return 0
	}
	return 1
}

// SemRemove deletes key. Processes still queued on it are woken with 1.
// Returns 1 on success and 0 if key does not exist.
func (k *Kernel) SemRemove(key SemaphoreKey) uint64 {
	restore := k.irq.Disable()
	defer restore()

	_, data := k.currentData()
	if data == nil {
		return 0
	}
	waiters, ok := data.Semaphores().Remove(key)
	if !ok {
		return 0
	}
	for _, pid := range waiters {
		k.wakeLocked(pid, 1, key)
	}
	return 1
}

// SemSignal signals key, waking the longest waiter. RAX is 0 on success
// and 1 if key does not exist.
func (k *Kernel) SemSignal(key SemaphoreKey, ctx *ProcessContext) {
	restore := k.irq.Disable()
	defer restore()

	_, data := k.currentData()
	if data == nil {
		ctx.SetRAX(1)
		return
	}
	res := data.Semaphores().Signal(key)
	switch res.Kind {
	case SemNotExist:
		ctx.SetRAX(1)
	case SemWakeUp:
		k.wakeLocked(res.PID, 0, key)
		ctx.SetRAX(0)
	default:
		ctx.SetRAX(0)
	}
}

// SemWait waits on key. RAX is 1 if key does not exist, otherwise 0; when
// the count goes negative the running process is blocked and ctx switched.
func (k *Kernel) SemWait(key SemaphoreKey, ctx *ProcessContext) ProcessID {
	restore := k.irq.Disable()
	defer restore()

	pid, data := k.currentData()
	if data == nil {
		ctx.SetRAX(1)
		return pid
	}
	res := data.Semaphores().Wait(key, pid)
	switch res.Kind {
	case SemNotExist:
		ctx.SetRAX(1)
		return pid
	case SemBlock:
		ctx.SetRAX(0)
		k.manager.SaveCurrent(ctx)
		k.blockLocked(pid)
		k.emitEvent(SemaphoreEvent(KernelEventSemaphoreBlocked, pid, key))
		if k.logger != nil {
			k.logger.Debug("semaphore_blocked", "pid", pid, "key", key)
		}
		return k.switchLocked(ctx, false)
	default:
		ctx.SetRAX(0)
		return pid
	}
}

func (k *Kernel) wakeLocked(pid ProcessID, rax uint64, key SemaphoreKey) {
	if err := k.manager.WakeUp(pid, rax); err != nil {
		if k.logger != nil {
			k.logger.Warn("wake_failed", "pid", pid, "error", err.Error())
		}
		return
	}
	k.emitEvent(ProcessStateChangedEvent(pid, StatusBlocked, StatusReady))
	k.emitEvent(SemaphoreEvent(KernelEventSemaphoreWoken, pid, key))
}

// =============================================================================
// Resources
// =============================================================================

// Read reads from fd of the running process. Returns -1 on a bad fd.
func (k *Kernel) Read(fd int, buf []byte) int64 {
	restore := k.irq.Disable()
	defer restore()

	_, data := k.currentData()
	if data == nil {
		return -1
	}
	return data.Resources().Read(fd, buf)
}

// Write writes to fd of the running process. Returns -1 on a bad fd.
func (k *Kernel) Write(fd int, p []byte) int64 {
	restore := k.irq.Disable()
	defer restore()

	_, data := k.currentData()
	if data == nil {
		return -1
	}
	return data.Resources().Write(fd, p)
}

// Open opens path read-only on the kernel filesystem. Returns the new fd,
// or 0 on failure.
func (k *Kernel) Open(path string) uint64 {
	restore := k.irq.Disable()
	defer restore()

	_, data := k.currentData()
	if data == nil || k.fsys == nil {
		return 0
	}
	name := cleanPath(path)
	f, err := k.fsys.Open(name)
	if err != nil {
		if k.logger != nil {
			k.logger.Debug("open_failed", "path", path, "error", err.Error())
		}
		return 0
	}
	return uint64(data.Resources().Open(FileResource(name, f)))
}

// Close closes fd. Returns 1 on success and 0 if fd was not open.
func (k *Kernel) Close(fd int) uint64 {
	restore := k.irq.Disable()
	defer restore()

	_, data := k.currentData()
	if data == nil || !data.Resources().Close(fd) {
		return 0
	}
	return 1
}

// ListDir renders the entries of path.
func (k *Kernel) ListDir(path string) (string, error) {
	if k.fsys == nil {
		return "", fs.ErrNotExist
	}
	entries, err := fs.ReadDir(k.fsys, cleanPath(path))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, e := range entries {
		size := int64(0)
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		fmt.Fprintf(&b, "%-4s %8d  %s\n", kind, size, e.Name())
	}
	return b.String(), nil
}

// ListApps renders the executable catalog.
func (k *Kernel) ListApps() string {
	return k.apps.Format()
}

// ProcessTable renders the process table.
func (k *Kernel) ProcessTable() string {
	return k.manager.FormatProcessList()
}

func cleanPath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "."
	}
	return path
}

// =============================================================================
// Page Faults
// =============================================================================

// HandlePageFault resolves a fault at addr taken by the running process.
// An unresolvable fault kills the process and switches ctx away from it;
// the recorded fault id is returned. A fault in the kernel process returns
// ErrKernelFault.
func (k *Kernel) HandlePageFault(addr uint64, code memory.PageFaultErrorCode, ctx *ProcessContext) (bool, error) {
	restore := k.irq.Disable()
	defer restore()

	pid := k.manager.CurrentPID()
	reason := k.faultReason(pid, addr, code)
	if reason == "" && k.manager.HandlePageFault(addr, code) {
		k.emitEvent(FaultEvent(KernelEventFaultResolved, pid, addr, code))
		if k.logger != nil {
			k.logger.Debug("stack_grown", "pid", pid, "addr", addr)
		}
		return true, nil
	}
	if reason == "" {
		reason = "stack growth failed"
	}

	name := ""
	if p, ok := k.manager.Get(pid); ok {
		name = p.Name()
	}
	id := k.faults.Record(pid, name, addr, code, reason)
	k.emitEvent(FaultEvent(KernelEventFaultFatal, pid, addr, code))
	if k.logger != nil {
		k.logger.Warn("page_fault_fatal",
			"pid", pid,
			"addr", fmt.Sprintf("%#x", addr),
			"error", code.String(),
			"reason", reason,
			"fault_id", id,
		)
	}

	if pid == KernelPID {
		return false, fmt.Errorf("%w: %#x (%s)", ErrKernelFault, addr, reason)
	}
	k.killLocked(pid, FaultExitCode)
	k.switchLocked(ctx, false)
	return false, nil
}

func (k *Kernel) faultReason(pid ProcessID, addr uint64, code memory.PageFaultErrorCode) string {
	p, ok := k.manager.Get(pid)
	switch {
	case !ok:
		return "no current process"
	case code.Has(memory.ProtectionViolation):
		return "protection violation"
	case !p.IsOnStack(addr):
		return "address outside stack"
	}
	return ""
}

// =============================================================================
// Event System
// =============================================================================

// OnEvent registers an event handler.
func (k *Kernel) OnEvent(handler KernelEventHandler) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

// emitEvent emits an event to all handlers.
func (k *Kernel) emitEvent(event *KernelEvent) {
	k.eventMu.RLock()
	handlers := make([]KernelEventHandler, len(k.eventHandlers))
	copy(handlers, k.eventHandlers)
	k.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// =============================================================================
// System Status
// =============================================================================

// Status returns overall system status.
func (k *Kernel) Status() map[string]any {
	counts := k.manager.ProcessCount()
	byStatus := make(map[string]any, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	mem := k.mem.Stats()

	return map[string]any{
		"boot_id": k.bootID,
		"processes": map[string]any{
			"total":       k.manager.TotalProcesses(),
			"queue_depth": k.manager.QueueDepth(),
			"current":     int(k.manager.CurrentPID()),
			"by_status":   byStatus,
		},
		"memory": map[string]any{
			"total_frames": mem.TotalFrames,
			"used_frames":  mem.UsedFrames,
			"free_frames":  mem.FreeFrames,
			"cr3_loads":    k.mmu.Loads(),
		},
		"faults": map[string]any{
			"total": k.faults.Total(),
		},
		"interrupts_enabled": k.irq.Enabled(),
		"apps":               k.apps.Len(),
		"uptime_seconds":     time.Since(k.startedAt).Seconds(),
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// ShutdownError aggregates multiple errors that occurred during shutdown.
type ShutdownError struct {
	Errors []error
}

// Error returns a string representation of the shutdown errors.
func (e *ShutdownError) Error() string {
	if len(e.Errors) == 0 {
		return "shutdown completed with no errors"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the first error for compatibility with errors.Is/As.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown kills every live user process and restores the kernel process.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.logger != nil {
		k.logger.Info("kernel_shutdown_initiated")
	}

	restore := k.irq.Disable()
	defer restore()

	var errs []error
	procs := k.manager.ProcessList()
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID > procs[j].PID })

	for _, info := range procs {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown cancelled: %w", ctx.Err()))
			if k.logger != nil {
				k.logger.Warn("shutdown_cancelled", "error", ctx.Err().Error())
			}
			return &ShutdownError{Errors: errs}
		default:
		}

		if info.PID == KernelPID || info.Status == StatusDead {
			continue
		}
		if !k.manager.Kill(info.PID, ShutdownExitCode) {
			errs = append(errs, fmt.Errorf("failed to kill %d", info.PID))
			continue
		}
		k.emitEvent(ProcessExitedEvent(info.PID, ShutdownExitCode))
	}

	var frame ProcessContext
	k.manager.RestoreKernel(&frame)

	if k.logger != nil {
		k.logger.Info("kernel_shutdown_completed", "errors", len(errs))
	}
	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}

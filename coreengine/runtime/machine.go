// Package runtime provides the Machine - the single-core CPU that drives the
// kernel core.
//
// The Machine owns the live trap frame and serializes every trap into the
// kernel: timer ticks, syscalls, page faults, and operator actions. A tick
// that arrives while a trap has interrupts masked is latched and delivered
// when the trap returns.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
	"github.com/jeeves-cluster-organization/kcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/kcore/coreengine/syscall"
)

var tracer = otel.Tracer("kcore/runtime")

// DefaultTickInterval is the timer period.
const DefaultTickInterval = 10 * time.Millisecond

// ErrHalted is returned by traps taken after the machine halted.
var ErrHalted = errors.New("machine halted")

// Option configures a Machine.
type Option func(*Machine)

// WithTickInterval sets the timer period used by Run.
func WithTickInterval(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.tickInterval = d
		}
	}
}

// WithDispatcher replaces the syscall dispatcher.
func WithDispatcher(d *syscall.Dispatcher) Option {
	return func(m *Machine) { m.dispatcher = d }
}

// SyscallResult reports one syscall trap.
type SyscallResult struct {
	Caller  kernel.ProcessID `json:"caller"`
	Running kernel.ProcessID `json:"running"`
	// RAX is the caller's return value. It is only meaningful when Returned.
	RAX      uint64 `json:"rax"`
	Returned bool   `json:"returned"`
}

// Machine is a single simulated core.
type Machine struct {
	kernel       *kernel.Kernel
	dispatcher   *syscall.Dispatcher
	logger       kernel.Logger
	tickInterval time.Duration

	cpu   sync.Mutex
	frame kernel.ProcessContext

	ticks   atomic.Uint64
	halted  atomic.Bool
	haltErr error
}

// NewMachine creates a machine running k. The kernel process's frame is
// loaded as the live trap frame.
func NewMachine(k *kernel.Kernel, logger kernel.Logger, opts ...Option) *Machine {
	m := &Machine{
		kernel:       k,
		logger:       logger,
		tickInterval: DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dispatcher == nil {
		m.dispatcher = syscall.NewDispatcher(k, logger)
	}
	if p := k.Manager().Current(); p != nil {
		m.frame = p.Context()
	}

	k.OnEvent(func(e *kernel.KernelEvent) {
		observability.RecordKernelEvent(string(e.EventType))
	})
	return m
}

// Kernel returns the kernel this machine runs.
func (m *Machine) Kernel() *kernel.Kernel {
	return m.kernel
}

// Dispatcher returns the syscall dispatcher.
func (m *Machine) Dispatcher() *syscall.Dispatcher {
	return m.dispatcher
}

// Frame returns a copy of the live trap frame.
func (m *Machine) Frame() kernel.ProcessContext {
	m.cpu.Lock()
	defer m.cpu.Unlock()
	return m.frame
}

// Ticks returns the number of timer interrupts delivered.
func (m *Machine) Ticks() uint64 {
	return m.ticks.Load()
}

// Halted reports whether the machine stopped on an unrecoverable fault.
func (m *Machine) Halted() (bool, error) {
	if !m.halted.Load() {
		return false, nil
	}
	m.cpu.Lock()
	defer m.cpu.Unlock()
	return true, m.haltErr
}

// =============================================================================
// Traps
// =============================================================================

// Tick delivers a timer interrupt. Returns the pid running afterwards.
func (m *Machine) Tick() kernel.ProcessID {
	if !m.cpu.TryLock() {
		if !m.kernel.Interrupts().Raise() {
			observability.RecordTimerTick(true)
			return m.kernel.CurrentPID()
		}
		m.cpu.Lock()
	}
	defer m.cpu.Unlock()

	if m.halted.Load() {
		return m.kernel.CurrentPID()
	}
	if !m.kernel.Interrupts().Raise() {
		observability.RecordTimerTick(true)
		return m.kernel.CurrentPID()
	}
	if n := m.kernel.Interrupts().TakePending(); n > 0 {
		m.logDebug("latched_ticks_delivered", "count", n)
	}
	observability.RecordTimerTick(false)
	return m.switchLocked()
}

func (m *Machine) switchLocked() kernel.ProcessID {
	prev := m.kernel.CurrentPID()
	next := m.kernel.Switch(&m.frame)
	m.ticks.Add(1)
	if next != prev {
		observability.RecordContextSwitch()
	}
	m.publishLocked()
	return next
}

// deliverLatchedLocked runs a switch for ticks latched during the trap.
func (m *Machine) deliverLatchedLocked() {
	if m.halted.Load() {
		return
	}
	if n := m.kernel.Interrupts().TakePending(); n > 0 {
		m.logDebug("latched_ticks_delivered", "count", n)
		m.switchLocked()
	}
}

func (m *Machine) publishLocked() {
	counts := m.kernel.Manager().ProcessCount()
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	observability.RecordSchedulerState(
		m.kernel.Manager().QueueDepth(),
		byStatus,
		m.kernel.Memory().Stats().UsedFrames,
	)
}

// Syscall traps into the kernel as the running process with the given
// syscall number and arguments.
func (m *Machine) Syscall(ctx context.Context, nr syscall.Number, a0, a1, a2 uint64) (SyscallResult, error) {
	m.cpu.Lock()
	defer m.cpu.Unlock()

	if m.halted.Load() {
		return SyscallResult{}, ErrHalted
	}

	caller := m.kernel.CurrentPID()
	m.frame.RAX = uint64(nr)
	m.frame.RDI, m.frame.RSI, m.frame.RDX = a0, a1, a2

	running := m.dispatcher.Dispatch(ctx, &m.frame)
	res := SyscallResult{Caller: caller, Running: running}
	if running == caller {
		res.RAX, res.Returned = m.frame.RAX, true
	} else if p, ok := m.kernel.Manager().Get(caller); ok && p.Status() == kernel.StatusReady {
		res.RAX, res.Returned = p.Context().ReturnValue(), true
	}

	m.deliverLatchedLocked()
	return res, nil
}

// PageFault delivers a page fault at addr to the running process. Returns
// whether the fault was resolved. A fault the kernel process cannot survive
// halts the machine.
func (m *Machine) PageFault(ctx context.Context, addr uint64, code memory.PageFaultErrorCode) (bool, error) {
	m.cpu.Lock()
	defer m.cpu.Unlock()

	if m.halted.Load() {
		return false, ErrHalted
	}

	_, span := tracer.Start(ctx, "trap.page_fault", trace.WithAttributes(
		attribute.Int("kcore.pid", int(m.kernel.CurrentPID())),
		attribute.String("kcore.fault.addr", fmt.Sprintf("%#x", addr)),
		attribute.String("kcore.fault.code", code.String()),
	))
	defer span.End()

	resolved, err := m.kernel.HandlePageFault(addr, code, &m.frame)
	switch {
	case err != nil:
		observability.RecordPageFault("halt")
		span.RecordError(err)
		m.haltErr = err
		m.halted.Store(true)
		if m.logger != nil {
			m.logger.Error("machine_halted", "error", err.Error())
		}
		return false, err
	case resolved:
		observability.RecordPageFault("resolved")
	default:
		observability.RecordPageFault("fatal")
	}
	span.SetAttributes(attribute.Bool("kcore.fault.resolved", resolved))

	m.deliverLatchedLocked()
	return resolved, nil
}

// Do runs fn on the CPU with the live trap frame. Operator actions that
// mutate the scheduler go through here.
func (m *Machine) Do(fn func(k *kernel.Kernel, frame *kernel.ProcessContext) error) error {
	m.cpu.Lock()
	defer m.cpu.Unlock()

	if m.halted.Load() {
		return ErrHalted
	}
	err := kernel.SafeTrap(m.logger, "machine.do", func() error {
		return fn(m.kernel, &m.frame)
	})
	m.deliverLatchedLocked()
	return err
}

// Spawn starts the named app as a child of parent.
func (m *Machine) Spawn(parent kernel.ProcessID, name string, env map[string]string) (kernel.ProcessID, error) {
	var pid kernel.ProcessID
	err := m.Do(func(k *kernel.Kernel, _ *kernel.ProcessContext) error {
		var err error
		pid, err = k.SpawnFrom(parent, name, env)
		return err
	})
	return pid, err
}

// Kill terminates pid with code, switching away if it is running.
func (m *Machine) Kill(pid kernel.ProcessID, code int64) error {
	return m.Do(func(k *kernel.Kernel, frame *kernel.ProcessContext) error {
		return k.Kill(pid, code, frame)
	})
}

// =============================================================================
// Timer Loop
// =============================================================================

// Run drives the timer until ctx is cancelled or the machine halts.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	if m.logger != nil {
		m.logger.Info("machine_started", "tick_interval", m.tickInterval.String())
	}

	for {
		select {
		case <-ctx.Done():
			if m.logger != nil {
				m.logger.Info("machine_stopped", "ticks", m.Ticks())
			}
			return ctx.Err()
		case <-ticker.C:
			m.Tick()
			if halted, err := m.Halted(); halted {
				return err
			}
		}
	}
}

// Shutdown kills every user process and loads the kernel frame.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.cpu.Lock()
	defer m.cpu.Unlock()

	err := m.kernel.Shutdown(ctx)
	if p := m.kernel.Manager().Current(); p != nil {
		m.frame = p.Context()
	}
	m.publishLocked()
	return err
}

func (m *Machine) logDebug(msg string, kv ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, kv...)
	}
}

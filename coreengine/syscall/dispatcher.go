package syscall

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
	"github.com/jeeves-cluster-organization/kcore/coreengine/observability"
)

var tracer = otel.Tracer("kcore/syscall")

// MaxTransfer bounds a single copy-in or copy-out.
const MaxTransfer = 1 << 20

var (
	// ErrBadAddress is returned when a user buffer is not mapped with the
	// access the syscall needs.
	ErrBadAddress = errors.New("bad user address")
	// ErrTransferTooLarge is returned for buffers longer than MaxTransfer.
	ErrTransferTooLarge = errors.New("transfer too large")
)

// =============================================================================
// Call
// =============================================================================

// Call is one syscall in flight.
type Call struct {
	Number Number
	Args   Args
	// PID is the calling process.
	PID kernel.ProcessID
	// Frame is the live trap frame. Handlers that yield rewrite it.
	Frame  *kernel.ProcessContext
	Kernel *kernel.Kernel
}

// Return sets the syscall result in RAX.
func (c *Call) Return(v uint64) {
	c.Frame.SetRAX(v)
}

// ReturnInt sets a signed result; negative values become two's complement.
func (c *Call) ReturnInt(v int64) {
	c.Frame.SetRAX(uint64(v))
}

func (c *Call) space() (*memory.AddressSpace, error) {
	p, ok := c.Kernel.Manager().Get(c.PID)
	if !ok || p.AddressSpace() == nil {
		return nil, fmt.Errorf("%w: caller %d has no address space", ErrBadAddress, c.PID)
	}
	return p.AddressSpace(), nil
}

// CopyIn copies n bytes at ptr out of the caller's address space.
func (c *Call) CopyIn(ptr, n uint64) ([]byte, error) {
	if n > MaxTransfer {
		return nil, fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, n)
	}
	s, err := c.space()
	if err != nil {
		return nil, err
	}
	data, err := s.CopyIn(ptr, int(n))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return data, nil
}

// CopyOut copies data to ptr in the caller's address space.
func (c *Call) CopyOut(ptr uint64, data []byte) error {
	if uint64(len(data)) > MaxTransfer {
		return fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, len(data))
	}
	s, err := c.space()
	if err != nil {
		return err
	}
	if err := s.CopyOut(ptr, data); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return nil
}

// CheckOut validates that n bytes at ptr can be copied out to the caller.
func (c *Call) CheckOut(ptr, n uint64) error {
	if n > MaxTransfer {
		return fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, n)
	}
	s, err := c.space()
	if err != nil {
		return err
	}
	if err := s.CheckUserWritable(ptr, int(n)); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return nil
}

// String copies in a (ptr, len) string argument.
func (c *Call) String(ptr, n uint64) (string, error) {
	data, err := c.CopyIn(ptr, n)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// =============================================================================
// Definitions
// =============================================================================

// Handler executes one syscall. A handler sets the result itself, through
// Return or through a kernel operation that rewrites the frame. A returned
// error is reported, never delivered to the process.
type Handler func(ctx context.Context, call *Call) error

// Definition binds a syscall number to its handler.
type Definition struct {
	Number Number
	Name   string
	// Yields marks syscalls that may switch the running process.
	Yields  bool
	Handler Handler
}

// Dispatcher routes trap frames to syscall handlers.
type Dispatcher struct {
	kernel *kernel.Kernel
	logger kernel.Logger
	table  map[Number]*Definition
	mu     sync.RWMutex
}

// NewDispatcher creates a dispatcher with every standard syscall
// registered.
func NewDispatcher(k *kernel.Kernel, logger kernel.Logger) *Dispatcher {
	d := &Dispatcher{
		kernel: k,
		logger: logger,
		table:  make(map[Number]*Definition),
	}
	for _, def := range standardDefinitions() {
		if err := d.Register(def); err != nil {
			panic(err)
		}
	}
	return d
}

// Register adds or replaces a syscall.
func (d *Dispatcher) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("syscall name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("syscall handler is required for '%s'", def.Name)
	}
	if def.Number == Unknown {
		return fmt.Errorf("syscall number %d is reserved", Unknown)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.table[def.Number] = def
	return nil
}

// Has reports whether n is registered.
func (d *Dispatcher) Has(n Number) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.table[n]
	return ok
}

// List returns every registered number in ascending order.
func (d *Dispatcher) List() []Number {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Number, 0, len(d.table))
	for n := range d.table {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Definition returns the definition of n, or nil.
func (d *Dispatcher) Definition(n Number) *Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.table[n]
}

// Dispatch decodes the syscall in frame and runs it for the current
// process with interrupts masked. A panicking handler kills the caller.
// Returns the pid running afterwards.
func (d *Dispatcher) Dispatch(ctx context.Context, frame *kernel.ProcessContext) kernel.ProcessID {
	restore := d.kernel.Interrupts().Disable()
	defer restore()

	nr, a0, a1, a2 := frame.SyscallArgs()
	call := &Call{
		Number: NumberFromRAX(nr),
		Args:   Args{Arg0: a0, Arg1: a1, Arg2: a2},
		PID:    d.kernel.CurrentPID(),
		Frame:  frame,
		Kernel: d.kernel,
	}

	d.mu.RLock()
	def, ok := d.table[call.Number]
	d.mu.RUnlock()
	if !ok {
		d.logWarn("unknown_syscall", "pid", call.PID, "number", nr)
		observability.RecordSyscall(Unknown.String(), "failed", 0)
		frame.SetRAX(kernel.SyscallFailed)
		return call.PID
	}

	ctx, span := tracer.Start(ctx, "syscall."+def.Name, trace.WithAttributes(
		attribute.Int("kcore.syscall.number", int(call.Number)),
		attribute.Int("kcore.pid", int(call.PID)),
	))
	defer span.End()

	start := time.Now()
	err := kernel.SafeTrap(d.logger, "syscall."+def.Name, func() error {
		return def.Handler(ctx, call)
	})
	elapsed := time.Since(start).Seconds()

	running := d.kernel.CurrentPID()
	span.SetAttributes(attribute.Int("kcore.pid.after", int(running)))

	var perr *kernel.PanicError
	switch {
	case err == nil:
		observability.RecordSyscall(def.Name, "ok", elapsed)
		span.SetStatus(codes.Ok, "")
	case errors.As(err, &perr):
		observability.RecordSyscall(def.Name, "panic", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		running = d.killCaller(call, err)
	default:
		if errors.Is(err, ErrBadAddress) || errors.Is(err, ErrTransferTooLarge) {
			observability.RecordBadUserPointer(def.Name)
		}
		observability.RecordSyscall(def.Name, "failed", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logDebug("syscall_failed", "pid", call.PID, "syscall", def.Name, "error", err.Error())
	}
	return running
}

func (d *Dispatcher) killCaller(call *Call, cause error) kernel.ProcessID {
	if err := d.kernel.Kill(call.PID, kernel.FaultExitCode, call.Frame); err != nil {
		d.logWarn("syscall_panic_kill_failed", "pid", call.PID, "error", err.Error())
		call.Frame.SetRAX(kernel.SyscallFailed)
	} else {
		d.logWarn("syscall_panic_killed_caller", "pid", call.PID, "cause", cause.Error())
	}
	return d.kernel.CurrentPID()
}

func (d *Dispatcher) logDebug(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, kv...)
	}
}

func (d *Dispatcher) logWarn(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, kv...)
	}
}

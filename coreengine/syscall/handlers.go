package syscall

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
)

// MaxPathLen bounds path and app-name arguments.
const MaxPathLen = 256

func standardDefinitions() []*Definition {
	return []*Definition{
		{Number: Read, Name: "read", Handler: sysRead},
		{Number: Write, Name: "write", Handler: sysWrite},
		{Number: ListDir, Name: "list_dir", Handler: sysListDir},
		{Number: Open, Name: "open", Handler: sysOpen},
		{Number: Close, Name: "close", Handler: sysClose},
		{Number: GetPid, Name: "get_pid", Handler: sysGetPid},
		{Number: Fork, Name: "fork", Yields: true, Handler: sysFork},
		{Number: Spawn, Name: "spawn", Handler: sysSpawn},
		{Number: Exit, Name: "exit", Yields: true, Handler: sysExit},
		{Number: WaitPid, Name: "wait_pid", Yields: true, Handler: sysWaitPid},
		{Number: Time, Name: "time", Handler: sysTime},
		{Number: Sem, Name: "sem", Yields: true, Handler: sysSem},
		{Number: ListApp, Name: "list_app", Handler: sysListApp},
		{Number: Stat, Name: "stat", Handler: sysStat},
		{Number: Allocate, Name: "allocate", Handler: sysNoHeap},
		{Number: Deallocate, Name: "deallocate", Handler: sysNoHeap},
	}
}

// =============================================================================
// I/O
// =============================================================================

// read(fd, buf, len) -> bytes read, or -1.
func sysRead(_ context.Context, c *Call) error {
	if err := c.CheckOut(c.Args.Arg1, c.Args.Arg2); err != nil {
		c.ReturnInt(-1)
		return err
	}
	buf := make([]byte, c.Args.Arg2)
	n := c.Kernel.Read(int(c.Args.Arg0), buf)
	if n > 0 {
		if err := c.CopyOut(c.Args.Arg1, buf[:n]); err != nil {
			c.ReturnInt(-1)
			return err
		}
	}
	c.ReturnInt(n)
	return nil
}

// write(fd, buf, len) -> bytes written, or -1.
func sysWrite(_ context.Context, c *Call) error {
	data, err := c.CopyIn(c.Args.Arg1, c.Args.Arg2)
	if err != nil {
		c.ReturnInt(-1)
		return err
	}
	c.ReturnInt(c.Kernel.Write(int(c.Args.Arg0), data))
	return nil
}

// open(path, len, mode) -> fd, or 0.
func sysOpen(_ context.Context, c *Call) error {
	path, err := c.path(c.Args.Arg0, c.Args.Arg1)
	if err != nil {
		c.Return(0)
		return err
	}
	c.Return(c.Kernel.Open(path))
	return nil
}

// close(fd) -> 1, or 0 if fd was not open.
func sysClose(_ context.Context, c *Call) error {
	c.Return(c.Kernel.Close(int(c.Args.Arg0)))
	return nil
}

// list_dir(path, len) prints the directory to stdout.
func sysListDir(_ context.Context, c *Call) error {
	c.Return(0)
	path, err := c.path(c.Args.Arg0, c.Args.Arg1)
	if err != nil {
		return err
	}
	out, err := c.Kernel.ListDir(path)
	if err != nil {
		c.Kernel.Console().Warn([]byte(fmt.Sprintf("ls: %s: %v\n", path, err)))
		return err
	}
	c.Kernel.Console().Print([]byte(out))
	return nil
}

func (c *Call) path(ptr, n uint64) (string, error) {
	if n > MaxPathLen {
		return "", fmt.Errorf("%w: path of %d bytes", ErrTransferTooLarge, n)
	}
	return c.String(ptr, n)
}

// =============================================================================
// Processes
// =============================================================================

func sysGetPid(_ context.Context, c *Call) error {
	c.Return(uint64(c.PID))
	return nil
}

// fork() -> 0 in the child, the child pid in the parent.
func sysFork(_ context.Context, c *Call) error {
	c.Kernel.Fork(c.Frame)
	return nil
}

// spawn(name, len) -> pid, or 0. The child inherits the caller's
// environment.
func sysSpawn(_ context.Context, c *Call) error {
	name, err := c.path(c.Args.Arg0, c.Args.Arg1)
	if err != nil {
		c.Return(0)
		return err
	}

	var env map[string]string
	if p, ok := c.Kernel.Manager().Get(c.PID); ok {
		if data := p.Data(); data != nil {
			env = data.Env().All()
		}
	}

	pid, err := c.Kernel.Spawn(name, env)
	if err != nil {
		c.Return(0)
		return err
	}
	c.Return(uint64(pid))
	return nil
}

// exit(code) never returns to the caller.
func sysExit(_ context.Context, c *Call) error {
	c.Kernel.Exit(int64(c.Args.Arg0), c.Frame)
	return nil
}

// wait_pid(pid, flags) -> exit code, or -1. With WaitBlocking the caller
// sleeps until pid exits.
func sysWaitPid(_ context.Context, c *Call) error {
	pid := kernel.ProcessID(c.Args.Arg0)
	if c.Args.Arg1&WaitBlocking != 0 {
		c.Kernel.WaitPIDBlocking(pid, c.Frame)
		return nil
	}
	c.ReturnInt(c.Kernel.WaitPID(pid))
	return nil
}

// time() -> unix nanoseconds.
func sysTime(_ context.Context, c *Call) error {
	c.ReturnInt(c.Kernel.Now().UnixNano())
	return nil
}

// =============================================================================
// Semaphores
// =============================================================================

// sem(op, key, value)
func sysSem(_ context.Context, c *Call) error {
	key := kernel.SemaphoreKey(c.Args.Arg1)
	switch c.Args.Arg0 {
	case SemOpNew:
		c.Return(c.Kernel.SemNew(key, int64(c.Args.Arg2)))
	case SemOpRemove:
		c.Return(c.Kernel.SemRemove(key))
	case SemOpSignal:
		c.Kernel.SemSignal(key, c.Frame)
	case SemOpWait:
		c.Kernel.SemWait(key, c.Frame)
	default:
		c.Return(kernel.SyscallFailed)
		return fmt.Errorf("unknown semaphore op %d", c.Args.Arg0)
	}
	return nil
}

// =============================================================================
// Introspection
// =============================================================================

func sysListApp(_ context.Context, c *Call) error {
	c.Kernel.Console().Print([]byte(c.Kernel.ListApps()))
	c.Return(0)
	return nil
}

func sysStat(_ context.Context, c *Call) error {
	c.Kernel.Console().Print([]byte(c.Kernel.ProcessTable()))
	c.Return(0)
	return nil
}

// The core provides no user heap.
func sysNoHeap(_ context.Context, c *Call) error {
	c.Return(0)
	return nil
}

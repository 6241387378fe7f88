// Package main provides kctl, the operator CLI for a running kcore server.
//
// Every command prints one JSON document to stdout; watch prints one JSON
// event per line. Errors go to stderr with a non-zero exit status.
//
// Usage:
//
//	kctl ps
//	kctl spawn hello -env HOME=/ -env USER=root
//	kctl tick -n 10
//	kctl syscall fork
//	kctl syscall wait_pid 3 1
//	kctl kill 3 -code 9
//	kctl watch -type process.exited
//	kctl -addr 10.0.0.2:50051 status
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	kgrpc "github.com/jeeves-cluster-organization/kcore/coreengine/grpc"
	ksys "github.com/jeeves-cluster-organization/kcore/coreengine/syscall"
	"github.com/jeeves-cluster-organization/kcore/coreengine/typeutil"
)

// Version information
const Version = "0.3.0"

const (
	cmdPs       = "ps"
	cmdGet      = "get"
	cmdSpawn    = "spawn"
	cmdKill     = "kill"
	cmdWait     = "wait"
	cmdTick     = "tick"
	cmdSyscall  = "syscall"
	cmdFault    = "fault"
	cmdStatus   = "status"
	cmdFaults   = "faults"
	cmdWatch    = "watch"
	cmdVersion  = "version"
	defaultAddr = "localhost:50051"
)

// dial opens the client. Tests replace it with an in-memory dialer.
var dial = func(addr string) (*kgrpc.Client, error) {
	return kgrpc.Dial(addr)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one kctl invocation and returns the exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("kctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { printUsage(stderr) }
	addr := global.String("addr", defaultAddr, "kcore gRPC address")
	timeout := global.Duration("timeout", 5*time.Second, "per-call timeout (watch ignores it)")
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}
	cmd, cmdArgs := rest[0], rest[1:]

	if cmd == cmdVersion {
		return writeJSON(stdout, stderr, map[string]string{"version": Version})
	}

	client, err := dial(*addr)
	if err != nil {
		return fail(stderr, err)
	}
	defer client.Close()

	if cmd != cmdWatch {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	var result any
	switch cmd {
	case cmdPs:
		result, err = client.ListProcesses(ctx)
	case cmdGet:
		result, err = handleGet(ctx, client, cmdArgs)
	case cmdSpawn:
		result, err = handleSpawn(ctx, client, cmdArgs, stderr)
	case cmdKill:
		result, err = handleKill(ctx, client, cmdArgs, stderr)
	case cmdWait:
		result, err = handleWait(ctx, client, cmdArgs)
	case cmdTick:
		result, err = handleTick(ctx, client, cmdArgs, stderr)
	case cmdSyscall:
		result, err = handleSyscall(ctx, client, cmdArgs)
	case cmdFault:
		result, err = handleFault(ctx, client, cmdArgs)
	case cmdStatus:
		result, err = handleStatus(ctx, client, cmdArgs, stderr)
	case cmdFaults:
		result, err = handleFaults(ctx, client, cmdArgs, stderr)
	case cmdWatch:
		err = handleWatch(ctx, client, cmdArgs, stdout, stderr)
		if err != nil && !errors.Is(err, context.Canceled) && status.Code(err) != codes.Canceled {
			return fail(stderr, err)
		}
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}

	if err != nil {
		return fail(stderr, err)
	}
	return writeJSON(stdout, stderr, result)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: kctl [-addr host:port] [-timeout d] <command> [args]

Commands:
  ps                          List processes and the ready queue
  get <pid>                   Show one process with its environment
  spawn <app> [-parent pid] [-env K=V]...
                              Start an app (default parent: kernel)
  kill <pid> [-code n]        Terminate a process
  wait <pid>                  Report a process's exit code
  tick [-n count]             Deliver timer interrupts
  syscall <name|nr> [args]    Trap as the running process
  fault <addr> <code>         Deliver a page fault to the running process
  status [-field a.b]         Kernel and machine status
  faults [-limit n]           Recent fatal faults
  watch [-type t]... [-pid n] Stream kernel events
  version                     Print version information`)
}

// =============================================================================
// Commands
// =============================================================================

func handleGet(ctx context.Context, c *kgrpc.Client, args []string) (any, error) {
	pid, err := pidArg(args)
	if err != nil {
		return nil, err
	}
	return c.GetProcess(ctx, pid)
}

func handleStatus(ctx context.Context, c *kgrpc.Client, args []string, stderr io.Writer) (any, error) {
	fs := flag.NewFlagSet(cmdStatus, flag.ContinueOnError)
	fs.SetOutput(stderr)
	field := fs.String("field", "", "dot-separated path of a single value, e.g. machine.ticks")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	st, err := c.SystemStatus(ctx)
	if err != nil || *field == "" {
		return st, err
	}
	v, ok := typeutil.GetNestedValue(st, *field)
	if !ok {
		return nil, fmt.Errorf("status: no field %q", *field)
	}
	return map[string]any{*field: v}, nil
}

// envFlag collects repeated -env K=V flags.
type envFlag map[string]string

func (e envFlag) String() string { return fmt.Sprint(map[string]string(e)) }

func (e envFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", s)
	}
	e[k] = v
	return nil
}

func handleSpawn(ctx context.Context, c *kgrpc.Client, args []string, stderr io.Writer) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("spawn: app name required")
	}
	app := args[0]

	fs := flag.NewFlagSet(cmdSpawn, flag.ContinueOnError)
	fs.SetOutput(stderr)
	parent := fs.Uint("parent", 0, "parent pid (default: kernel)")
	env := envFlag{}
	fs.Var(env, "env", "environment variable KEY=VALUE (repeatable)")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	pid, err := c.Spawn(ctx, app, uint32(*parent), env)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pid": pid, "app": app}, nil
}

func handleKill(ctx context.Context, c *kgrpc.Client, args []string, stderr io.Writer) (any, error) {
	pid, err := pidArg(args)
	if err != nil {
		return nil, err
	}
	fs := flag.NewFlagSet(cmdKill, flag.ContinueOnError)
	fs.SetOutput(stderr)
	code := fs.Int64("code", 0, "exit code")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	if err := c.Kill(ctx, pid, *code); err != nil {
		return nil, err
	}
	return map[string]any{"pid": pid, "killed": true, "exit_code": *code}, nil
}

func handleWait(ctx context.Context, c *kgrpc.Client, args []string) (any, error) {
	pid, err := pidArg(args)
	if err != nil {
		return nil, err
	}
	code, exited, err := c.WaitPid(ctx, pid)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"pid": pid, "exited": exited}
	if exited {
		result["exit_code"] = code
	}
	return result, nil
}

func handleTick(ctx context.Context, c *kgrpc.Client, args []string, stderr io.Writer) (any, error) {
	fs := flag.NewFlagSet(cmdTick, flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.Int("n", 1, "number of timer interrupts")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	running, err := c.Tick(ctx, *n)
	if err != nil {
		return nil, err
	}
	return map[string]any{"running": running, "ticks": *n}, nil
}

func handleSyscall(ctx context.Context, c *kgrpc.Client, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("syscall: name or number required")
	}
	nr, ok := ksys.ParseNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("syscall: unknown syscall %q", args[0])
	}
	if len(args) > 4 {
		return nil, errors.New("syscall: at most 3 arguments")
	}

	values := make([]uint64, 0, 3)
	for _, a := range args[1:] {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("syscall: bad argument %q", a)
		}
		values = append(values, v)
	}

	reply, err := c.Syscall(ctx, uint64(nr), values...)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":       reply.Name,
		"caller":     reply.Caller,
		"running":    reply.Running,
		"returned":   reply.Returned,
		"rax":        reply.RAX,
		"rax_signed": int64(reply.RAX),
	}, nil
}

func handleFault(ctx context.Context, c *kgrpc.Client, args []string) (any, error) {
	if len(args) != 2 {
		return nil, errors.New("fault: address and error code required")
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return nil, fmt.Errorf("fault: bad address %q", args[0])
	}
	code, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return nil, fmt.Errorf("fault: bad error code %q", args[1])
	}

	resolved, err := c.PageFault(ctx, addr, code)
	if err != nil {
		return nil, err
	}
	return map[string]any{"addr": fmt.Sprintf("%#x", addr), "resolved": resolved}, nil
}

func handleFaults(ctx context.Context, c *kgrpc.Client, args []string, stderr io.Writer) (any, error) {
	fs := flag.NewFlagSet(cmdFaults, flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 0, "most recent faults to show (0: all)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c.ListFaults(ctx, *limit)
}

// typesFlag collects repeated -type flags.
type typesFlag []string

func (t *typesFlag) String() string { return strings.Join(*t, ",") }

func (t *typesFlag) Set(s string) error {
	*t = append(*t, s)
	return nil
}

func handleWatch(ctx context.Context, c *kgrpc.Client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(cmdWatch, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var types typesFlag
	fs.Var(&types, "type", "event type to show (repeatable)")
	pid := fs.Uint("pid", 0, "only events for this pid")
	if err := fs.Parse(args); err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	return c.WatchEvents(ctx, types, func(event map[string]any) error {
		if *pid != 0 {
			if p, _ := typeutil.SafeUint32(event["pid"]); uint(p) != *pid {
				return nil
			}
		}
		return enc.Encode(event)
	})
}

// =============================================================================
// Helpers
// =============================================================================

func pidArg(args []string) (uint32, error) {
	if len(args) == 0 {
		return 0, errors.New("pid required")
	}
	pid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || pid == 0 {
		return 0, fmt.Errorf("bad pid %q", args[0])
	}
	return uint32(pid), nil
}

// writeJSON writes v to stdout as indented JSON.
func writeJSON(stdout, stderr io.Writer, v any) int {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(stderr, "Error encoding JSON: %s\n", err.Error())
		return 1
	}
	return 0
}

// fail reports err on stderr. gRPC errors show their code.
func fail(stderr io.Writer, err error) int {
	if st, ok := status.FromError(err); ok {
		fmt.Fprintf(stderr, "Error: %s: %s\n", st.Code(), st.Message())
		return 1
	}
	fmt.Fprintf(stderr, "Error: %s\n", err.Error())
	return 1
}

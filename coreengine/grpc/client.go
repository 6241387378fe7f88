package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/kcore/coreengine/typeutil"
)

// Client is a KernelService client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a KernelService at target without transport security.
// Extra options are appended to the defaults.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(target, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with a JSON-shaped request.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// =============================================================================
// Typed Calls
// =============================================================================

// SyscallReply is the decoded result of Syscall.
type SyscallReply struct {
	Name     string
	Caller   uint32
	Running  uint32
	Returned bool
	RAX      uint64
}

// Spawn starts app as a child of parent (0 for the kernel process).
func (c *Client) Spawn(ctx context.Context, app string, parent uint32, env map[string]string) (uint32, error) {
	req := map[string]any{"app": app}
	if parent != 0 {
		req["parent"] = parent
	}
	if len(env) > 0 {
		e := make(map[string]any, len(env))
		for k, v := range env {
			e[k] = v
		}
		req["env"] = e
	}
	out, err := c.Call(ctx, MethodSpawn, req)
	if err != nil {
		return 0, err
	}
	return uint32Field(out, "pid"), nil
}

// Tick delivers count timer interrupts and returns the running pid.
func (c *Client) Tick(ctx context.Context, count int) (uint32, error) {
	out, err := c.Call(ctx, MethodTick, map[string]any{"count": count})
	if err != nil {
		return 0, err
	}
	return uint32Field(out, "running"), nil
}

// Syscall traps as the running process.
func (c *Client) Syscall(ctx context.Context, number uint64, args ...uint64) (*SyscallReply, error) {
	list := make([]any, len(args))
	for i, a := range args {
		list[i] = strconv.FormatUint(a, 10)
	}
	out, err := c.Call(ctx, MethodSyscall, map[string]any{
		"number": strconv.FormatUint(number, 10),
		"args":   list,
	})
	if err != nil {
		return nil, err
	}

	reply := &SyscallReply{
		Caller:  uint32Field(out, "caller"),
		Running: uint32Field(out, "running"),
	}
	reply.Name, _ = typeutil.SafeString(out["name"])
	reply.Returned, _ = typeutil.SafeBool(out["returned"])
	if v, present := out["rax"]; present {
		rax, ok := typeutil.SafeUint64(v)
		if !ok {
			return nil, fmt.Errorf("bad rax %v", v)
		}
		reply.RAX = rax
	}
	return reply, nil
}

// Kill terminates pid with code.
func (c *Client) Kill(ctx context.Context, pid uint32, code int64) error {
	_, err := c.Call(ctx, MethodKill, map[string]any{"pid": pid, "code": code})
	return err
}

// WaitPid polls pid. exited is false while it is alive.
func (c *Client) WaitPid(ctx context.Context, pid uint32) (code int64, exited bool, err error) {
	out, err := c.Call(ctx, MethodWaitPid, map[string]any{"pid": pid})
	if err != nil {
		return 0, false, err
	}
	exited, _ = typeutil.SafeBool(out["exited"])
	code, _ = typeutil.SafeInt64(out["exit_code"])
	return code, exited, nil
}

// ListProcesses returns the process table.
func (c *Client) ListProcesses(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodListProcesses, nil)
}

// GetProcess returns one process.
func (c *Client) GetProcess(ctx context.Context, pid uint32) (map[string]any, error) {
	return c.Call(ctx, MethodGetProcess, map[string]any{"pid": pid})
}

// PageFault delivers a page fault to the running process.
func (c *Client) PageFault(ctx context.Context, addr, code uint64) (bool, error) {
	out, err := c.Call(ctx, MethodPageFault, map[string]any{
		"addr": fmt.Sprintf("%#x", addr),
		"code": strconv.FormatUint(code, 10),
	})
	if err != nil {
		return false, err
	}
	resolved, _ := typeutil.SafeBool(out["resolved"])
	return resolved, nil
}

// SystemStatus returns kernel and machine status.
func (c *Client) SystemStatus(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodSystemStatus, nil)
}

// ListFaults returns up to limit recent faults; 0 returns all.
func (c *Client) ListFaults(ctx context.Context, limit int) (map[string]any, error) {
	return c.Call(ctx, MethodListFaults, map[string]any{"limit": limit})
}

// WatchEvents streams kernel events to fn until ctx ends, the server
// closes the stream, or fn returns an error. types filters by event type.
func (c *Client) WatchEvents(ctx context.Context, types []string, fn func(map[string]any) error) error {
	req := map[string]any{}
	if len(types) > 0 {
		list := make([]any, len(types))
		for i, t := range types {
			list[i] = t
		}
		req["types"] = list
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return err
	}

	desc := &KernelServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, FullMethod(MethodWatchEvents))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(out.AsMap()); err != nil {
			return err
		}
	}
}

func uint32Field(m map[string]any, key string) uint32 {
	n, _ := typeutil.SafeUint32(m[key])
	return n
}

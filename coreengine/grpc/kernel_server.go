package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
	"github.com/jeeves-cluster-organization/kcore/coreengine/runtime"
	"github.com/jeeves-cluster-organization/kcore/coreengine/syscall"
)

const (
	// MaxTicksPerCall bounds Tick.count.
	MaxTicksPerCall = 10000
	// EventBufferSize is the per-subscriber event queue. Events beyond it
	// are dropped for that subscriber.
	EventBufferSize = 256
)

// KernelServer implements KernelService over a running machine.
// Thread-safe: every mutation goes through the machine's trap entry.
type KernelServer struct {
	logger  Logger
	machine *runtime.Machine

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	done      chan struct{}
	closeOnce sync.Once
}

type subscriber struct {
	events  chan *kernel.KernelEvent
	dropped uint64
}

// NewKernelServer creates a KernelService server for m.
func NewKernelServer(logger Logger, m *runtime.Machine) *KernelServer {
	s := &KernelServer{
		logger:  logger,
		machine: m,
		subs:    make(map[int]*subscriber),
		done:    make(chan struct{}),
	}
	m.Kernel().OnEvent(s.publish)
	return s
}

// Close ends every open event stream. Unary calls are unaffected.
func (s *KernelServer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *KernelServer) kernel() *kernel.Kernel {
	return s.machine.Kernel()
}

// =============================================================================
// Process Lifecycle
// =============================================================================

// Spawn starts an app. Request: {app, parent?, env?}. Response: {pid}.
func (s *KernelServer) Spawn(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	app, err := requiredString(req, "app")
	if err != nil {
		return nil, err
	}
	parent, err := optionalUint64(req, "parent", uint64(kernel.KernelPID))
	if err != nil {
		return nil, err
	}
	env, err := stringMap(req, "env")
	if err != nil {
		return nil, err
	}

	pid, err := s.machine.Spawn(kernel.ProcessID(parent), app, env)
	if err != nil {
		return nil, kernelError("spawn", err)
	}

	s.logger.Info("operator_spawned", "pid", pid, "app", app, "parent", parent)
	return newStruct(map[string]any{"pid": uint32(pid)})
}

// Kill terminates a process. Request: {pid, code?}.
func (s *KernelServer) Kill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requiredPID(req, "pid")
	if err != nil {
		return nil, err
	}
	code, err := optionalInt64(req, "code")
	if err != nil {
		return nil, err
	}

	if err := s.machine.Kill(pid, code); err != nil {
		return nil, kernelError("kill", err)
	}

	s.logger.Info("operator_killed", "pid", pid, "exit_code", code)
	return newStruct(map[string]any{"pid": uint32(pid), "exit_code": code})
}

// WaitPid polls a process's exit code. Request: {pid}.
// Response: {pid, exited, exit_code?}.
func (s *KernelServer) WaitPid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requiredPID(req, "pid")
	if err != nil {
		return nil, err
	}
	p, ok := s.kernel().Manager().Get(pid)
	if !ok {
		return nil, NotFound("process", strconv.FormatUint(uint64(pid), 10))
	}

	out := map[string]any{"pid": uint32(pid), "exited": false}
	if _, exited := p.ExitCode(); exited {
		out["exited"] = true
		out["exit_code"] = s.kernel().WaitPID(pid)
	}
	return newStruct(out)
}

// =============================================================================
// Traps
// =============================================================================

// Tick delivers timer interrupts. Request: {count?}. Response:
// {running, ticks}.
func (s *KernelServer) Tick(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	count, err := optionalUint64(req, "count", 1)
	if err != nil {
		return nil, err
	}
	if count == 0 || count > MaxTicksPerCall {
		return nil, status.Errorf(codes.InvalidArgument, "count must be in [1, %d]", MaxTicksPerCall)
	}
	if halted, haltErr := s.machine.Halted(); halted {
		return nil, kernelError("tick", fmt.Errorf("%w: %v", runtime.ErrHalted, haltErr))
	}

	var running kernel.ProcessID
	for i := uint64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, status.FromContextError(err).Err()
		}
		running = s.machine.Tick()
	}
	return newStruct(map[string]any{
		"running": uint32(running),
		"ticks":   s.machine.Ticks(),
	})
}

// Syscall traps as the running process. Request: {number, args?}.
// Response: {name, caller, running, returned, rax}. rax is a decimal
// string; rax_signed carries the same bits as a signed value.
func (s *KernelServer) Syscall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	nr, err := requiredUint64(req, "number")
	if err != nil {
		return nil, err
	}
	args, err := syscallArgs(req)
	if err != nil {
		return nil, err
	}

	number := syscall.NumberFromRAX(nr)
	res, err := s.machine.Syscall(ctx, number, args[0], args[1], args[2])
	if err != nil {
		return nil, kernelError("syscall", err)
	}

	out := map[string]any{
		"name":     number.String(),
		"caller":   uint32(res.Caller),
		"running":  uint32(res.Running),
		"returned": res.Returned,
	}
	if res.Returned {
		out["rax"] = strconv.FormatUint(res.RAX, 10)
		out["rax_signed"] = int64(res.RAX)
	}
	return newStruct(out)
}

// PageFault delivers a page fault to the running process. Request:
// {addr, code}. Response: {resolved}.
func (s *KernelServer) PageFault(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	addr, err := requiredUint64(req, "addr")
	if err != nil {
		return nil, err
	}
	code, err := optionalUint64(req, "code", 0)
	if err != nil {
		return nil, err
	}

	resolved, err := s.machine.PageFault(ctx, addr, memory.PageFaultErrorCode(code))
	if err != nil {
		return nil, kernelError("page fault", err)
	}
	return newStruct(map[string]any{"resolved": resolved})
}

// =============================================================================
// Introspection
// =============================================================================

// ListProcesses returns the process table and the ready queue.
func (s *KernelServer) ListProcesses(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := s.kernel().Manager()
	return newStruct(map[string]any{
		"current":     uint32(m.CurrentPID()),
		"processes":   m.ProcessList(),
		"ready_queue": m.ReadyQueue(),
	})
}

// GetProcess returns one process. Request: {pid}.
func (s *KernelServer) GetProcess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requiredPID(req, "pid")
	if err != nil {
		return nil, err
	}
	p, ok := s.kernel().Manager().Get(pid)
	if !ok {
		return nil, NotFound("process", strconv.FormatUint(uint64(pid), 10))
	}

	out := map[string]any{"process": p.Info()}
	if data := p.Data(); data != nil {
		out["env"] = data.Env().All()
	}
	return newStruct(out)
}

// SystemStatus returns kernel and machine status.
func (s *KernelServer) SystemStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st := s.kernel().Status()
	halted, haltErr := s.machine.Halted()
	machine := map[string]any{
		"ticks":  s.machine.Ticks(),
		"halted": halted,
	}
	if haltErr != nil {
		machine["halt_error"] = haltErr.Error()
	}
	st["machine"] = machine
	return newStruct(st)
}

// ListFaults returns recent fatal faults, newest first. Request: {limit?}.
func (s *KernelServer) ListFaults(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, err := optionalUint64(req, "limit", 0)
	if err != nil {
		return nil, err
	}
	log := s.kernel().Faults()
	recs := log.Recent(int(min(limit, 1<<16)))

	faults := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		faults = append(faults, map[string]any{
			"id":        r.ID,
			"pid":       r.PID,
			"name":      r.Name,
			"addr":      fmt.Sprintf("%#x", r.Addr),
			"code":      r.Code,
			"reason":    r.Reason,
			"timestamp": r.Timestamp,
		})
	}
	return newStruct(map[string]any{"faults": faults, "total": log.Total()})
}

// =============================================================================
// Event Stream
// =============================================================================

// WatchEvents streams kernel events until the client goes away. Request:
// {types?: [event_type...], pid?}.
func (s *KernelServer) WatchEvents(req *structpb.Struct, stream EventStream) error {
	types := map[string]bool{}
	if v, ok := field(req, "types"); ok {
		list := v.GetListValue()
		if list == nil {
			return status.Errorf(codes.InvalidArgument, "types must be a list")
		}
		for _, t := range list.Values {
			types[t.GetStringValue()] = true
		}
	}
	pid, err := optionalUint64(req, "pid", 0)
	if err != nil {
		return err
	}

	id, sub := s.subscribe()
	defer s.unsubscribe(id)

	ctx := stream.Context()
	s.logger.Debug("event_watch_started", "subscriber", id)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event_watch_stopped", "subscriber", id)
			return nil
		case <-s.done:
			return nil
		case e := <-sub.events:
			if len(types) > 0 && !types[string(e.EventType)] {
				continue
			}
			if pid != 0 && uint64(e.PID) != pid {
				continue
			}
			msg, err := newStruct(e)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// SubscriberCount returns the number of open event streams.
func (s *KernelServer) SubscriberCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (s *KernelServer) subscribe() (int, *subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	sub := &subscriber{events: make(chan *kernel.KernelEvent, EventBufferSize)}
	s.subs[s.nextSub] = sub
	return s.nextSub, sub
}

func (s *KernelServer) unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if sub, ok := s.subs[id]; ok && sub.dropped > 0 {
		s.logger.Warn("event_watch_dropped", "subscriber", id, "dropped", sub.dropped)
	}
	delete(s.subs, id)
}

// publish runs inside kernel operations and must not block.
func (s *KernelServer) publish(e *kernel.KernelEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.events <- e:
		default:
			sub.dropped++
		}
	}
}

// =============================================================================
// Conversion
// =============================================================================

// newStruct converts v through its JSON form so kernel types keep their
// json tags on the wire.
func newStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, Internal("encode response", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, Internal("encode response", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, Internal("encode response", err)
	}
	return out, nil
}

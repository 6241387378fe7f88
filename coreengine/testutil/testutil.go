// Package testutil provides shared fixtures for integration tests: a booted
// kernel on a machine, an in-memory KernelService, and recorders for logs
// and kernel events.
//
// Packages below grpc (kernel, syscall, runtime) keep their own harnesses;
// importing this package from them would be a cycle.
package testutil

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jeeves-cluster-organization/kcore/coreengine/boot"
	kgrpc "github.com/jeeves-cluster-organization/kcore/coreengine/grpc"
	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/kcore/coreengine/runtime"
)

// DefaultFrames is the physical memory given to test kernels.
const DefaultFrames = 2048

// =============================================================================
// MOCK LOGGER
// =============================================================================

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// MockLogger implements kernel.Logger and grpc.Logger and records calls.
type MockLogger struct {
	entries []LogEntry
	mu      sync.Mutex
}

// NewMockLogger creates an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (l *MockLogger) log(level, msg string, keysAndValues []any) {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

func (l *MockLogger) Debug(msg string, keysAndValues ...any) { l.log("debug", msg, keysAndValues) }
func (l *MockLogger) Info(msg string, keysAndValues ...any)  { l.log("info", msg, keysAndValues) }
func (l *MockLogger) Warn(msg string, keysAndValues ...any)  { l.log("warn", msg, keysAndValues) }
func (l *MockLogger) Error(msg string, keysAndValues ...any) { l.log("error", msg, keysAndValues) }

// Entries returns a copy of the captured calls (thread-safe).
func (l *MockLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Find returns the first entry with msg.
func (l *MockLogger) Find(msg string) (LogEntry, bool) {
	for _, e := range l.Entries() {
		if e.Message == msg {
			return e, true
		}
	}
	return LogEntry{}, false
}

// Clear removes all captured calls.
func (l *MockLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// =============================================================================
// EVENT RECORDER
// =============================================================================

// EventRecorder captures kernel events. Register Handle with
// Kernel.OnEvent.
type EventRecorder struct {
	events []kernel.KernelEvent
	mu     sync.Mutex
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Handle records e. It never blocks.
func (r *EventRecorder) Handle(e *kernel.KernelEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
}

// Events returns a copy of captured events (thread-safe).
func (r *EventRecorder) Events() []kernel.KernelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kernel.KernelEvent, len(r.events))
	copy(out, r.events)
	return out
}

// PIDs returns the pids of captured events of type t, in order.
func (r *EventRecorder) PIDs(t kernel.KernelEventType) []kernel.ProcessID {
	var pids []kernel.ProcessID
	for _, e := range r.Events() {
		if e.EventType == t {
			pids = append(pids, e.PID)
		}
	}
	return pids
}

// =============================================================================
// KERNEL FIXTURES
// =============================================================================

// Fixture is a booted machine with its collaborators.
type Fixture struct {
	Machine *runtime.Machine
	Console *kernel.BufferConsole
	Logger  *MockLogger
	Events  *EventRecorder
}

// Kernel returns the fixture's kernel.
func (f *Fixture) Kernel() *kernel.Kernel {
	return f.Machine.Kernel()
}

// NewFixture boots a kernel with the demo apps on a fresh machine. Extra
// options are applied after the defaults.
func NewFixture(t testing.TB, opts ...kernel.Option) *Fixture {
	t.Helper()
	f := &Fixture{
		Console: kernel.NewBufferConsole(),
		Logger:  NewMockLogger(),
		Events:  NewEventRecorder(),
	}

	all := append([]kernel.Option{
		kernel.WithApps(boot.DemoApps()),
		kernel.WithConsole(f.Console),
	}, opts...)
	k, err := kernel.NewKernel(f.Logger, &kernel.KernelConfig{PhysicalFrames: DefaultFrames}, all...)
	require.NoError(t, err)
	k.OnEvent(f.Events.Handle)

	f.Machine = runtime.NewMachine(k, f.Logger)
	return f
}

// Spawn starts app under the kernel process.
func (f *Fixture) Spawn(t testing.TB, app string) kernel.ProcessID {
	t.Helper()
	pid, err := f.Machine.Spawn(kernel.KernelPID, app, nil)
	require.NoError(t, err)
	return pid
}

// =============================================================================
// IN-MEMORY SERVER
// =============================================================================

// Server is a KernelService served over an in-memory listener.
type Server struct {
	*Fixture
	Service *kgrpc.KernelServer
	lis     *bufconn.Listener
}

// StartServer serves f's machine until the test ends.
func StartServer(t testing.TB, f *Fixture) *Server {
	t.Helper()
	ks := kgrpc.NewKernelServer(f.Logger, f.Machine)
	lis := bufconn.Listen(1 << 20)
	gs := kgrpc.NewGracefulServer(f.Logger, ks, "bufnet", kgrpc.ServerOptions(f.Logger)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gs.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &Server{Fixture: f, Service: ks, lis: lis}
}

// Dial opens a client to the server. The caller closes it.
func (s *Server) Dial() (*kgrpc.Client, error) {
	return kgrpc.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
	)
}

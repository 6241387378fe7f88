package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgrpc "github.com/jeeves-cluster-organization/kcore/coreengine/grpc"
	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/kcore/coreengine/runtime"
	"github.com/jeeves-cluster-organization/kcore/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// startServer serves KernelService in memory and points dial at it.
func startServer(t *testing.T) (*runtime.Machine, *kgrpc.KernelServer) {
	t.Helper()
	srv := testutil.StartServer(t, testutil.NewFixture(t))

	prev := dial
	dial = func(string) (*kgrpc.Client, error) { return srv.Dial() }
	t.Cleanup(func() { dial = prev })

	return srv.Machine, srv.Service
}

// kctl runs one invocation and returns stdout, stderr and the exit code.
func kctl(t *testing.T, args ...string) (map[string]any, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)

	var out map[string]any
	if stdout.Len() > 0 {
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &out), stdout.String())
	}
	return out, stderr.String(), code
}

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestVersion(t *testing.T) {
	out, _, code := kctl(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, Version, out["version"])
}

func TestUsageErrors(t *testing.T) {
	_, stderr, code := kctl(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage: kctl")

	startServer(t)
	_, stderr, code = kctl(t, "reboot")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: reboot")

	_, stderr, code = kctl(t, "get")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "pid required")

	_, stderr, code = kctl(t, "syscall", "teleport")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown syscall")

	_, stderr, code = kctl(t, "spawn", "hello", "-env", "NOEQUALS")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "KEY=VALUE")
}

func TestSpawnTickSyscall(t *testing.T) {
	startServer(t)

	out, _, code := kctl(t, "spawn", "hello", "-env", "HOME=/")
	require.Equal(t, 0, code)
	assert.Equal(t, 2.0, out["pid"])

	out, _, code = kctl(t, "get", "2")
	require.Equal(t, 0, code)
	assert.Equal(t, map[string]any{"HOME": "/"}, out["env"])

	out, _, code = kctl(t, "tick")
	require.Equal(t, 0, code)
	assert.Equal(t, 2.0, out["running"])

	out, _, code = kctl(t, "syscall", "get_pid")
	require.Equal(t, 0, code)
	assert.Equal(t, "get_pid", out["name"])
	assert.Equal(t, 2.0, out["caller"])
	assert.Equal(t, 2.0, out["rax"])
	assert.Equal(t, true, out["returned"])

	out, _, code = kctl(t, "ps")
	require.Equal(t, 0, code)
	assert.Equal(t, 2.0, out["current"])
	assert.Len(t, out["processes"], 2)
}

func TestKillAndWait(t *testing.T) {
	startServer(t)

	_, _, code := kctl(t, "spawn", "counter")
	require.Equal(t, 0, code)

	out, _, code := kctl(t, "wait", "2")
	require.Equal(t, 0, code)
	assert.Equal(t, false, out["exited"])
	assert.NotContains(t, out, "exit_code")

	out, _, code = kctl(t, "kill", "2", "-code", "9")
	require.Equal(t, 0, code)
	assert.Equal(t, true, out["killed"])

	out, _, code = kctl(t, "wait", "2")
	require.Equal(t, 0, code)
	assert.Equal(t, true, out["exited"])
	assert.Equal(t, 9.0, out["exit_code"])

	_, stderr, code := kctl(t, "kill", "1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "PermissionDenied")

	_, stderr, code = kctl(t, "get", "99")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "NotFound")
}

func TestStatusAndFaults(t *testing.T) {
	startServer(t)

	out, _, code := kctl(t, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "machine")

	_, _, code = kctl(t, "tick", "-n", "3")
	require.Equal(t, 0, code)
	out, _, code = kctl(t, "status", "-field", "machine.ticks")
	require.Equal(t, 0, code)
	assert.Equal(t, map[string]any{"machine.ticks": 3.0}, out)

	_, stderr, code := kctl(t, "status", "-field", "machine.nothing")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no field")

	out, _, code = kctl(t, "faults", "-limit", "5")
	require.Equal(t, 0, code)
	assert.Equal(t, 0.0, out["total"])
}

func TestWatch(t *testing.T) {
	m, ks := startServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	var stdout, stderr syncBuffer
	result := make(chan int, 1)
	go func() {
		result <- run(ctx, []string{"watch", "-type", "process.created"}, &stdout, &stderr)
	}()

	require.Eventually(t, func() bool { return ks.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := m.Spawn(kernel.KernelPID, "hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "process.created")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case code := <-result:
		assert.Equal(t, 0, code, stderr.String())
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}

	var event map[string]any
	line := strings.SplitN(stdout.String(), "\n", 2)[0]
	require.NoError(t, json.Unmarshal([]byte(line), &event))
	assert.Equal(t, "process.created", event["event_type"])
	assert.Equal(t, 2.0, event["pid"])
}

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
)

// =============================================================================
// LOGGER TESTS
// =============================================================================

func TestMockLogger(t *testing.T) {
	l := NewMockLogger()
	l.Info("process_spawned", "pid", 2, "name")
	l.Warn("event_watch_dropped", "dropped", 3)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, map[string]any{"pid": 2}, entries[0].Fields)

	e, ok := l.Find("event_watch_dropped")
	require.True(t, ok)
	assert.Equal(t, 3, e.Fields["dropped"])

	l.Clear()
	assert.Empty(t, l.Entries())
	_, ok = l.Find("process_spawned")
	assert.False(t, ok)
}

// =============================================================================
// FIXTURE TESTS
// =============================================================================

func TestFixture_RecordsEvents(t *testing.T) {
	f := NewFixture(t)

	pid := f.Spawn(t, "hello")
	assert.Equal(t, kernel.ProcessID(2), pid)
	assert.Equal(t, []kernel.ProcessID{2}, f.Events.PIDs(kernel.KernelEventProcessCreated))

	require.NoError(t, f.Machine.Kill(pid, 7))
	assert.Equal(t, []kernel.ProcessID{2}, f.Events.PIDs(kernel.KernelEventProcessExited))
	assert.Equal(t, int64(7), f.Kernel().WaitPID(pid))

	_, ok := f.Logger.Find("kernel_initialized")
	assert.True(t, ok)
}

func TestFixture_Options(t *testing.T) {
	f := NewFixture(t, kernel.WithClock(func() time.Time { return time.Unix(0, 0) }))
	assert.NotNil(t, f.Kernel())
	assert.Equal(t, 1, f.Kernel().Manager().TotalProcesses())
}

// =============================================================================
// SERVER TESTS
// =============================================================================

func TestStartServer(t *testing.T) {
	s := StartServer(t, NewFixture(t))

	client, err := s.Dial()
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pid, err := client.Spawn(ctx, "counter", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), pid)
	assert.Equal(t, []kernel.ProcessID{2}, s.Events.PIDs(kernel.KernelEventProcessCreated))
	assert.Equal(t, 0, s.Service.SubscriberCount())
}

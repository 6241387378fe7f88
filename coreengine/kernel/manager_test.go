package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/kcore/coreengine/boot"
	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
)

func newTestManager(t *testing.T) (*ProcessManager, *testLogger) {
	t.Helper()
	mem := memory.NewPhysicalMemory(4096)
	space := memory.NewKernelAddressSpace(mem)
	init := NewProcess(KernelPID, "kernel", 0, space, nil)
	logger := &testLogger{}
	return NewProcessManager(init, memory.NewMMU(space), boot.DemoApps(), logger), logger
}

func TestProcessManager_SpawnAssignsUniquePIDs(t *testing.T) {
	m, _ := newTestManager(t)

	seen := make(map[ProcessID]bool)
	for i := 0; i < 50; i++ {
		pid, err := m.SpawnByName("hello", KernelPID, nil)
		require.NoError(t, err)
		assert.False(t, seen[pid], "pid %d reused", pid)
		assert.Equal(t, ProcessID(i+2), pid)
		seen[pid] = true
	}
	assert.Equal(t, 51, m.TotalProcesses())
	assert.Equal(t, 50, m.QueueDepth())

	kproc, _ := m.Get(KernelPID)
	assert.Len(t, kproc.Children(), 50)
}

func TestProcessManager_SpawnByNameUnknown(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.SpawnByName("missing", KernelPID, nil)
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestProcessManager_SwitchNextSkipsStaleEntries(t *testing.T) {
	m, _ := newTestManager(t)
	m.PushReady(999)
	a, _ := m.SpawnByName("hello", KernelPID, nil)
	b, _ := m.SpawnByName("counter", KernelPID, nil)
	c, _ := m.SpawnByName("dinner", KernelPID, nil)

	require.True(t, m.Kill(a, 0))
	require.NoError(t, m.Block(b))

	var ctx ProcessContext
	assert.Equal(t, c, m.SwitchNext(&ctx))
	assert.Equal(t, c, m.CurrentPID())
	assert.Zero(t, m.QueueDepth())
}

func TestProcessManager_SwitchNextEmptyQueue(t *testing.T) {
	m, _ := newTestManager(t)

	ctx := ProcessContext{RAX: 5}
	assert.Equal(t, KernelPID, m.SwitchNext(&ctx))
	assert.Equal(t, uint64(5), ctx.RAX)
}

func TestProcessManager_RestoreKernel(t *testing.T) {
	m, _ := newTestManager(t)
	pid, _ := m.SpawnByName("hello", KernelPID, nil)

	var ctx ProcessContext
	m.SaveCurrent(&ctx)
	require.Equal(t, pid, m.SwitchNext(&ctx))

	require.True(t, m.RestoreKernel(&ctx))
	assert.Equal(t, KernelPID, m.CurrentPID())
	kproc, _ := m.Get(KernelPID)
	assert.Same(t, kproc.AddressSpace(), m.MMU().Active())
}

func TestProcessManager_WakeUp(t *testing.T) {
	m, _ := newTestManager(t)
	pid, _ := m.SpawnByName("hello", KernelPID, nil)

	assert.Error(t, m.WakeUp(pid, 0), "ready process cannot be woken")

	require.NoError(t, m.Block(pid))
	require.NoError(t, m.WakeUp(pid, 11))

	p, _ := m.Get(pid)
	assert.Equal(t, StatusReady, p.Status())
	assert.Equal(t, uint64(11), p.Context().ReturnValue())
	assert.Equal(t, []ProcessID{pid, pid}, m.ReadyQueue())

	assert.ErrorIs(t, m.WakeUp(999, 0), ErrProcessNotFound)
	assert.ErrorIs(t, m.Block(999), ErrProcessNotFound)
}

func TestProcessManager_KillReparentsChildren(t *testing.T) {
	m, _ := newTestManager(t)
	parent, _ := m.SpawnByName("sh", KernelPID, nil)
	child, _ := m.SpawnByName("hello", parent, nil)

	pp, _ := m.Get(parent)
	require.Equal(t, []ProcessID{child}, pp.Children())

	require.True(t, m.Kill(parent, 0))
	c, _ := m.Get(child)
	assert.Equal(t, KernelPID, c.Parent())
	kproc, _ := m.Get(KernelPID)
	assert.Contains(t, kproc.Children(), child)
	assert.Empty(t, pp.Children())
}

func TestProcessManager_KillTombstone(t *testing.T) {
	m, logger := newTestManager(t)
	pid, _ := m.SpawnByName("hello", KernelPID, nil)

	assert.True(t, m.Kill(pid, 7))
	code, ok := m.WaitPID(pid)
	assert.True(t, ok)
	assert.Equal(t, int64(7), code)

	assert.False(t, m.Kill(pid, 9))
	assert.True(t, logger.contains("process_already_dead"))
	code, _ = m.WaitPID(pid)
	assert.Equal(t, int64(7), code)

	assert.False(t, m.Kill(999, 0))
	assert.False(t, m.Kill(KernelPID, 0))
	assert.False(t, m.StillAlive(pid))
}

func TestProcessManager_KillCancelsSemaphoreWaits(t *testing.T) {
	m, _ := newTestManager(t)
	data := NewProcessData(nil)
	a, _ := m.SpawnByName("dinner", KernelPID, data)
	b, _ := m.SpawnByName("dinner", KernelPID, data.Clone())

	sems := data.Semaphores()
	require.True(t, sems.Insert(1, 0))
	require.Equal(t, SemBlock, sems.Wait(1, b).Kind)
	require.NoError(t, m.Block(b))

	require.True(t, m.Kill(b, 0))
	snap := sems.Snapshot()
	assert.Equal(t, int64(0), snap[0].Count)
	assert.Empty(t, snap[0].Waiters)
	assert.True(t, m.StillAlive(a))
}

func TestProcessManager_WaitOnExit(t *testing.T) {
	m, _ := newTestManager(t)
	waiter, _ := m.SpawnByName("sh", KernelPID, nil)
	target, _ := m.SpawnByName("hello", waiter, nil)

	require.True(t, m.WaitOnExit(waiter, target))
	require.NoError(t, m.Block(waiter))
	require.True(t, m.Kill(target, 3))

	w, _ := m.Get(waiter)
	assert.Equal(t, StatusReady, w.Status())
	assert.Equal(t, uint64(3), w.Context().ReturnValue())

	assert.False(t, m.WaitOnExit(waiter, target), "target already dead")
	assert.False(t, m.WaitOnExit(waiter, 999))
}

func TestProcessManager_HandlePageFault(t *testing.T) {
	m, logger := newTestManager(t)
	pid, _ := m.SpawnByName("hello", KernelPID, nil)

	var ctx ProcessContext
	m.SaveCurrent(&ctx)
	require.Equal(t, pid, m.SwitchNext(&ctx))

	p, _ := m.Get(pid)
	bottom := p.Data().StackSegment().Start

	assert.False(t, m.HandlePageFault(bottom-8, memory.ProtectionViolation))
	assert.True(t, logger.contains("page_fault_protection_violation"))
	assert.False(t, m.HandlePageFault(0x1000, 0))
	assert.True(t, logger.contains("page_fault_outside_stack"))
	assert.True(t, m.HandlePageFault(bottom-8, memory.CausedByWrite))
}

func TestProcessManager_Reap(t *testing.T) {
	m, _ := newTestManager(t)
	pid, _ := m.SpawnByName("hello", KernelPID, nil)

	assert.ErrorIs(t, m.Reap(pid), ErrProcessAlive)
	assert.ErrorIs(t, m.Reap(KernelPID), ErrKernelProcess)
	assert.ErrorIs(t, m.Reap(999), ErrProcessNotFound)

	require.True(t, m.Kill(pid, 0))
	require.NoError(t, m.Reap(pid))
	_, ok := m.Get(pid)
	assert.False(t, ok)
}

func TestProcessManager_CleanupDead(t *testing.T) {
	m, _ := newTestManager(t)
	parent, _ := m.SpawnByName("sh", KernelPID, nil)
	waited, _ := m.SpawnByName("hello", parent, nil)
	unwaited, _ := m.SpawnByName("hello", parent, nil)
	orphan, _ := m.SpawnByName("counter", KernelPID, nil)

	require.True(t, m.Kill(waited, 0))
	require.True(t, m.Kill(unwaited, 0))
	require.True(t, m.Kill(orphan, 0))
	_, ok := m.WaitPID(waited)
	require.True(t, ok)

	assert.Equal(t, 0, m.CleanupDead(time.Hour))
	assert.Equal(t, 2, m.CleanupDead(0))

	_, ok = m.Get(unwaited)
	assert.True(t, ok, "live parent may still wait")
	_, ok = m.Get(waited)
	assert.False(t, ok)
	_, ok = m.Get(orphan)
	assert.False(t, ok)
}

func TestProcessManager_ProcessListAndFormat(t *testing.T) {
	m, _ := newTestManager(t)
	a, _ := m.SpawnByName("hello", KernelPID, nil)
	b, _ := m.SpawnByName("counter", KernelPID, nil)
	require.True(t, m.Kill(b, 0))

	list := m.ProcessList()
	require.Len(t, list, 3)
	assert.Equal(t, []ProcessID{KernelPID, a, b}, []ProcessID{list[0].PID, list[1].PID, list[2].PID})

	counts := m.ProcessCount()
	assert.Equal(t, 1, counts[StatusRunning])
	assert.Equal(t, 1, counts[StatusReady])
	assert.Equal(t, 1, counts[StatusDead])

	table := m.FormatProcessList()
	assert.Contains(t, table, "PID | PPID")
	assert.Contains(t, table, "hello")
	assert.NotContains(t, table, "counter")
	assert.Contains(t, table, "Queue")
}

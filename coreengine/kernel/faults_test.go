package kernel

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
)

func TestFaultLog(t *testing.T) {
	l := NewFaultLog(2)

	first := l.Record(2, "hello", 0x1000, memory.UserMode, "address outside stack")
	l.Record(3, "counter", 0x2000, memory.ProtectionViolation, "protection violation")
	last := l.Record(4, "dinner", 0x3000, memory.CausedByWrite, "stack growth failed")

	_, err := uuid.Parse(first)
	assert.NoError(t, err)
	assert.NotEqual(t, first, last)
	assert.Equal(t, uint64(3), l.Total())

	recs := l.Recent(0)
	require.Len(t, recs, 2)
	assert.Equal(t, ProcessID(4), recs[0].PID)
	assert.Equal(t, ProcessID(3), recs[1].PID)
	assert.Equal(t, last, recs[0].ID)
	assert.Equal(t, "protection violation", recs[1].Reason)

	assert.Len(t, l.Recent(1), 1)
}

func TestFaultLog_Empty(t *testing.T) {
	l := NewFaultLog(0)
	assert.Empty(t, l.Recent(5))
	assert.Zero(t, l.Total())
}

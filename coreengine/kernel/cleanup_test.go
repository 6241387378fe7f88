package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultReaperConfig(t *testing.T) {
	cfg := DefaultReaperConfig()
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Retention)
}

func TestKernel_StartReaper(t *testing.T) {
	k, logger := newTestKernel(t)
	pid := spawn(t, k, "hello")
	require.NoError(t, k.Kill(pid, 0, nil))

	stop := k.StartReaper(ReaperConfig{Interval: 10 * time.Millisecond, Retention: 0})
	defer stop()

	require.Eventually(t, func() bool {
		_, ok := k.Manager().Get(pid)
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.True(t, logger.contains("reap_cycle_completed"))
}

func TestKernel_StartReaper_DefaultConfig(t *testing.T) {
	k, _ := newTestKernel(t)

	stop := k.StartReaper(ReaperConfig{})
	require.NotNil(t, stop)
	stop()
}

package main

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jeeves-cluster-organization/kcore/coreengine/boot"
	"github.com/jeeves-cluster-organization/kcore/coreengine/config"
	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
)

func observedLogger(level zapcore.Level) (*zapLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &zapLogger{s: zap.New(core).Sugar()}, logs
}

// =============================================================================
// CONFIG LOADING
// =============================================================================

func TestLoadConfig_Defaults(t *testing.T) {
	defer config.ResetKernelConfig()

	cfg, err := loadConfig(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultKernelConfig(), cfg)
	assert.Same(t, cfg, config.GetKernelConfig())
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	defer config.ResetKernelConfig()

	path := filepath.Join(t.TempDir(), "kcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grpc_address: \":6000\"\ninit_app: hello\nphysical_frames: 256\n"), 0o600))

	cfg, err := loadConfig([]string{"-config", path, "-addr", ":7000", "-tick-ms", "3", "-metrics-addr", ""}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.GRPCAddress)
	assert.Equal(t, 3, cfg.TickIntervalMs)
	assert.Empty(t, cfg.MetricsAddress)
	// Values only in the file survive.
	assert.Equal(t, "hello", cfg.InitApp)
	assert.Equal(t, 256, cfg.PhysicalFrames)
}

func TestLoadConfig_Errors(t *testing.T) {
	defer config.ResetKernelConfig()

	var stderr bytes.Buffer
	_, err := loadConfig([]string{"-bogus"}, &stderr)
	assert.Error(t, err)
	assert.Contains(t, stderr.String(), "bogus")

	_, err = loadConfig([]string{"-h"}, io.Discard)
	assert.True(t, errors.Is(err, flag.ErrHelp))

	_, err = loadConfig([]string{"-frames", "-4"}, io.Discard)
	assert.ErrorContains(t, err, "physical_frames")

	_, err = loadConfig([]string{"-config", filepath.Join(t.TempDir(), "none.yaml")}, io.Discard)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// =============================================================================
// BOOT
// =============================================================================

func TestBootMachine_DemoApps(t *testing.T) {
	logger, logs := observedLogger(zapcore.InfoLevel)
	cfg := config.DefaultKernelConfig()
	cfg.PhysicalFrames = 1024
	cfg.InitApp = "hello"

	m, err := bootMachine(cfg, logger, kernel.NewBufferConsole())
	require.NoError(t, err)

	p, ok := m.Kernel().Manager().Get(2)
	require.True(t, ok)
	assert.Equal(t, "hello", p.Name())
	assert.Equal(t, kernel.KernelPID, p.Parent())
	assert.Equal(t, 1, logs.FilterMessage("init_spawned").Len())
}

func TestBootMachine_AppsDir(t *testing.T) {
	dir := t.TempDir()
	exe := &boot.Executable{
		Entry: 0x40_0000,
		Segments: []boot.Segment{
			{VirtAddr: 0x40_0000, MemSize: 4, Data: []byte{0x90, 0x90, 0xeb, 0xfe}, Flags: boot.SegmentRead | boot.SegmentExec},
		},
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spin.elf"), boot.EncodeELF(exe), 0o600))

	logger, _ := observedLogger(zapcore.InfoLevel)
	cfg := config.DefaultKernelConfig()
	cfg.PhysicalFrames = 1024
	cfg.AppsDir = dir
	cfg.InitApp = "spin"

	m, err := bootMachine(cfg, logger, kernel.NewBufferConsole())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Kernel().Manager().TotalProcesses())

	cfg.InitApp = "hello"
	_, err = bootMachine(cfg, logger, kernel.NewBufferConsole())
	assert.ErrorIs(t, err, kernel.ErrAppNotFound)

	cfg.AppsDir = filepath.Join(dir, "missing")
	_, err = bootMachine(cfg, logger, kernel.NewBufferConsole())
	assert.Error(t, err)
}

// =============================================================================
// LOGGER
// =============================================================================

func TestZapLogger_RoutesLevelsAndFields(t *testing.T) {
	logger, logs := observedLogger(zapcore.InfoLevel)

	logger.Debug("hidden")
	logger.Info("process_spawned", "pid", 2, "name", "hello")
	logger.Warn("event_watch_dropped", "dropped", 3)
	logger.Error("kcore_failed", "error", "boom")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "process_spawned", entries[0].Message)
	assert.Equal(t, map[string]any{"pid": int64(2), "name": "hello"}, entries[0].ContextMap())
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, zapLevel(config.LogLevelDebug))
	assert.Equal(t, zapcore.InfoLevel, zapLevel(config.LogLevelInfo))
	assert.Equal(t, zapcore.WarnLevel, zapLevel(config.LogLevelWarn))
	assert.Equal(t, zapcore.ErrorLevel, zapLevel(config.LogLevelError))

	_, err := newLogger("chatty")
	assert.Error(t, err)

	l, err := newLogger("warn")
	require.NoError(t, err)
	assert.NotNil(t, l)
}

// =============================================================================
// CONSOLE
// =============================================================================

func TestTerminalConsole(t *testing.T) {
	var out, errOut bytes.Buffer
	c := newTerminalConsole(&out, &errOut)

	_, ok := c.PopKey()
	assert.False(t, ok)

	c.feed(strings.NewReader("ls\n"))
	for _, want := range []byte("ls\n") {
		b, ok := c.PopKey()
		require.True(t, ok)
		assert.Equal(t, want, b)
	}
	_, ok = c.PopKey()
	assert.False(t, ok)

	c.Print([]byte("hello\n"))
	c.Warn([]byte("oops\n"))
	assert.Equal(t, "hello\n", out.String())
	assert.Equal(t, "oops\n", errOut.String())
}

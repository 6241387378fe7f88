package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// PhysicalMemory Tests
// =============================================================================

func TestPhysicalMemory_AllocateUntilExhausted(t *testing.T) {
	pm := NewPhysicalMemory(2)

	f1, err := pm.AllocateFrame()
	require.NoError(t, err)
	f2, err := pm.AllocateFrame()
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2)
	assert.NotZero(t, f1)

	_, err = pm.AllocateFrame()
	assert.ErrorIs(t, err, ErrFramesExhausted)

	pm.DeallocateFrame(f1)
	f3, err := pm.AllocateFrame()
	require.NoError(t, err)
	assert.Equal(t, f1, f3)
}

func TestPhysicalMemory_FramesComeBackZeroed(t *testing.T) {
	pm := NewPhysicalMemory(1)

	f, err := pm.AllocateFrame()
	require.NoError(t, err)
	require.NoError(t, pm.WriteFrame(f, 10, []byte{1, 2, 3}))

	pm.DeallocateFrame(f)
	f, err = pm.AllocateFrame()
	require.NoError(t, err)

	buf := make([]byte, 3)
	require.NoError(t, pm.ReadFrame(f, 10, buf))
	assert.Equal(t, []byte{0, 0, 0}, buf)
}

func TestPhysicalMemory_DoubleFreeIgnored(t *testing.T) {
	pm := NewPhysicalMemory(4)
	f, _ := pm.AllocateFrame()

	pm.DeallocateFrame(f)
	pm.DeallocateFrame(f)

	stats := pm.Stats()
	assert.Equal(t, 0, stats.UsedFrames)
	assert.Equal(t, 4, stats.FreeFrames)

	a, _ := pm.AllocateFrame()
	b, _ := pm.AllocateFrame()
	assert.NotEqual(t, a, b, "a frame freed twice must not be handed out twice")
}

func TestPhysicalMemory_OutOfBoundsAccess(t *testing.T) {
	pm := NewPhysicalMemory(1)
	f, _ := pm.AllocateFrame()

	assert.Error(t, pm.WriteFrame(f, PageSize-1, []byte{1, 2}))
	assert.Error(t, pm.ReadFrame(f, -1, make([]byte, 1)))
	assert.ErrorIs(t, pm.ReadFrame(f+1, 0, make([]byte, 1)), ErrInvalidFrame)
}

// =============================================================================
// PageRange Tests
// =============================================================================

func TestPageRange(t *testing.T) {
	r := NewPageRange(0x1010, 0x3001)
	assert.Equal(t, uint64(0x1000), r.Start)
	assert.Equal(t, uint64(3), r.Pages)
	assert.Equal(t, uint64(0x4000), r.End())
	assert.True(t, r.Contains(0x3fff))
	assert.False(t, r.Contains(0x4000))
	assert.True(t, r.Overlaps(PageRange{Start: 0x3000, Pages: 4}))
	assert.False(t, r.Overlaps(PageRange{Start: 0x4000, Pages: 1}))
}

// =============================================================================
// AddressSpace Tests
// =============================================================================

func newTestSpace(t *testing.T, frames int) *AddressSpace {
	t.Helper()
	return NewKernelAddressSpace(NewPhysicalMemory(frames)).CloneTopLevel()
}

func TestAddressSpace_MapAndTranslate(t *testing.T) {
	as := newTestSpace(t, 16)

	r, err := as.MapRange(0x40_0000, 2, Writable|UserAccessible)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40_2000), r.End())

	_, flags, ok := as.Translate(0x40_1fff)
	require.True(t, ok)
	assert.True(t, flags.Has(Present|Writable|UserAccessible))
	assert.False(t, as.IsMapped(0x40_2000))
	assert.Equal(t, uint64(2), as.UserPages())
}

func TestAddressSpace_MapConflictLeavesNoPartialMapping(t *testing.T) {
	as := newTestSpace(t, 16)
	mem := as.Memory()

	_, err := as.MapRange(0x40_2000, 1, Writable)
	require.NoError(t, err)
	used := mem.Stats().UsedFrames

	_, err = as.MapRange(0x40_0000, 4, Writable)
	assert.ErrorIs(t, err, ErrPageAlreadyMapped)
	assert.False(t, as.IsMapped(0x40_0000))
	assert.Equal(t, used, mem.Stats().UsedFrames)
}

func TestAddressSpace_MapRollsBackOnExhaustion(t *testing.T) {
	as := newTestSpace(t, 3)

	_, err := as.MapRange(0x40_0000, 4, Writable)
	assert.ErrorIs(t, err, ErrFramesExhausted)
	assert.Equal(t, uint64(0), as.UserPages())
	assert.Equal(t, 0, as.Memory().Stats().UsedFrames)
}

func TestAddressSpace_RejectsNonCanonicalRange(t *testing.T) {
	as := newTestSpace(t, 4)

	_, err := as.MapRange(UserTop-PageSize, 2, Writable)
	assert.ErrorIs(t, err, ErrNonCanonical)
}

func TestAddressSpace_KernelHalfShared(t *testing.T) {
	mem := NewPhysicalMemory(16)
	boot := NewKernelAddressSpace(mem)
	a := boot.CloneTopLevel()
	b := boot.CloneTopLevel()

	kaddr := KernelBase + 0x1000
	_, err := a.MapRange(kaddr, 1, Writable)
	require.NoError(t, err)
	require.NoError(t, a.WriteAt(kaddr, []byte("kernel")))

	buf := make([]byte, 6)
	require.NoError(t, b.ReadAt(kaddr, buf))
	assert.Equal(t, "kernel", string(buf))
	assert.True(t, a.SharesKernelWith(b))

	_, err = a.MapRange(0x1000, 1, Writable)
	require.NoError(t, err)
	assert.False(t, b.IsMapped(0x1000), "user half must be private")
}

func TestAddressSpace_ReadWriteAcrossPages(t *testing.T) {
	as := newTestSpace(t, 8)
	_, err := as.MapRange(0x10_0000, 2, Writable|UserAccessible)
	require.NoError(t, err)

	data := []byte("spans a page boundary")
	addr := uint64(0x10_0000 + PageSize - 5)
	require.NoError(t, as.WriteAt(addr, data))

	got, err := as.CopyIn(addr, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAddressSpace_CopyInValidation(t *testing.T) {
	as := newTestSpace(t, 8)
	_, err := as.MapRange(0x10_0000, 1, 0)
	require.NoError(t, err)
	_, err = as.MapRange(0x20_0000, 1, UserAccessible)
	require.NoError(t, err)

	tests := []struct {
		name string
		addr uint64
		n    int
		prot bool
	}{
		{"unmapped", 0x30_0000, 4, false},
		{"kernel only page", 0x10_0000, 4, true},
		{"kernel address", KernelBase, 4, false},
		{"runs off mapping", 0x20_0000 + PageSize - 2, 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := as.CopyIn(tt.addr, tt.n)
			var fault *FaultError
			require.True(t, errors.As(err, &fault), "expected fault, got %v", err)
			assert.Equal(t, tt.prot, fault.Code.Has(ProtectionViolation))
		})
	}

	got, err := as.CopyIn(0x20_0000, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAddressSpace_CopyOutRequiresWritable(t *testing.T) {
	as := newTestSpace(t, 8)
	_, err := as.MapRange(0x20_0000, 1, UserAccessible)
	require.NoError(t, err)

	err = as.CopyOut(0x20_0000, []byte{1})
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.True(t, fault.Code.Has(ProtectionViolation|CausedByWrite))
}

func TestAddressSpace_CheckUserWritable(t *testing.T) {
	as := newTestSpace(t, 16)
	_, err := as.MapRange(0x20_0000, 1, UserAccessible)
	require.NoError(t, err)
	_, err = as.MapRange(0x30_0000, 2, Writable|UserAccessible)
	require.NoError(t, err)

	assert.NoError(t, as.CheckUserWritable(0x30_0000, 2*PageSize))
	assert.NoError(t, as.CheckUserWritable(0x40_0000, 0))

	var fault *FaultError
	require.ErrorAs(t, as.CheckUserWritable(0x20_0000, 1), &fault)
	assert.True(t, fault.Code.Has(ProtectionViolation|CausedByWrite))
	assert.Error(t, as.CheckUserWritable(0x30_0000, 2*PageSize+1), "runs past the mapping")
	assert.Error(t, as.CheckUserWritable(KernelBase, 1))

	got := make([]byte, 4)
	require.NoError(t, as.ReadAt(0x30_0000, got))
	assert.Equal(t, []byte{0, 0, 0, 0}, got)
}

func TestAddressSpace_ForkCopiesUserPages(t *testing.T) {
	as := newTestSpace(t, 32)
	_, err := as.MapRange(0x40_0000, 1, UserAccessible)
	require.NoError(t, err)
	stack, err := as.MapRange(0x7000_0000, 1, Writable|UserAccessible)
	require.NoError(t, err)
	require.NoError(t, as.WriteAt(0x40_0000, []byte{0xAA}))

	child, err := as.Fork(stack)
	require.NoError(t, err)
	assert.True(t, child.IsMapped(0x40_0000))
	assert.False(t, child.IsMapped(stack.Start), "skipped range must not be copied")

	pf, _, _ := as.Translate(0x40_0000)
	cf, cflags, _ := child.Translate(0x40_0000)
	assert.NotEqual(t, pf, cf)
	assert.False(t, cflags.Has(Writable))

	require.NoError(t, child.WriteAt(0x40_0000, []byte{0xBB}))
	buf := make([]byte, 1)
	require.NoError(t, as.ReadAt(0x40_0000, buf))
	assert.Equal(t, byte(0xAA), buf[0])
}

func TestAddressSpace_CopyPagesFrom(t *testing.T) {
	mem := NewPhysicalMemory(8)
	boot := NewKernelAddressSpace(mem)
	src := boot.CloneTopLevel()
	dst := boot.CloneTopLevel()

	_, err := src.MapRange(0x1000, 1, Writable)
	require.NoError(t, err)
	_, err = dst.MapRange(0x9000, 1, Writable)
	require.NoError(t, err)
	require.NoError(t, src.WriteAt(0x1ff0, []byte("tail")))

	require.NoError(t, dst.CopyPagesFrom(src, 0x1000, 0x9000, 1))
	buf := make([]byte, 4)
	require.NoError(t, dst.ReadAt(0x9ff0, buf))
	assert.Equal(t, "tail", string(buf))

	assert.ErrorIs(t, dst.CopyPagesFrom(src, 0x5000, 0x9000, 1), ErrPageNotMapped)
}

func TestAddressSpace_ReleaseIsIdempotent(t *testing.T) {
	as := newTestSpace(t, 8)
	_, err := as.MapRange(0x1000, 3, Writable)
	require.NoError(t, err)

	assert.Equal(t, 3, as.Release())
	assert.Equal(t, 0, as.Release())
	assert.True(t, as.Released())
	assert.Equal(t, 0, as.Memory().Stats().UsedFrames)

	_, err = as.MapRange(0x1000, 1, Writable)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestMMU_Load(t *testing.T) {
	boot := NewKernelAddressSpace(NewPhysicalMemory(1))
	mmu := NewMMU(boot)
	assert.Same(t, boot, mmu.Active())

	as := boot.CloneTopLevel()
	mmu.Load(as)
	assert.Same(t, as, mmu.Active())
	assert.Equal(t, uint64(1), mmu.Loads())
}

func TestPageFaultErrorCode_String(t *testing.T) {
	assert.Equal(t, "non-present page, read", PageFaultErrorCode(0).String())
	assert.Equal(t, "protection violation, write, user", (ProtectionViolation | CausedByWrite | UserMode).String())
}

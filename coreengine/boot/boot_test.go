package boot

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutable() *Executable {
	return &Executable{
		Entry: 0x40_0010,
		Segments: []Segment{
			{VirtAddr: 0x40_0000, MemSize: 4, Data: []byte{0x90, 0x90, 0xeb, 0xfe}, Flags: SegmentRead | SegmentExec},
			{VirtAddr: 0x60_0000, MemSize: 0x3000, Data: []byte("data"), Flags: SegmentRead | SegmentWrite},
		},
	}
}

func TestParseELF_RoundTrip(t *testing.T) {
	exe, err := ParseELF(EncodeELF(testExecutable()))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x40_0010), exe.Entry)
	require.Len(t, exe.Segments, 2)

	text := exe.Segments[0]
	assert.Equal(t, uint64(0x40_0000), text.VirtAddr)
	assert.True(t, text.Executable())
	assert.False(t, text.Writable())

	data := exe.Segments[1]
	assert.Equal(t, uint64(0x3000), data.MemSize)
	assert.Equal(t, []byte("data"), data.Data)
	assert.True(t, data.Writable())
}

func TestParseELF_RejectsGarbage(t *testing.T) {
	_, err := ParseELF([]byte("#!/bin/sh\necho hi\n"))
	assert.ErrorIs(t, err, ErrNotExecutable)
}

func TestParseELF_RejectsEmptyImage(t *testing.T) {
	_, err := ParseELF(EncodeELF(&Executable{Entry: 0x1000}))
	assert.ErrorIs(t, err, ErrNotExecutable)
}

func TestAppList_LookupIgnoresCase(t *testing.T) {
	list := NewAppList()
	require.NoError(t, list.Add("Counter", testExecutable()))

	app, ok := list.Lookup("COUNTER")
	require.True(t, ok)
	assert.Equal(t, "Counter", app.Name)

	_, ok = list.Lookup("missing")
	assert.False(t, ok)

	assert.ErrorIs(t, list.Add("counter", testExecutable()), ErrDuplicateApp)
}

func TestAppList_Format(t *testing.T) {
	list := NewAppList()
	require.NoError(t, list.Add("hello", testExecutable()))
	require.NoError(t, list.Add("dinner", testExecutable()))

	assert.Equal(t, "[+] App list: hello dinner\n", list.Format())
}

func TestLoadDir(t *testing.T) {
	fsys := fstest.MapFS{
		"apps/hello.elf": {Data: EncodeELF(testExecutable())},
		"apps/sh":        {Data: EncodeELF(testExecutable())},
		"apps/sub/x":     {Data: []byte("ignored")},
	}

	list, err := LoadDir(fsys, "apps")
	require.NoError(t, err)
	assert.Equal(t, 2, list.Len())

	_, ok := list.Lookup("hello")
	assert.True(t, ok)
}

func TestLoadDir_BadImage(t *testing.T) {
	fsys := fstest.MapFS{"apps/broken": {Data: []byte("nope")}}

	_, err := LoadDir(fsys, "apps")
	assert.ErrorIs(t, err, ErrNotExecutable)
}

func TestDemoApps(t *testing.T) {
	list := DemoApps()
	assert.Equal(t, 4, list.Len())

	app, ok := list.Lookup("Dinner")
	require.True(t, ok)
	_, err := ParseELF(EncodeELF(app.Executable))
	assert.NoError(t, err)
}

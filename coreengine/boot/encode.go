package boot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	elfHeaderSize  = 64
	progHeaderSize = 56
)

// EncodeELF writes a minimal x86_64 ELF executable holding one PT_LOAD
// program header per segment and no section table. Used to build the
// built-in demo images and test fixtures.
func EncodeELF(exe *Executable) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	buf.Write(ident[:])
	_ = binary.Write(&buf, le, uint16(elf.ET_EXEC))
	_ = binary.Write(&buf, le, uint16(elf.EM_X86_64))
	_ = binary.Write(&buf, le, uint32(elf.EV_CURRENT))
	_ = binary.Write(&buf, le, exe.Entry)
	_ = binary.Write(&buf, le, uint64(elfHeaderSize)) // phoff
	_ = binary.Write(&buf, le, uint64(0))             // shoff
	_ = binary.Write(&buf, le, uint32(0))             // flags
	_ = binary.Write(&buf, le, uint16(elfHeaderSize))
	_ = binary.Write(&buf, le, uint16(progHeaderSize))
	_ = binary.Write(&buf, le, uint16(len(exe.Segments)))
	_ = binary.Write(&buf, le, uint16(0)) // shentsize
	_ = binary.Write(&buf, le, uint16(0)) // shnum
	_ = binary.Write(&buf, le, uint16(0)) // shstrndx

	offset := uint64(elfHeaderSize + progHeaderSize*len(exe.Segments))
	for _, seg := range exe.Segments {
		var flags elf.ProgFlag
		if seg.Flags&SegmentRead != 0 {
			flags |= elf.PF_R
		}
		if seg.Flags&SegmentWrite != 0 {
			flags |= elf.PF_W
		}
		if seg.Flags&SegmentExec != 0 {
			flags |= elf.PF_X
		}
		memsz := seg.MemSize
		if memsz < uint64(len(seg.Data)) {
			memsz = uint64(len(seg.Data))
		}

		_ = binary.Write(&buf, le, uint32(elf.PT_LOAD))
		_ = binary.Write(&buf, le, uint32(flags))
		_ = binary.Write(&buf, le, offset)
		_ = binary.Write(&buf, le, seg.VirtAddr)
		_ = binary.Write(&buf, le, seg.VirtAddr)
		_ = binary.Write(&buf, le, uint64(len(seg.Data)))
		_ = binary.Write(&buf, le, memsz)
		_ = binary.Write(&buf, le, uint64(0x1000))
		offset += uint64(len(seg.Data))
	}
	for _, seg := range exe.Segments {
		buf.Write(seg.Data)
	}
	return buf.Bytes()
}

// DemoApps returns a catalog of small built-in images, used when no app
// directory is configured.
func DemoApps() *AppList {
	list := NewAppList()
	for _, name := range []string{"hello", "counter", "dinner", "sh"} {
		text := append([]byte{0x90, 0x90, 0xeb, 0xfe}, []byte(name)...) // nop; nop; jmp $
		exe := &Executable{
			Entry: 0x40_0000,
			Segments: []Segment{
				{VirtAddr: 0x40_0000, MemSize: uint64(len(text)), Data: text, Flags: SegmentRead | SegmentExec},
				{VirtAddr: 0x60_0000, MemSize: 0x2000, Data: []byte(name), Flags: SegmentRead | SegmentWrite},
			},
		}
		_ = list.Add(name, exe)
	}
	return list
}

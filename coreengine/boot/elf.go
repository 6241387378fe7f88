package boot

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// ErrNotExecutable is returned for ELF files that cannot be loaded as a
// user program.
var ErrNotExecutable = errors.New("not a loadable x86_64 executable")

// SegmentFlags are the access rights requested by a loadable segment.
type SegmentFlags uint8

const (
	SegmentRead SegmentFlags = 1 << iota
	SegmentWrite
	SegmentExec
)

// Segment is one loadable region of an executable.
type Segment struct {
	VirtAddr uint64       `json:"virt_addr"`
	MemSize  uint64       `json:"mem_size"`
	Data     []byte       `json:"-"`
	Flags    SegmentFlags `json:"flags"`
}

// Writable reports whether the segment must be mapped writable.
func (s Segment) Writable() bool {
	return s.Flags&SegmentWrite != 0
}

// Executable reports whether instructions may be fetched from the segment.
func (s Segment) Executable() bool {
	return s.Flags&SegmentExec != 0
}

// Executable is a parsed program image.
type Executable struct {
	Entry    uint64    `json:"entry"`
	Segments []Segment `json:"segments"`
}

// ParseELF reads the loadable segments of a 64-bit little-endian x86_64 ELF
// executable.
func ParseELF(data []byte) (*Executable, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: class %s machine %s", ErrNotExecutable, f.Class, f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: type %s", ErrNotExecutable, f.Type)
	}

	exe := &Executable{Entry: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: segment at %#x has filesz > memsz", ErrNotExecutable, prog.Vaddr)
		}

		seg := Segment{VirtAddr: prog.Vaddr, MemSize: prog.Memsz}
		if prog.Flags&elf.PF_R != 0 {
			seg.Flags |= SegmentRead
		}
		if prog.Flags&elf.PF_W != 0 {
			seg.Flags |= SegmentWrite
		}
		if prog.Flags&elf.PF_X != 0 {
			seg.Flags |= SegmentExec
		}

		seg.Data = make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), seg.Data); err != nil {
			return nil, fmt.Errorf("read segment at %#x: %w", prog.Vaddr, err)
		}
		exe.Segments = append(exe.Segments, seg)
	}

	if len(exe.Segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrNotExecutable)
	}
	return exe, nil
}

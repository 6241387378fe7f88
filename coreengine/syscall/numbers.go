// Package syscall is the trap-side dispatch surface of the kernel core: it
// decodes the syscall ABI from the trap frame, validates user buffers with
// copy-in/copy-out, and maps each syscall onto one kernel operation.
//
// ABI: RAX holds the syscall number, RDI/RSI/RDX hold arguments 0-2, and
// the result is written back to RAX of the calling process.
package syscall

import (
	"fmt"
	"strconv"
	"strings"
)

// Number is a syscall number.
type Number uint16

const (
	Read       Number = 0
	Write      Number = 1
	ListDir    Number = 2
	Open       Number = 3
	Close      Number = 4
	GetPid     Number = 39
	Fork       Number = 58
	Spawn      Number = 59
	Exit       Number = 60
	WaitPid    Number = 61
	Time       Number = 201
	Sem        Number = 44326
	ListApp    Number = 65531
	Stat       Number = 65532
	Allocate   Number = 65533
	Deallocate Number = 65534
	Unknown    Number = 65535
)

var numberNames = map[Number]string{
	Read:       "read",
	Write:      "write",
	ListDir:    "list_dir",
	Open:       "open",
	Close:      "close",
	GetPid:     "get_pid",
	Fork:       "fork",
	Spawn:      "spawn",
	Exit:       "exit",
	WaitPid:    "wait_pid",
	Time:       "time",
	Sem:        "sem",
	ListApp:    "list_app",
	Stat:       "stat",
	Allocate:   "allocate",
	Deallocate: "deallocate",
	Unknown:    "unknown",
}

// NumberFromRAX decodes RAX. Values outside the 16-bit space are Unknown.
func NumberFromRAX(rax uint64) Number {
	if rax > uint64(Unknown) {
		return Unknown
	}
	return Number(rax)
}

func (n Number) String() string {
	if name, ok := numberNames[n]; ok {
		return name
	}
	return fmt.Sprintf("syscall_%d", uint16(n))
}

// ParseNumber accepts a syscall name ("fork", "wait_pid") or a decimal or
// hex number.
func ParseNumber(s string) (Number, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for n, name := range numberNames {
		if name == s {
			return n, true
		}
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, false
	}
	return Number(v), true
}

// Semaphore operations carried in argument 0 of Sem.
const (
	SemOpNew    uint64 = 0
	SemOpRemove uint64 = 1
	SemOpSignal uint64 = 2
	SemOpWait   uint64 = 3
)

// WaitBlocking in argument 1 of WaitPid blocks until the target exits.
const WaitBlocking uint64 = 1

// Args are the three syscall arguments.
type Args struct {
	Arg0 uint64
	Arg1 uint64
	Arg2 uint64
}

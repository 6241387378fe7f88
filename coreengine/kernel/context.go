package kernel

import "fmt"

// Segment selectors loaded for user mode.
const (
	UserCodeSelector uint64 = 0x2b
	UserDataSelector uint64 = 0x23

	rflagsReserved  uint64 = 1 << 1
	rflagsInterrupt uint64 = 1 << 9
)

// InterruptStackFrame is the part of the trap frame pushed by the CPU.
type InterruptStackFrame struct {
	RIP    uint64 `json:"rip"`
	CS     uint64 `json:"cs"`
	RFLAGS uint64 `json:"rflags"`
	RSP    uint64 `json:"rsp"`
	SS     uint64 `json:"ss"`
}

// ProcessContext is the register snapshot taken at trap time. The core only
// interprets the return-value register, the stack pointers and the syscall
// argument registers; everything else is carried opaquely.
type ProcessContext struct {
	RAX uint64 `json:"rax"`
	RBX uint64 `json:"rbx"`
	RCX uint64 `json:"rcx"`
	RDX uint64 `json:"rdx"`
	RSI uint64 `json:"rsi"`
	RDI uint64 `json:"rdi"`
	RBP uint64 `json:"rbp"`
	R8  uint64 `json:"r8"`
	R9  uint64 `json:"r9"`
	R10 uint64 `json:"r10"`
	R11 uint64 `json:"r11"`
	R12 uint64 `json:"r12"`
	R13 uint64 `json:"r13"`
	R14 uint64 `json:"r14"`
	R15 uint64 `json:"r15"`

	Frame InterruptStackFrame `json:"frame"`
}

// SetRAX sets the return-value register.
func (c *ProcessContext) SetRAX(v uint64) {
	c.RAX = v
}

// ReturnValue returns the return-value register.
func (c ProcessContext) ReturnValue() uint64 {
	return c.RAX
}

// StackPointer returns the saved user stack pointer.
func (c ProcessContext) StackPointer() uint64 {
	return c.Frame.RSP
}

// SetStackOffset moves the stack pointer by offset, wrapping like the
// hardware add. A move towards lower addresses is passed as the two's
// complement of the distance.
func (c *ProcessContext) SetStackOffset(offset uint64) {
	c.Frame.RSP += offset
}

// InitStackFrame prepares the context so that restoring it starts user
// execution at entry with the stack pointer at stackTop.
func (c *ProcessContext) InitStackFrame(entry, stackTop uint64) {
	c.Frame = InterruptStackFrame{
		RIP:    entry,
		CS:     UserCodeSelector,
		RFLAGS: rflagsInterrupt | rflagsReserved,
		RSP:    stackTop,
		SS:     UserDataSelector,
	}
}

// SyscallArgs returns the syscall number and its first three arguments.
func (c *ProcessContext) SyscallArgs() (nr, arg0, arg1, arg2 uint64) {
	return c.RAX, c.RDI, c.RSI, c.RDX
}

func (c ProcessContext) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rax=%#x rflags=%#x", c.Frame.RIP, c.Frame.RSP, c.RAX, c.Frame.RFLAGS)
}

package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessNotFound is returned when a pid has no registry entry.
	ErrProcessNotFound = errors.New("process not found")
	// ErrProcessDead is returned for operations that need a live process.
	ErrProcessDead = errors.New("process is dead")
	// ErrProcessAlive is returned when reaping a process that has not exited.
	ErrProcessAlive = errors.New("process is still alive")
	// ErrKernelProcess is returned for operations forbidden on the kernel process.
	ErrKernelProcess = errors.New("operation not permitted on the kernel process")
	// ErrAppNotFound is returned when the executable catalog has no such app.
	ErrAppNotFound = errors.New("app not found")
	// ErrPIDExhausted is returned once every 16-bit pid has been handed out.
	ErrPIDExhausted = errors.New("process ids exhausted")
	// ErrStackSlotExhausted is returned when no stack slot is left below the region ceiling.
	ErrStackSlotExhausted = errors.New("no free stack slot")
	// ErrNoStack is returned when forking a process without a stack segment.
	ErrNoStack = errors.New("process has no stack segment")
	// ErrForkRateLimited is returned when a parent exceeds its fork budget.
	ErrForkRateLimited = errors.New("fork rate limit exceeded")
)

// ProcessError records a failed operation on one process.
type ProcessError struct {
	Op  string
	PID ProcessID
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s pid %d: %v", e.Op, e.PID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

func processError(op string, pid ProcessID, err error) error {
	return &ProcessError{Op: op, PID: pid, Err: err}
}

package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by SafeTrap when the handler panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// SafeTrap runs a trap handler, converting a panic into a *PanicError so a
// faulting handler takes down at most the process it serves.
func SafeTrap(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger != nil {
				logger.Error("panic_recovered",
					"operation", operation,
					"panic", r,
					"stack", stack,
				)
			}
			err = &PanicError{Operation: operation, Value: r, Stack: stack}
		}
	}()
	return fn()
}

// SafeTrapValue is SafeTrap for handlers producing a value. On panic the
// zero value is returned.
func SafeTrapValue[T any](logger Logger, operation string, fn func() (T, error)) (T, error) {
	var result T
	err := SafeTrap(logger, operation, func() error {
		var inner error
		result, inner = fn()
		return inner
	})
	if err != nil {
		var zero T
		if _, ok := err.(*PanicError); ok {
			return zero, err
		}
	}
	return result, err
}

// SafeGo runs fn in a goroutine. A panic is logged and handed to onPanic.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("goroutine_panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", string(debug.Stack()),
					)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

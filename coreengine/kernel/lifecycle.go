// Package kernel provides the process state machine.
//
// Valid transitions:
//   - Ready -> Running (dispatched), Blocked (blocked right after being saved)
//   - Running -> Ready (preempted), Blocked (waiting)
//   - Blocked -> Ready (woken)
//
// Dead is entered only through Process.Kill and is terminal.
package kernel

// validTransitions defines allowed state transitions.
var validTransitions = map[ProgramStatus]map[ProgramStatus]bool{
	StatusReady: {
		StatusRunning: true,
		StatusBlocked: true,
	},
	StatusRunning: {
		StatusReady:   true, // Preempted
		StatusBlocked: true,
	},
	StatusBlocked: {
		StatusReady: true,
	},
	StatusDead: {}, // Terminal state
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to ProgramStatus) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

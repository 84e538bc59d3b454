package supervisor

import "fmt"

// State is the supervisor lifecycle state
type State string

const (
	StateStarting   State = "starting"   // Launching (or about to relaunch) the worker
	StateRunning    State = "running"    // Worker alive in some Mode
	StateRestarting State = "restarting" // Stopping the worker to relaunch with a fresh mode
	StateStopped    State = "stopped"    // Terminal
)

// Mode is the worker's operating mode, derived from the ledger's throttle flag
type Mode int

const (
	ModeNormal Mode = iota
	ModeThrottled
)

func (m Mode) String() string {
	if m == ModeThrottled {
		return "throttled"
	}
	return "normal"
}

func modeFor(throttled bool) Mode {
	if throttled {
		return ModeThrottled
	}
	return ModeNormal
}

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateStarting: {
		StateRunning: true, // Worker launched
		StateStopped: true, // Launch failed, or stop requested during crash backoff
	},
	StateRunning: {
		StateRestarting: true, // Mode change requested
		StateStarting:   true, // Worker crashed, relaunch after backoff
		StateStopped:    true, // Clean exit or stop requested
	},
	StateRestarting: {
		StateStarting: true, // Old worker gone, relaunch
		StateStopped:  true, // Stop requested while restarting
	},
	// Terminal
	StateStopped: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible
func (s State) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

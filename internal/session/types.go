package session

// State represents the lifecycle of the bridged agent session
type State string

const (
	StateUninitialized State = "uninitialized" // No session opened yet
	StateRunning       State = "running"       // Session open and streaming
	StateFailed        State = "failed"        // Session raised; never restarted
	StateEnded         State = "ended"         // Engine closed its output cleanly
)

// AllStates lists every State, in lifecycle order
var AllStates = []State{StateUninitialized, StateRunning, StateFailed, StateEnded}

// IsTerminal reports whether no further transition can happen
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateEnded
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}
